package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Errors
var (
	ErrInvalidConfig   = errors.New("invalid connection config")
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrClosed          = errors.New("connection closed")
	ErrSendQueueFull   = errors.New("send queue full")
)

// TelemetryPath is the WebSocket endpoint of the telemetry plugin.
const TelemetryPath = "/api/ws/plugins/telemetry"

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Message is an inbound message as seen by listeners. The same *Message is
// handed to every listener, and its envelope is decoded at most once.
type Message struct {
	Data       []byte
	ReceivedAt time.Time

	once sync.Once
	env  Envelope
	err  error
}

// NewMessage wraps raw bytes received at the given time.
func NewMessage(data []byte, receivedAt time.Time) *Message {
	return &Message{Data: data, ReceivedAt: receivedAt}
}

// Envelope decodes the message on first use and returns the cached result.
func (m *Message) Envelope() (*Envelope, error) {
	m.once.Do(func() {
		if err := json.Unmarshal(m.Data, &m.env); err != nil {
			m.err = fmt.Errorf("decode envelope: %w", err)
		}
	})
	if m.err != nil {
		return nil, m.err
	}
	return &m.env, nil
}

// Envelope is an inbound result or push from the telemetry plugin.
type Envelope struct {
	CmdID          *int            `json:"cmdId,omitempty"`
	SubscriptionID *int            `json:"subscriptionId,omitempty"`
	Data           json.RawMessage `json:"data"`
	ErrorCode      int             `json:"errorCode"`
	ErrorMsg       string          `json:"errorMsg,omitempty"`
	LatestValues   json.RawMessage `json:"latestValues,omitempty"`
}

// CorrelationID returns subscriptionId when subscribe is set, cmdId otherwise.
func (e *Envelope) CorrelationID(subscribe bool) (int, bool) {
	field := e.CmdID
	if subscribe {
		field = e.SubscriptionID
	}
	if field == nil {
		return 0, false
	}
	return *field, true
}

// HasCorrelation reports whether the envelope carries any correlation field.
func (e *Envelope) HasCorrelation() bool {
	return e.CmdID != nil || e.SubscriptionID != nil
}

// Err returns a *ServiceError if errorCode is non-zero.
func (e *Envelope) Err() error {
	if e.ErrorCode == 0 {
		return nil
	}
	return &ServiceError{Code: e.ErrorCode, Message: e.ErrorMsg}
}

// ServiceError is a service-level failure reported inside an envelope.
type ServiceError struct {
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("thingsboard error %d: %s", e.Code, e.Message)
}

// ClientConfig configures a single WebSocket socket.
type ClientConfig struct {
	URL              string        // Full endpoint URL including the token query parameter
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dialer handshake timeout
	PingInterval     time.Duration // Interval between client pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// State is the lifecycle state of a logical connection.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
