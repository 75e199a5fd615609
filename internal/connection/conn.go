package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/rickgao/tb-telemetry/internal/api"
	"github.com/rickgao/tb-telemetry/internal/auth"
)

// ClientFactory creates the socket for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTokenSource overrides the token source derived from Config.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(c *Conn) {
		c.tokens = ts
	}
}

// WithClientFactory overrides how sockets are created.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Conn) {
		c.newClient = f
	}
}

// WithAPIOptions passes options to the REST client used for logins.
func WithAPIOptions(opts ...api.ClientOption) Option {
	return func(c *Conn) {
		c.apiOpts = append(c.apiOpts, opts...)
	}
}

type listener struct {
	id uint64
	fn func(*Message)
}

type errorObserver struct {
	id uint64
	fn func(error)
}

type reconnectObserver struct {
	id uint64
	fn func()
}

// Conn is one logical, auto-reconnecting connection. Correlation ids issued
// by NextID keep increasing across reconnects of the same Conn.
type Conn struct {
	cfg       Config
	logger    *slog.Logger
	tokens    auth.TokenSource
	newClient ClientFactory
	apiOpts   []api.ClientOption
	id        uuid.UUID
	backoff   *backoff.Backoff

	// Correlation id counter
	idMu   sync.Mutex
	nextID int

	// Transport state
	mu     sync.RWMutex
	client Client
	state  State

	// Outbound frames held while no socket is up, flushed in order on reconnect.
	// sendMu is taken before mu.
	sendMu sync.Mutex
	outbox [][]byte

	// Observers
	obsMu     sync.RWMutex
	nextObsID uint64
	listeners []listener
	errObs    []errorObserver
	reconnObs []reconnectObserver

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Connect validates cfg, performs the initial handshake within
// cfg.ConnectTimeout, and starts dispatching inbound messages.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &Conn{
		cfg:       cfg,
		logger:    slog.Default(),
		newClient: NewClient,
		id:        uuid.New(),
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conn_id", c.id.String(), "host", cfg.Host)

	if c.tokens == nil {
		c.tokens = c.defaultTokenSource()
	}

	c.backoff = &backoff.Backoff{
		Min:    cfg.Transport.ReconnectMinDelay + randomJitter(cfg.Transport.ReconnectJitter),
		Max:    cfg.Transport.ReconnectMaxDelay,
		Factor: cfg.Transport.ReconnectFactor,
		Jitter: false,
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := c.dial(dialCtx)
	if err != nil {
		c.cancel()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, cfg.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.state = StateConnected
	c.mu.Unlock()

	go c.run()

	c.logger.Info("connected")

	return c, nil
}

func (c *Conn) defaultTokenSource() auth.TokenSource {
	if c.cfg.Token != "" {
		if auth.Expired(c.cfg.Token, time.Now()) {
			c.logger.Warn("static token is expired or has no expiry")
		}
		return auth.StaticToken(c.cfg.Token)
	}
	opts := append([]api.ClientOption{api.WithLogger(c.logger)}, c.apiOpts...)
	apiClient := api.NewClient(c.cfg.APIBaseURL(), opts...)
	return auth.NewPasswordSource(apiClient, c.cfg.Username, c.cfg.Password, c.logger)
}

// ID returns the unique id of this logical connection (for logs).
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ResponseTimeout returns the configured default per-call timeout.
func (c *Conn) ResponseTimeout() time.Duration {
	return c.cfg.ResponseTimeout
}

// NextID issues the next correlation id.
func (c *Conn) NextID() int {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Send writes one text message on the current socket. While the connection
// is (re)connecting, or when the write fails, the message is queued and sent
// after the next successful reconnect. Only a closed connection or a full
// queue is reported as an error.
func (c *Conn) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.RLock()
	client := c.client
	state := c.state
	c.mu.RUnlock()

	if state == StateClosed {
		return ErrClosed
	}
	if client != nil && state == StateConnected && len(c.outbox) == 0 {
		err := client.Send(data)
		if err == nil {
			return nil
		}
		c.logger.Debug("send failed, queueing until reconnect", "error", err)
	}
	return c.queueLocked(data)
}

// queueLocked must be called with sendMu held.
func (c *Conn) queueLocked(data []byte) error {
	if len(c.outbox) >= c.cfg.Transport.BufferSize {
		return ErrSendQueueFull
	}
	c.outbox = append(c.outbox, append([]byte(nil), data...))
	return nil
}

// flushLocked sends queued frames on client in order. Frames that fail stay
// queued for the next reconnect. Must be called with sendMu held.
func (c *Conn) flushLocked(client Client) {
	for len(c.outbox) > 0 {
		if err := client.Send(c.outbox[0]); err != nil {
			c.logger.Warn("flushing queued messages failed", "pending", len(c.outbox), "error", err)
			return
		}
		c.outbox = c.outbox[1:]
	}
	c.outbox = nil
}

// SendJSON marshals v and sends it.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Send(data)
}

// AddListener registers fn for every inbound message. Listeners run on the
// dispatch goroutine in registration order and must not block.
func (c *Conn) AddListener(fn func(*Message)) (remove func()) {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnError registers fn for transport errors.
func (c *Conn) OnError(fn func(error)) (remove func()) {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.errObs = append(c.errObs, errorObserver{id: id, fn: fn})
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.errObs {
			if o.id == id {
				c.errObs = append(c.errObs[:i:i], c.errObs[i+1:]...)
				return
			}
		}
	}
}

// OnReconnect registers fn to run after each successful reconnect.
func (c *Conn) OnReconnect(fn func()) (remove func()) {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.reconnObs = append(c.reconnObs, reconnectObserver{id: id, fn: fn})
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.reconnObs {
			if o.id == id {
				c.reconnObs = append(c.reconnObs[:i:i], c.reconnObs[i+1:]...)
				return
			}
		}
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. It does not wait for the dispatch
// goroutine, so it is safe to call from a listener or observer.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		client := c.client
		c.state = StateClosed
		c.mu.Unlock()

		close(c.done)

		c.sendMu.Lock()
		c.outbox = nil
		c.sendMu.Unlock()

		if client != nil {
			err = client.Close()
		}
		c.logger.Info("connection closed")
	})
	return err
}

// dial resolves the token, builds the endpoint URL and connects, as one step.
func (c *Conn) dial(ctx context.Context) (Client, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	endpoint := EndpointURL(c.cfg.WSScheme(), c.cfg.Host, token)
	client := c.newClient(c.cfg.clientConfig(endpoint), c.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("dial %s://%s%s: %w", c.cfg.WSScheme(), c.cfg.Host, TelemetryPath, err)
	}
	return client, nil
}

// run dispatches messages from the current socket and drives reconnection.
func (c *Conn) run() {
	for {
		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()

		select {
		case <-c.ctx.Done():
			return

		case msg := <-client.Messages():
			c.dispatch(msg)

		case err := <-client.Errors():
			// Deliver what was read before the failure, in order.
			c.drain(client)

			c.logger.Warn("connection error", "error", err)
			c.notifyError(err)

			if !c.reconnect(client) {
				return
			}
			c.notifyReconnect()
		}
	}
}

func (c *Conn) drain(client Client) {
	for {
		select {
		case msg := <-client.Messages():
			c.dispatch(msg)
		default:
			return
		}
	}
}

func (c *Conn) dispatch(raw TimestampedMessage) {
	msg := NewMessage(raw.Data, raw.ReceivedAt)

	c.obsMu.RLock()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.obsMu.RUnlock()

	for _, l := range listeners {
		l.fn(msg)
	}
}

func (c *Conn) notifyError(err error) {
	c.obsMu.RLock()
	observers := make([]errorObserver, len(c.errObs))
	copy(observers, c.errObs)
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.fn(err)
	}
}

func (c *Conn) notifyReconnect() {
	c.obsMu.RLock()
	observers := make([]reconnectObserver, len(c.reconnObs))
	copy(observers, c.reconnObs)
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.fn()
	}
}

// reconnect replaces the failed socket. Returns false once the Conn is closed.
func (c *Conn) reconnect(failed Client) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	failed.Close()

	for {
		wait := c.backoff.Duration()
		c.logger.Info("attempting reconnection",
			"attempt", int(c.backoff.Attempt()),
			"wait", wait,
		)

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}

		client, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.logger.Warn("reconnection failed", "error", err)
			c.notifyError(err)
			continue
		}

		c.sendMu.Lock()
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			c.sendMu.Unlock()
			client.Close()
			return false
		}
		c.client = client
		c.state = StateConnected
		c.mu.Unlock()
		if n := len(c.outbox); n > 0 {
			c.logger.Debug("flushing queued messages", "count", n)
		}
		c.flushLocked(client)
		c.sendMu.Unlock()

		c.backoff.Reset()
		c.logger.Info("reconnected")
		return true
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
