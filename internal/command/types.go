package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/tb-telemetry/internal/connection"
)

// Default response timeouts.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultSubscribeTimeout = 15 * time.Second
)

// Errors
var (
	ErrInvalidBatch = errors.New("invalid batch")
	ErrTimeout      = errors.New("batch timed out")
	ErrMalformed    = errors.New("malformed message")
)

// Conn is the part of *connection.Conn the correlator needs.
type Conn interface {
	Send(data []byte) error
	AddListener(fn func(*connection.Message)) (remove func())
	Done() <-chan struct{}
	ResponseTimeout() time.Duration
}

// Command is one command descriptor. ID is written as cmdId alongside Fields.
type Command struct {
	ID     int
	Fields map[string]any
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		m[k] = v
	}
	m["cmdId"] = c.ID
	return json.Marshal(m)
}

// Group is a named list of commands, e.g. "tsSubCmds".
type Group struct {
	Key      string
	Commands []Command
}

// Batch is an ordered set of groups sent as one JSON object.
type Batch []Group

// MarshalJSON writes the groups as object members in order.
func (b Batch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, g := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(g.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		cmds := g.Commands
		if cmds == nil {
			cmds = []Command{}
		}
		data, err := json.Marshal(cmds)
		if err != nil {
			return nil, fmt.Errorf("marshal group %q: %w", g.Key, err)
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Validate checks keys and correlation ids before anything is sent.
func (b Batch) Validate() error {
	keys := make(map[string]struct{}, len(b))
	ids := make(map[int]string)
	total := 0

	for _, g := range b {
		if _, dup := keys[g.Key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrInvalidBatch, g.Key)
		}
		keys[g.Key] = struct{}{}

		for _, c := range g.Commands {
			if c.ID < 0 {
				return fmt.Errorf("%w: negative id %d in %q", ErrInvalidBatch, c.ID, g.Key)
			}
			if prev, dup := ids[c.ID]; dup {
				return fmt.Errorf("%w: id %d used in %q and %q", ErrInvalidBatch, c.ID, prev, g.Key)
			}
			ids[c.ID] = g.Key
			total++
		}
	}

	if total == 0 {
		return fmt.Errorf("%w: no commands", ErrInvalidBatch)
	}
	return nil
}

// Len returns the number of commands across all groups.
func (b Batch) Len() int {
	n := 0
	for _, g := range b {
		n += len(g.Commands)
	}
	return n
}

// Options for Send.
type Options struct {
	Timeout   time.Duration // 0 = default for the mode
	Subscribe bool          // correlate on subscriptionId instead of cmdId
}

func (o Options) timeout(conn Conn) time.Duration {
	switch {
	case o.Timeout > 0:
		return o.Timeout
	case o.Subscribe:
		return DefaultSubscribeTimeout
	case conn.ResponseTimeout() > 0:
		return conn.ResponseTimeout()
	default:
		return DefaultTimeout
	}
}

// TimeoutError is returned when not every id was answered in time.
type TimeoutError struct {
	Batch   Batch
	Timeout time.Duration
	Missing []int // ids still unanswered
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("batch timed out after %s: %d of %d commands unanswered",
		e.Timeout, len(e.Missing), e.Batch.Len())
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Result holds the payloads of a resolved batch in input shape.
type Result struct {
	keys []string
	data map[string][]json.RawMessage
}

func newResult(b Batch) *Result {
	r := &Result{
		keys: make([]string, 0, len(b)),
		data: make(map[string][]json.RawMessage, len(b)),
	}
	for _, g := range b {
		r.keys = append(r.keys, g.Key)
		r.data[g.Key] = make([]json.RawMessage, len(g.Commands))
	}
	return r
}

// Keys returns the group keys in input order.
func (r *Result) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Get returns the payloads for key, in command order.
func (r *Result) Get(key string) []json.RawMessage {
	return r.data[key]
}

// Decode unmarshals payload i of key into v.
func (r *Result) Decode(key string, i int, v any) error {
	payloads, ok := r.data[key]
	if !ok {
		return fmt.Errorf("no group %q", key)
	}
	if i < 0 || i >= len(payloads) {
		return fmt.Errorf("group %q has no index %d", key, i)
	}
	if err := json.Unmarshal(payloads[i], v); err != nil {
		return fmt.Errorf("decode %s[%d]: %w", key, i, err)
	}
	return nil
}

// MarshalJSON writes {key: [payload, ...], ...} in input order.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteByte('[')
		for j, p := range r.data[k] {
			if j > 0 {
				buf.WriteByte(',')
			}
			if len(p) == 0 {
				buf.WriteString("null")
			} else {
				buf.Write(p)
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
