package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/tb-telemetry/internal/command"
	"github.com/rickgao/tb-telemetry/internal/connection"
)

// Errors
var (
	ErrNoEntities = errors.New("no entity ids")
	ErrClosed     = errors.New("subscription closed")
)

// Conn is the part of *connection.Conn the registry needs.
type Conn interface {
	command.Conn
	NextID() int
	OnReconnect(fn func()) (remove func())
}

// Event is one push routed to an entity.
type Event struct {
	EntityID       string
	SubscriptionID int
	Data           json.RawMessage
	ReceivedAt     time.Time
}

type recordState uint8

const (
	statePending recordState = iota
	stateActive
)

type record struct {
	id       int
	entityID string
	state    recordState
}

// item is a queued delivery: an event or a service error.
type item struct {
	event Event
	err   error
}

// Handle is a live set of subscriptions on one connection.
type Handle struct {
	conn   Conn
	opts   options
	logger *slog.Logger

	mu       sync.Mutex
	records  map[int]*record
	queue    []item
	dropped  int64
	entity   map[string][]func(Event)
	data     []func(Event)
	errs     []func(error)
	closed   bool
	detach   []func()
	started  bool
	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// Subscribe allocates one correlation id per entity, sends the subscribe
// commands as one batch and waits for every acknowledgement. Pushes that
// arrive meanwhile are queued until Start.
func Subscribe(ctx context.Context, conn Conn, entityIDs []string, opts ...Option) (*Handle, error) {
	if len(entityIDs) == 0 {
		return nil, ErrNoEntities
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle{
		conn:    conn,
		opts:    o,
		logger:  o.logger.With("kind", string(o.kind)),
		records: make(map[int]*record, len(entityIDs)),
		entity:  make(map[string][]func(Event)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	cmds := make([]command.Command, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		id := conn.NextID()
		h.records[id] = &record{id: id, entityID: entityID, state: statePending}
		cmds = append(cmds, command.Command{ID: id, Fields: o.fields(entityID, false)})
	}

	// The standing listener goes first so no push can slip past it.
	h.detach = append(h.detach, conn.AddListener(h.route))

	batch := command.Batch{{Key: string(o.kind), Commands: cmds}}
	if _, err := command.Send(ctx, conn, batch, command.Options{Timeout: o.timeout, Subscribe: true}); err != nil {
		h.teardown()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("subscribe: %w", connection.ErrClosed)
	}
	for _, r := range h.records {
		r.state = stateActive
	}
	h.detach = append(h.detach, conn.OnReconnect(h.resubscribe))
	h.mu.Unlock()

	go h.watch()

	h.logger.Info("subscribed", "entities", len(entityIDs))

	return h, nil
}

// OnEntity registers fn for pushes of one entity.
func (h *Handle) OnEntity(entityID string, fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entity[entityID] = append(h.entity[entityID], fn)
}

// OnData registers fn for pushes of every entity.
func (h *Handle) OnData(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, fn)
}

// OnError registers fn for service errors reported on active subscriptions.
func (h *Handle) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, fn)
}

// Start begins delivery: queued pushes first, in arrival order, then live
// ones. Sinks run on one goroutine owned by the handle. Until Start, at most
// the backlog (DefaultBacklog unless WithBacklog) is kept.
func (h *Handle) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true
	go h.deliver()
}

// Dropped returns how many pushes were discarded because the backlog was full.
func (h *Handle) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Entities returns the subscribed entity ids, ordered by subscription id.
func (h *Handle) Entities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.sortedIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = h.records[id].entityID
	}
	return out
}

// Done is closed once the handle is unsubscribed or its connection closes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Unsubscribe removes every record and then sends one batch of unsubscribe
// commands reusing the subscription ids. Local state is cleared even when
// the batch fails; the send or timeout error is returned.
func (h *Handle) Unsubscribe(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	ids := h.sortedIDs()
	cmds := make([]command.Command, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, command.Command{ID: id, Fields: h.opts.fields(h.records[id].entityID, true)})
	}
	h.mu.Unlock()

	h.teardown()

	batch := command.Batch{{Key: string(h.opts.kind), Commands: cmds}}
	_, err := command.Send(ctx, h.conn, batch, command.Options{Timeout: h.opts.timeout, Subscribe: true})
	if err != nil {
		h.logger.Warn("unsubscribe not acknowledged", "error", err)
		return fmt.Errorf("unsubscribe: %w", err)
	}

	h.logger.Info("unsubscribed", "entities", len(ids))
	return nil
}

// route is the standing message listener.
func (h *Handle) route(msg *connection.Message) {
	env, err := msg.Envelope()
	if err != nil || env.SubscriptionID == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	r, ok := h.records[*env.SubscriptionID]
	if !ok {
		return
	}

	if svcErr := env.Err(); svcErr != nil {
		// While pending the subscribe batch reports it.
		if r.state == stateActive {
			h.enqueue(item{err: fmt.Errorf("entity %s: %w", r.entityID, svcErr)})
		}
		return
	}

	h.enqueue(item{event: Event{
		EntityID:       r.entityID,
		SubscriptionID: r.id,
		Data:           env.Data,
		ReceivedAt:     msg.ReceivedAt,
	}})
}

// enqueue must be called with mu held.
func (h *Handle) enqueue(it item) {
	if len(h.queue) >= h.opts.backlog {
		h.dropped++
		h.logger.Warn("delivery backlog full, dropping push",
			"backlog", h.opts.backlog,
			"dropped", h.dropped,
			"started", h.started,
		)
		return
	}
	h.queue = append(h.queue, it)
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handle) deliver() {
	for {
		h.mu.Lock()
		items := h.queue
		h.queue = nil
		h.mu.Unlock()

		for _, it := range items {
			select {
			case <-h.done:
				return
			default:
			}
			h.emit(it)
		}

		select {
		case <-h.notify:
		case <-h.done:
			return
		}
	}
}

func (h *Handle) emit(it item) {
	h.mu.Lock()
	var events []func(Event)
	var errs []func(error)
	if it.err != nil {
		errs = append(errs, h.errs...)
	} else {
		events = append(events, h.entity[it.event.EntityID]...)
		events = append(events, h.data...)
	}
	h.mu.Unlock()

	for _, fn := range errs {
		fn(it.err)
	}
	for _, fn := range events {
		fn(it.event)
	}
}

// resubscribe re-sends the active records after a transport reconnect.
// It runs on the connection's dispatch goroutine and must not wait.
func (h *Handle) resubscribe() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	ids := h.sortedIDs()
	cmds := make([]command.Command, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, command.Command{ID: id, Fields: h.opts.fields(h.records[id].entityID, false)})
	}
	h.mu.Unlock()

	data, err := json.Marshal(command.Batch{{Key: string(h.opts.kind), Commands: cmds}})
	if err == nil {
		err = h.conn.Send(data)
	}
	if err != nil {
		h.logger.Warn("resubscribe failed", "error", err)
		return
	}
	h.logger.Info("resubscribed", "entities", len(ids))
}

func (h *Handle) watch() {
	select {
	case <-h.conn.Done():
		h.teardown()
	case <-h.done:
	}
}

// teardown removes all records and detaches from the connection.
func (h *Handle) teardown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.records = make(map[int]*record)
	h.queue = nil
	detach := h.detach
	h.detach = nil
	h.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	h.doneOnce.Do(func() { close(h.done) })
}

// sortedIDs must be called with mu held.
func (h *Handle) sortedIDs() []int {
	ids := make([]int, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
