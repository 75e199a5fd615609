package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/tb-telemetry/internal/connection"
)

type slot struct {
	key   string
	index int
}

// pending tracks the unanswered ids of one batch. It is finished exactly once.
type pending struct {
	subscribe bool

	mu       sync.Mutex
	slots    map[int]slot
	result   *Result
	err      error
	finished bool
	done     chan struct{}
}

func newPending(b Batch, subscribe bool) *pending {
	p := &pending{
		subscribe: subscribe,
		slots:     make(map[int]slot, b.Len()),
		result:    newResult(b),
		done:      make(chan struct{}),
	}
	for _, g := range b {
		for i, c := range g.Commands {
			p.slots[c.ID] = slot{key: g.Key, index: i}
		}
	}
	return p
}

// handle is the message listener for this batch.
func (p *pending) handle(msg *connection.Message) {
	env, err := msg.Envelope()
	if err != nil {
		p.finish(fmt.Errorf("%w: %w", ErrMalformed, err))
		return
	}

	id, ok := env.CorrelationID(p.subscribe)
	if !ok {
		// An error that names no id cannot be ruled out as ours.
		if svcErr := env.Err(); svcErr != nil && !env.HasCorrelation() {
			p.finish(svcErr)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	s, ok := p.slots[id]
	if !ok {
		return
	}

	if svcErr := env.Err(); svcErr != nil {
		p.finishLocked(svcErr)
		return
	}

	p.result.data[s.key][s.index] = env.Data
	delete(p.slots, id)

	if len(p.slots) == 0 {
		p.finishLocked(nil)
	}
}

func (p *pending) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(err)
}

func (p *pending) finishLocked(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	close(p.done)
}

// missing returns the unanswered ids in ascending order.
func (p *pending) missing() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Send writes batch as one message and waits until every command is
// answered. On failure no partial result is returned.
//
// An error envelope that carries neither cmdId nor subscriptionId cannot be
// attributed, so it fails every batch in flight on the connection, not only
// this one. A batch sent while the connection is reconnecting is queued by
// the connection and either completes after the reconnect or times out.
func Send(ctx context.Context, conn Conn, batch Batch, opts Options) (*Result, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	timeout := opts.timeout(conn)
	p := newPending(batch, opts.Subscribe)

	// Listen before sending so a fast reply is not missed.
	remove := conn.AddListener(p.handle)
	defer remove()

	if err := conn.Send(data); err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.finish(&TimeoutError{Batch: batch, Timeout: timeout, Missing: p.missing()})
	case <-conn.Done():
		p.finish(connection.ErrClosed)
	case <-ctx.Done():
		p.finish(ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}
