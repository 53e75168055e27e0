package realtime

import (
	"context"
	"sync"
)

// deliveryQueue runs callbacks for one subscription on a single goroutine,
// in the order they were pushed. Pushing never blocks, so producers can
// enqueue while holding their own locks.
type deliveryQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending []func(ctx context.Context)
	notify  chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &deliveryQueue{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(fn func(ctx context.Context)) {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if q.ctx.Err() != nil || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			fn(q.ctx)
		}
	}
}

// close discards anything not yet delivered. A callback already running
// finishes, but no further callbacks start.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.cancel()
	q.pending = nil
	q.mu.Unlock()
}

// drainAndClose delivers everything already pushed, then stops.
func (q *deliveryQueue) drainAndClose() {
	q.push(func(context.Context) {
		q.mu.Lock()
		q.cancel()
		q.pending = nil
		q.mu.Unlock()
	})
}
