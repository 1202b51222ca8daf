package audit

import (
	"context"
	"sync"
	"time"

	"blobgate/pkg/logging"

	"go.uber.org/zap"
)

// Queue decouples the request path from slow sinks. Record never blocks;
// events are dropped when the buffer is full.
type Queue struct {
	next    Recorder
	log     *zap.Logger
	timeout time.Duration
	ch      chan Delivery
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

func NewQueue(next Recorder, buffer int, log *zap.Logger) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	q := &Queue{
		next:    next,
		log:     logging.OrNop(log),
		timeout: 5 * time.Second,
		ch:      make(chan Delivery, buffer),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Record(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped++
		return nil
	}
	select {
	case q.ch <- d:
	default:
		q.dropped++
		q.log.Warn("audit queue full, dropping delivery", zap.String("delivery_id", d.ID))
	}
	return nil
}

// Dropped reports how many events were discarded.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) run() {
	defer close(q.done)
	for d := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Record(ctx, d); err != nil {
			q.log.Warn("audit record failed", zap.String("delivery_id", d.ID), zap.Error(err))
		}
		cancel()
	}
}

// Close drains buffered events and waits for the worker, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
