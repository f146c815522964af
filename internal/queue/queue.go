// Package queue is the bounded hand-off between payload producers and the
// dispatcher loop.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Forever makes DequeueAll wait without a deadline.
const Forever time.Duration = -1

var (
	ErrQueueFull = errors.New("ingestion queue full")
	ErrClosed    = errors.New("ingestion queue closed")
)

// Item carries one payload for one controller. Ownership of Payload passes to
// the queue on a successful Enqueue.
type Item struct {
	ControllerID  uint32
	Payload       []byte
	CorrelationID string
	EnqueuedAt    time.Time
}

// Queue is a bounded FIFO with many producers and exactly one consumer.
type Queue struct {
	items chan Item

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan Item, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds item, waiting up to timeout for free space.
func (q *Queue) Enqueue(item Item, timeout time.Duration) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrQueueFull
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case q.items <- item:
		return nil
	case <-t.C:
		return ErrQueueFull
	case <-q.done:
		return ErrClosed
	}
}

// DequeueAll waits up to wait for a first item, then drains whatever else is
// already buffered without blocking. A nil batch with a nil error means the
// wait elapsed. wait == 0 polls; wait == Forever blocks until an item arrives,
// ctx ends or the queue is closed.
func (q *Queue) DequeueAll(ctx context.Context, wait time.Duration) ([]Item, error) {
	var first Item

	switch {
	case wait == 0:
		select {
		case first = <-q.items:
		case <-q.done:
			return nil, ErrClosed
		default:
			return nil, nil
		}
	default:
		var timeout <-chan time.Time
		if wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case first = <-q.items:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		}
	}

	batch := []Item{first}
	for len(batch) < cap(q.items) {
		select {
		case it := <-q.items:
			batch = append(batch, it)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}

// Close rejects further enqueues, wakes blocked producers and drops buffered
// items. It returns how many items were dropped and is safe to call more than
// once.
func (q *Queue) Close() int {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true

	dropped := 0
	for {
		select {
		case <-q.items:
			dropped++
		default:
			return dropped
		}
	}
}
