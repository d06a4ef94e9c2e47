package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("sample queue closed")

// SampleQueue is an unbounded FIFO of sample chunks. Push never blocks, so
// the capture callback is never held up by a slow consumer.
type SampleQueue struct {
	mu     sync.Mutex
	chunks [][]float32
	head   int
	closed bool
	notify chan struct{}
	done   chan struct{}

	pushed  uint64
	samples uint64
}

// NewSampleQueue creates an empty queue
func NewSampleQueue() *SampleQueue {
	return &SampleQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends a chunk. The queue keeps the slice; callers must not reuse
// it. Pushing to a closed queue is a no-op.
func (q *SampleQueue) Push(chunk []float32) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.pushed++
	q.samples += uint64(len(chunk))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest chunk, waiting until one is available, the queue
// is closed and empty, or ctx is done. Pop supports a single consumer.
func (q *SampleQueue) Pop(ctx context.Context) ([]float32, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.chunks) {
			chunk := q.chunks[q.head]
			q.chunks[q.head] = nil
			q.head++
			if q.head == len(q.chunks) {
				q.chunks = q.chunks[:0]
				q.head = 0
			}
			q.mu.Unlock()
			return chunk, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Len returns the number of queued chunks
func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks) - q.head
}

// Pushed returns the total chunks and samples ever pushed
func (q *SampleQueue) Pushed() (chunks, samples uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.samples
}

// Close stops accepting chunks. Queued chunks can still be popped.
func (q *SampleQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
