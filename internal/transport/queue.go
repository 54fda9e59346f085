package transport

import (
	"sync"

	"github.com/danmuck/ratslink/internal/protocol/frame"
)

// BlockQueue is a mutex-guarded FIFO of frames.
type BlockQueue struct {
	mu    sync.Mutex
	items []*frame.Frame
}

func NewBlockQueue() *BlockQueue {
	return &BlockQueue{}
}

func (q *BlockQueue) Enqueue(f *frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, f)
}

// Requeue puts f back at the head of the queue.
func (q *BlockQueue) Requeue(f *frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*frame.Frame{f}, q.items...)
}

// Dequeue returns nil when the queue is empty.
func (q *BlockQueue) Dequeue() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f
}

func (q *BlockQueue) DequeueAll() []*frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *BlockQueue) Peek() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RemoveIf drops every queued frame matching fn and returns them.
func (q *BlockQueue) RemoveIf(fn func(*frame.Frame) bool) []*frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*frame.Frame
	kept := q.items[:0]
	for _, f := range q.items {
		if fn(f) {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}
