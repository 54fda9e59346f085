package session

import (
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
)

// Inflight tracks one data block awaiting acknowledgment.
type Inflight struct {
	Frame      *frame.Frame
	Attempts   int
	LastSentAt time.Time
	WireSize   int
}

// window is the ordered list of in-flight blocks of one stateful session.
type window struct {
	mu    sync.RWMutex
	items []*Inflight
}

func newWindow() *window {
	return &window{}
}

func (w *window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}

func (w *window) Push(f *frame.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, &Inflight{Frame: f})
}

// Head returns the sequence of the oldest block in flight.
func (w *window) Head() (uint8, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.items) == 0 {
		return 0, false
	}
	return uint8(w.items[0].Frame.Seq), true
}

// PopTail removes and returns the newest block.
func (w *window) PopTail() *frame.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.items)
	if n == 0 {
		return nil
	}
	item := w.items[n-1]
	w.items = w.items[:n-1]
	return item.Frame
}

// MarkAttempt records a transmission of every in-flight block and returns
// how many of them were retransmissions.
func (w *window) MarkAttempt(at time.Time) (retries int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range w.items {
		if item.Attempts > 0 || item.Frame.Signals().IsSent() {
			retries++
		}
		item.Attempts++
		item.LastSentAt = at
	}
	return retries
}

// Ack removes every block whose sequence is in seqs.
func (w *window) Ack(seqs []byte) []*Inflight {
	var set [256]bool
	for _, s := range seqs {
		set[s] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var acked []*Inflight
	kept := w.items[:0]
	for _, item := range w.items {
		if set[byte(item.Frame.Seq)] {
			acked = append(acked, item)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(w.items); i++ {
		w.items[i] = nil
	}
	w.items = kept
	return acked
}

func (w *window) Seqs() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]byte, 0, len(w.items))
	for _, item := range w.items {
		out = append(out, byte(item.Frame.Seq))
	}
	return out
}

func (w *window) PendingBytes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, item := range w.items {
		n += item.WireSize
	}
	return n
}

// List returns a snapshot of the in-flight blocks.
func (w *window) List() []Inflight {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Inflight, 0, len(w.items))
	for _, item := range w.items {
		out = append(out, *item)
	}
	return out
}

func (w *window) snapshot() []*Inflight {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*Inflight(nil), w.items...)
}

// RecordWire stores the encoded size of the latest transmission of item.
func (w *window) RecordWire(item *Inflight, size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item.WireSize = size
}
