package frame

import (
	"sync"
	"time"
)

// Signals are the one-shot completion points a blocked writer waits on.
// Copies of a Frame made with a plain struct copy share one Signals.
type Signals struct {
	sent      chan struct{}
	acked     chan struct{}
	sentOnce  sync.Once
	ackedOnce sync.Once

	mu        sync.Mutex
	canceled  bool
	xmitStart time.Time
	xmitEnd   time.Time
	xmitSize  int
}

func NewSignals() *Signals {
	return &Signals{
		sent:  make(chan struct{}),
		acked: make(chan struct{}),
	}
}

// Sent is closed once the frame has left the transport (or was canceled).
func (s *Signals) Sent() <-chan struct{} { return s.sent }

// Acked is closed once the peer acknowledged the frame (or it was canceled).
func (s *Signals) Acked() <-chan struct{} { return s.acked }

// MarkSent records transmit timing and releases Sent waiters.
func (s *Signals) MarkSent(start, end time.Time, size int) {
	s.mu.Lock()
	s.xmitStart = start
	s.xmitEnd = end
	s.xmitSize = size
	s.mu.Unlock()
	s.sentOnce.Do(func() { close(s.sent) })
}

func (s *Signals) MarkAcked() {
	s.ackedOnce.Do(func() { close(s.acked) })
}

// Cancel releases every waiter without marking the frame delivered.
func (s *Signals) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
	s.sentOnce.Do(func() { close(s.sent) })
	s.ackedOnce.Do(func() { close(s.acked) })
}

func (s *Signals) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *Signals) IsSent() bool {
	select {
	case <-s.sent:
		return true
	default:
		return false
	}
}

func (s *Signals) IsAcked() bool {
	select {
	case <-s.acked:
		return !s.Canceled()
	default:
		return false
	}
}

// Xmit returns the recorded transmit window and wire size.
func (s *Signals) Xmit() (start, end time.Time, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xmitStart, s.xmitEnd, s.xmitSize
}
