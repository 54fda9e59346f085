package pipe

import (
	"fmt"
	"sync"
	"time"
)

// Loopback is one end of an in-memory pipe pair. Writes on one end become
// readable on the other.
type Loopback struct {
	name    string
	Timeout time.Duration
	// Filter, when set, sees every chunk written by this end and returns
	// what the peer should receive. Returning nil drops the chunk.
	Filter func([]byte) []byte

	mu        sync.Mutex
	connected bool
	inbox     []byte
	notify    chan struct{}
	peer      *Loopback
}

// NewLoopbackPair returns two connected ends.
func NewLoopbackPair(a, b string) (*Loopback, *Loopback) {
	la := &Loopback{name: a, Timeout: 20 * time.Millisecond, notify: make(chan struct{}, 1)}
	lb := &Loopback{name: b, Timeout: 20 * time.Millisecond, notify: make(chan struct{}, 1)}
	la.peer, lb.peer = lb, la
	return la, lb
}

func (l *Loopback) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

func (l *Loopback) Reconnect() error { return l.Connect() }

func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loopback) CanReconnect() bool { return true }

func (l *Loopback) ReadAvailable() ([]byte, error) {
	if !l.IsConnected() {
		return nil, fmt.Errorf("%w: loopback %s closed", ErrIO, l.name)
	}
	select {
	case <-l.notify:
	case <-time.After(l.Timeout):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.inbox
	l.inbox = nil
	return out, nil
}

func (l *Loopback) Write(b []byte) error {
	if !l.IsConnected() {
		return fmt.Errorf("%w: loopback %s closed", ErrIO, l.name)
	}
	data := append([]byte(nil), b...)
	if l.Filter != nil {
		data = l.Filter(data)
		if data == nil {
			return nil
		}
	}
	l.peer.Inject(data)
	return nil
}

// Inject makes b readable on this end as if the peer had written it.
func (l *Loopback) Inject(b []byte) {
	l.mu.Lock()
	l.inbox = append(l.inbox, b...)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

func (l *Loopback) String() string { return "loopback:" + l.name }
