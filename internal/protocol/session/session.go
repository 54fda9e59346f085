package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
)

var (
	ErrSessionClosed     = errors.New("session: closed")
	ErrNoFreeSessionID   = errors.New("session: no free session id")
	ErrTooManyRetries    = errors.New("session: too many retries")
	ErrHandshakeFailed   = errors.New("session: handshake failed")
	ErrEndUnacknowledged = errors.New("session: end not acknowledged")
	ErrUnknownKind       = errors.New("session: unknown session kind")
	ErrSessionIDInUse    = errors.New("session: id already in use")
)

// Kind is the session type carried in NEW requests.
type Kind uint8

const (
	KindStateless Kind = 0
	KindStateful  Kind = 1
	KindSocket    Kind = 4
	KindFile      Kind = 5
	KindForm      Kind = 6
	KindRPC       Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindStateless:
		return "stateless"
	case KindStateful:
		return "general"
	case KindSocket:
		return "socket"
	case KindFile:
		return "file"
	case KindForm:
		return "form"
	case KindRPC:
		return "rpc"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type State int

const (
	StateClosed State = iota
	StateSync
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateSync:
		return "SYNC"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// Stats counts bytes at the stream and wire level.
type Stats struct {
	SentSize int
	RecvSize int
	SentWire int
	RecvWire int
	Retries  int
}

// Session is one logical conversation registered with a Manager.
// Implementations embed *Base through Stateless or Stateful.
type Session interface {
	ID() uint8
	RemoteID() (uint8, bool)
	Station() string
	Name() string
	Kind() Kind
	IsStateless() bool
	State() State
	Stats() Stats
	StateChanged() <-chan struct{}
	Close() error

	base() *Base
	deliver(f *frame.Frame)
	start()
	shutdown()
}

// Base holds identity, state and stats common to every session.
type Base struct {
	mu        sync.Mutex
	name      string
	kind      Kind
	stateless bool
	compress  bool

	id        uint8
	remoteID  uint8
	hasRemote bool
	station   string
	mgr       *Manager

	state   State
	stateCh chan struct{}
	stats   Stats
	handler func(*frame.Frame)
	status  func(Stats)
}

func newBase(name string, kind Kind, stateless bool) *Base {
	return &Base{
		name:      name,
		kind:      kind,
		stateless: stateless,
		compress:  true,
		state:     StateClosed,
		stateCh:   make(chan struct{}),
	}
}

func (b *Base) base() *Base { return b }

func (b *Base) ID() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *Base) RemoteID() (uint8, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteID, b.hasRemote
}

func (b *Base) bindRemote(id uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remoteID = id
	b.hasRemote = true
}

func (b *Base) Station() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.station
}

func (b *Base) Name() string      { return b.name }
func (b *Base) Kind() Kind        { return b.kind }
func (b *Base) IsStateless() bool { return b.stateless }

// Manager returns the owning manager, or nil before registration.
func (b *Base) Manager() *Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mgr
}

func (b *Base) attach(m *Manager, id uint8, station string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mgr = m
	b.id = id
	b.station = station
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState records s and wakes every StateChanged waiter.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	b.state = s
	ch := b.stateCh
	b.stateCh = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// StateChanged returns a channel closed by the next SetState call. Grab it
// before triggering the change you intend to wait for.
func (b *Base) StateChanged() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateCh
}

// WaitStateChange blocks until the next state change or timeout and
// reports whether the state differs from before the call.
func (b *Base) WaitStateChange(timeout time.Duration) bool {
	before := b.State()
	waitOn(b.StateChanged(), timeout, nil)
	return b.State() != before
}

func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Base) updateStats(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	st := b.stats
	cb := b.status
	b.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// SetStatusFunc installs a callback run after every stats update.
func (b *Base) SetStatusFunc(fn func(Stats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = fn
}

// SetHandler routes inbound frames to fn in the transport goroutine
// instead of the session's queue. fn must not block.
func (b *Base) SetHandler(fn func(*frame.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

func (b *Base) getHandler() func(*frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// SetCompress toggles zlib compression of outgoing frames.
func (b *Base) SetCompress(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compress = on
}

func (b *Base) compressOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compress
}

func (b *Base) outgoing(s Session, f *frame.Frame) (*frame.Frame, error) {
	m := b.Manager()
	if m == nil {
		return nil, fmt.Errorf("%w: %s not registered", ErrSessionClosed, b.name)
	}
	return m.Outgoing(s, f)
}

func (b *Base) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%s[%d->%s %s]", b.name, b.id, b.station, b.state)
}

// waitOn blocks until ch is closed, timeout elapses or cancel is closed.
// A non-positive timeout waits without limit.
func waitOn(ch <-chan struct{}, timeout time.Duration, cancel <-chan struct{}) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ch:
		return true
	case <-timer:
		return false
	case <-cancel:
		return false
	}
}
