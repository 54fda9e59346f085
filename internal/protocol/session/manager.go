package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/observability"
	"github.com/danmuck/ratslink/internal/pipe"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Reason names a session table change reported to observers.
type Reason string

const (
	ReasonNewOut      Reason = "new,out"
	ReasonNewIn       Reason = "new,in"
	ReasonNewExisting Reason = "new,existing"
	ReasonEnd         Reason = "end"
)

// SnifferID is the local id a frame sniffer attaches on. allocateID never
// hands it out, nor the control and chat ids below firstDynamicID.
const (
	SnifferID      uint8 = 254
	firstDynamicID       = int(transport.TextSession) + 1
)

type Event struct {
	Reason  Reason
	Session Session
}

type Observer func(Event)

// Factory builds a session of one kind for an incoming NEW request or
// StartSession.
type Factory func(name string, cfg Config) Session

type Options struct {
	Transport transport.Options
	Session   Config
	// Factories add to or replace the built-in stateless and stateful
	// constructors.
	Factories map[Kind]Factory
}

// Selector picks a session in GetSession. Unset fields match anything.
type Selector struct {
	LocalID  *uint8
	RemoteID *uint8
	Station  string
}

// Manager multiplexes sessions over one transport and owns the session
// table of a station.
type Manager struct {
	cfg       Config
	factories map[Kind]Factory
	tp        *transport.Transport
	control   *Control

	mu        sync.Mutex
	station   string
	sessions  map[uint8]Session
	nextID    int
	heard     map[string]time.Time
	sniffer   Session
	observers []Observer
}

// NewManager wraps p in a transport, registers the control session on id 0
// and starts the transport worker.
func NewManager(p pipe.Pipe, station string, opts Options) *Manager {
	cfg := opts.Session.WithDefaults()
	m := &Manager{
		cfg:      cfg,
		station:  station,
		sessions: make(map[uint8]Session),
		nextID:   firstDynamicID,
		heard:    make(map[string]time.Time),
		factories: map[Kind]Factory{
			KindStateless: func(name string, _ Config) Session { return NewStateless(name) },
			KindStateful:  func(name string, cfg Config) Session { return NewStateful(name, cfg) },
		},
	}
	for kind, fn := range opts.Factories {
		m.factories[kind] = fn
	}

	topts := opts.Transport
	topts.Handler = m.Incoming
	m.tp = transport.New(p, topts)

	m.control = newControl(cfg.Handshake)
	m.control.SetState(StateOpen)
	if err := m.attach(m.control, ControlID, frame.Broadcast, ReasonNewOut); err != nil {
		log.Error().Err(err).Msg("session.NewManager control registration failed")
	}
	m.tp.Start()
	return m
}

func (m *Manager) Station() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.station
}

// SetCallsign changes the local station name used for filtering and as
// the source of outgoing frames.
func (m *Manager) SetCallsign(station string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.station = station
}

func (m *Manager) Transport() *transport.Transport { return m.tp }
func (m *Manager) Control() *Control               { return m.control }
func (m *Manager) Config() Config                  { return m.cfg }

// Incoming routes one decoded frame to its session. It runs in the
// transport goroutine.
func (m *Manager) Incoming(f *frame.Frame) {
	if f.Source != frame.Sentinel {
		m.MarkHeard(f.Source)
	}

	m.mu.Lock()
	station := m.station
	sniffer := m.sniffer
	m.mu.Unlock()

	if sniffer != nil {
		dispatch(sniffer, f.Copy())
	}

	if f.Dest != frame.Broadcast && f.Dest != station && f.Session != transport.TextSession {
		log.Debug().Str("station", station).Msgf("session.Incoming not for us: %s", f)
		return
	}
	if f.Source == station {
		log.Debug().Str("station", station).Msgf("session.Incoming dropping looped block: %s", f)
		return
	}

	s := m.Session(f.Session)
	if s == nil {
		log.Debug().Str("station", station).Msgf("session.Incoming no session %d: %s", f.Session, f)
		return
	}
	if !s.IsStateless() && s.Station() != f.Source {
		log.Debug().Str("station", station).Msgf("session.Incoming %s is bound to %s, dropping block from %s", s.Name(), s.Station(), f.Source)
		return
	}
	dispatch(s, f)
}

func dispatch(s Session, f *frame.Frame) {
	if h := s.base().getHandler(); h != nil {
		h(f)
		return
	}
	s.deliver(f)
}

// Outgoing stamps a copy of f with addressing for s and queues it. The
// returned frame shares f's signals.
func (m *Manager) Outgoing(s Session, f *frame.Frame) (*frame.Frame, error) {
	out := *f
	if out.Dest == "" {
		out.Dest = s.Station()
	}
	out.Source = m.Station()
	if rid, ok := s.RemoteID(); ok {
		out.Session = rid
	} else {
		out.Session = s.ID()
	}
	if err := m.tp.Send(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// allocateID returns a free id. Callers hold m.mu.
func (m *Manager) allocateID() (uint8, error) {
	for m.nextID < int(SnifferID) {
		id := uint8(m.nextID)
		m.nextID++
		if _, used := m.sessions[id]; !used {
			return id, nil
		}
	}
	for id := firstDynamicID; id < int(SnifferID); id++ {
		if _, used := m.sessions[uint8(id)]; !used {
			return uint8(id), nil
		}
	}
	return 0, ErrNoFreeSessionID
}

func (m *Manager) register(s Session, station string, reason Reason) (uint8, error) {
	m.mu.Lock()
	id, err := m.allocateID()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	s.base().attach(m, id, station)
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	s.start()
	observability.SetActiveSessions(n)
	m.fire(Event{Reason: reason, Session: s})
	return id, nil
}

// attach registers s on a fixed id.
func (m *Manager) attach(s Session, id uint8, station string, reason Reason) error {
	m.mu.Lock()
	if _, used := m.sessions[id]; used {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionIDInUse, id)
	}
	s.base().attach(m, id, station)
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	s.start()
	observability.SetActiveSessions(n)
	m.fire(Event{Reason: reason, Session: s})
	return nil
}

// Attach registers an already-open session on a fixed id, such as chat on
// id 1. An empty station means broadcast.
func (m *Manager) Attach(s Session, id uint8, station string) error {
	if station == "" {
		station = frame.Broadcast
	}
	if s.State() == StateClosed {
		s.base().SetState(StateOpen)
	}
	return m.attach(s, id, station, ReasonNewOut)
}

func (m *Manager) deregister(id uint8) Session {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil || !m.remove(s) {
		return nil
	}
	return s
}

// lookup returns the table entry holding s. Application sessions embed
// the session types, so entries are matched by their shared Base.
func (m *Manager) lookup(s Session) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.sessions[s.ID()]
	if reg == nil || reg.base() != s.base() {
		return nil
	}
	return reg
}

// remove drops s from the table and fires end. It reports false when s
// was no longer registered.
func (m *Manager) remove(s Session) bool {
	m.mu.Lock()
	id := s.ID()
	reg := m.sessions[id]
	if reg == nil || reg.base() != s.base() {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	if m.sniffer != nil && m.sniffer.base() == reg.base() {
		m.sniffer = nil
	}
	n := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(n)
	m.fire(Event{Reason: ReasonEnd, Session: reg})
	return true
}

// reap removes a session whose own worker closed it after an idle
// timeout or too many retries.
func (m *Manager) reap(s Session) {
	reg := m.lookup(s)
	if reg == nil {
		return
	}
	if n := m.tp.FlushSession(wireID(reg)); n > 0 {
		log.Debug().Str("station", m.Station()).Msgf("session.reap flushed %d blocks of %s", n, reg.Name())
	}
	if m.remove(reg) {
		log.Info().Str("station", m.Station()).Msgf("session.reap removed closed session %s", reg.Name())
	}
}

// wireID is the session number s uses on the air.
func wireID(s Session) uint8 {
	if rid, ok := s.RemoteID(); ok {
		return rid
	}
	return s.ID()
}

func (m *Manager) newSession(kind Kind, name string) (Session, error) {
	fn, ok := m.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return fn(name, m.cfg), nil
}

// StartSession creates a session of kind through its factory and starts it
// toward dest.
func (m *Manager) StartSession(name, dest string, kind Kind) (Session, error) {
	s, err := m.newSession(kind, name)
	if err != nil {
		return nil, err
	}
	if err := m.Start(s, dest); err != nil {
		return nil, err
	}
	return s, nil
}

// Start registers s and, unless dest is broadcast, runs the handshake with
// dest. On failure s is removed and stopped.
func (m *Manager) Start(s Session, dest string) error {
	if dest == "" {
		dest = frame.Broadcast
	}
	s.base().SetState(StateSync)
	id, err := m.register(s, dest, ReasonNewOut)
	if err != nil {
		s.base().SetState(StateClosed)
		return err
	}
	if dest == frame.Broadcast {
		s.base().SetState(StateOpen)
		return nil
	}
	if err := m.control.NewSession(s); err != nil {
		m.deregister(id)
		s.shutdown()
		return err
	}
	return nil
}

// StopSession ends s with its peer, removes it and stops it. An END the
// peer never answers is reported but s is stopped regardless.
func (m *Manager) StopSession(s Session) error {
	reg := m.lookup(s)
	if reg == nil {
		s.shutdown()
		return nil
	}

	if n := m.tp.FlushSession(wireID(reg)); n > 0 {
		log.Debug().Str("station", m.Station()).Msgf("session.StopSession flushed %d blocks of %s", n, s.Name())
	}

	var err error
	if s.State() != StateClosed {
		err = m.control.EndSession(reg)
	}
	m.remove(reg)
	s.shutdown()
	return err
}

// EndSession removes session id from the table without talking to the
// peer.
func (m *Manager) EndSession(id uint8) bool {
	if id == ControlID {
		return false
	}
	return m.deregister(id) != nil
}

// Session returns the session registered on local id.
func (m *Manager) Session(id uint8) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetSession returns the first session matching every set field of sel.
func (m *Manager) GetSession(sel Selector) Session {
	if sel.LocalID != nil {
		s := m.Session(*sel.LocalID)
		if s == nil || !matches(s, sel) {
			return nil
		}
		return s
	}
	for _, s := range m.Sessions() {
		if matches(s, sel) {
			return s
		}
	}
	return nil
}

func matches(s Session, sel Selector) bool {
	if sel.RemoteID != nil {
		rid, ok := s.RemoteID()
		if !ok || rid != *sel.RemoteID {
			return false
		}
	}
	if sel.Station != "" && s.Station() != sel.Station {
		return false
	}
	return true
}

// Sessions returns every registered session ordered by id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) MarkHeard(station string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heard[station] = time.Now()
}

// HeardStations returns when each station was last heard.
func (m *Manager) HeardStations() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.heard))
	for k, v := range m.heard {
		out[k] = v
	}
	return out
}

// SetSniffer routes a copy of every inbound frame to s. It must already be
// registered; nil turns sniffing off.
func (m *Manager) SetSniffer(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sniffer = s
}

// RegisterObserver adds fn and replays a new,existing event for every
// registered session to it.
func (m *Manager) RegisterObserver(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
	for _, s := range m.Sessions() {
		notify(fn, Event{Reason: ReasonNewExisting, Session: s})
	}
}

func (m *Manager) fire(ev Event) {
	observability.RecordSessionEvent(string(ev.Reason))
	m.mu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range obs {
		notify(fn, ev)
	}
}

func notify(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("session.Manager observer panic on %s: %v", ev.Reason, r)
		}
	}()
	fn(ev)
}

// Shutdown stops the transport and every session. Without force each
// stateful session is ended with its peer before the control session and
// transport go down; with force the transport is disabled first.
func (m *Manager) Shutdown(force bool) {
	if force {
		m.tp.Disable()
	}
	for _, s := range m.Sessions() {
		if s == Session(m.control) {
			continue
		}
		if !force {
			if err := m.StopSession(s); err != nil {
				log.Warn().Err(err).Str("station", m.Station()).Msgf("session.Shutdown %s", s.Name())
			}
			continue
		}
		m.deregister(s.ID())
		s.shutdown()
	}
	m.deregister(ControlID)
	m.control.shutdown()
	if !force {
		m.tp.Disable()
	}
}
