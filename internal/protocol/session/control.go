package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Control frame types. NEW requests carry ControlNew plus the session kind.
const (
	ControlPing uint8 = 0
	ControlEnd  uint8 = 1
	ControlAck  uint8 = 2
	ControlNew  uint8 = 3
)

// ControlID is the session id reserved for the control session.
const ControlID uint8 = 0

// Control negotiates session setup and teardown with peer stations.
type Control struct {
	*Stateless
	cfg HandshakeConfig
}

func newControl(cfg HandshakeConfig) *Control {
	c := &Control{
		Stateless: newStateless("control", KindStateless, 1),
		cfg:       cfg,
	}
	c.SetHandler(c.handle)
	return c
}

func (c *Control) handle(f *frame.Frame) {
	m := c.Manager()
	if m == nil {
		return
	}
	if f.Dest != m.Station() {
		log.Debug().Str("station", m.Station()).Msgf("session.Control ignoring frame for %s", f.Dest)
		return
	}
	switch {
	case f.Type == ControlAck:
		c.handleAck(m, f)
	case f.Type == ControlEnd:
		c.handleEnd(m, f)
	case f.Type >= ControlNew:
		c.handleNew(m, f)
	default:
		log.Info().Str("station", m.Station()).Msgf("session.Control unhandled control type %d from %s", f.Type, f.Source)
	}
}

func (c *Control) handleAck(m *Manager, f *frame.Frame) {
	if len(f.Payload) < 2 {
		log.Warn().Str("station", m.Station()).Msgf("session.Control short ACK from %s", f.Source)
		return
	}
	local, remote := f.Payload[0], f.Payload[1]
	s := m.Session(local)
	if s == nil || local == ControlID {
		log.Warn().Str("station", m.Station()).Msgf("session.Control ACK for unknown session %d", local)
		return
	}
	s.base().bindRemote(remote)
	switch st := s.State(); st {
	case StateClosing:
		s.base().SetState(StateClosed)
	case StateSync:
		s.base().SetState(StateOpen)
	case StateOpen:
	default:
		log.Warn().Str("station", m.Station()).Msgf("session.Control ACK for %s in state %s", s.Name(), st)
	}
}

func (c *Control) handleEnd(m *Manager, f *frame.Frame) {
	id, err := strconv.Atoi(strings.TrimSpace(string(f.Payload)))
	if err != nil || id <= int(ControlID) || id > 255 {
		log.Warn().Str("station", m.Station()).Msgf("session.Control bad END payload %q", f.Payload)
		return
	}
	s := m.Session(uint8(id))
	if s == nil {
		log.Debug().Str("station", m.Station()).Msgf("session.Control END for unknown session %d", id)
		return
	}
	log.Info().Str("station", m.Station()).Msgf("session.Control END for %s from %s", s.Name(), f.Source)

	s.base().SetState(StateClosed)
	if err := m.StopSession(s); err != nil {
		log.Warn().Err(err).Str("station", m.Station()).Msg("session.Control stop failed")
	}

	reply := s.ID()
	if rid, ok := s.RemoteID(); ok {
		reply = rid
	}
	c.send(&frame.Frame{
		Type:    ControlEnd,
		Dest:    f.Source,
		Payload: []byte(strconv.Itoa(int(reply))),
	})
}

func (c *Control) handleNew(m *Manager, f *frame.Frame) {
	if len(f.Payload) < 1 {
		log.Warn().Str("station", m.Station()).Msgf("session.Control short NEW from %s", f.Source)
		return
	}
	rid := f.Payload[0]
	name := string(f.Payload[1:])

	exist := m.GetSession(Selector{RemoteID: &rid, Station: f.Source})
	if exist != nil && exist.State() == StateClosed {
		log.Info().Str("station", m.Station()).Msgf("session.Control replacing closed session %s on repeated NEW", exist.Name())
		m.remove(exist)
		go exist.shutdown()
		exist = nil
	}
	if exist != nil {
		log.Debug().Str("station", m.Station()).Msgf("session.Control re-acking existing session %s", exist.Name())
		c.ack(f.Source, rid, exist.ID())
		return
	}

	kind := Kind(f.Type - ControlNew)
	if kind == KindStateless {
		log.Warn().Str("station", m.Station()).Msgf("session.Control refusing NEW for stateless %q", name)
		return
	}
	s, err := m.newSession(kind, name)
	if err != nil {
		log.Warn().Err(err).Str("station", m.Station()).Msgf("session.Control cannot create %s session %q", kind, name)
		return
	}
	s.base().bindRemote(rid)
	s.base().SetState(StateOpen)
	id, err := m.register(s, f.Source, ReasonNewIn)
	if err != nil {
		log.Warn().Err(err).Str("station", m.Station()).Msgf("session.Control cannot register %q", name)
		return
	}
	c.ack(f.Source, rid, id)
}

func (c *Control) ack(dest string, remote, local uint8) {
	c.send(&frame.Frame{
		Type:    ControlAck,
		Dest:    dest,
		Payload: []byte{remote, local},
	})
}

func (c *Control) send(f *frame.Frame) *frame.Frame {
	f.Compress = c.compressOn()
	out, err := c.outgoing(c, f)
	if err != nil {
		log.Warn().Err(err).Msg("session.Control send failed")
		return nil
	}
	return out
}

func (c *Control) waitSent(f *frame.Frame) {
	if f == nil {
		return
	}
	waitOn(f.Signals().Sent(), c.cfg.SendTimeout, nil)
}

// NewSession runs the NEW/ACK handshake for s, which must already be
// registered in SYNC.
func (c *Control) NewSession(s Session) error {
	req := &frame.Frame{
		Type:    ControlNew + uint8(s.Kind()),
		Dest:    s.Station(),
		Payload: append([]byte{s.ID()}, s.Name()...),
	}
	wait := c.cfg.SyncWait
	for i := 0; i < c.cfg.NewAttempts; i++ {
		changed := s.StateChanged()
		c.waitSent(c.send(req.Copy()))
		if s.State() == StateSync {
			waitOn(changed, wait, nil)
		}
		switch s.State() {
		case StateClosed:
			log.Info().Msgf("session.Control %s closed during handshake", s.Name())
			return fmt.Errorf("%w: %s", ErrHandshakeFailed, s.Name())
		case StateSync:
			wait = c.cfg.SyncWaitLong
			log.Debug().Msgf("session.Control no ACK for %s (attempt %d)", s.Name(), i+1)
		default:
			s.base().SetState(StateOpen)
			return nil
		}
	}
	s.base().SetState(StateClosed)
	return fmt.Errorf("%w: %s after %d attempts", ErrHandshakeFailed, s.Name(), c.cfg.NewAttempts)
}

// EndSession asks the peer to close s and waits for its reply. Stateless
// sessions need no teardown.
func (c *Control) EndSession(s Session) error {
	if s.IsStateless() {
		return nil
	}
	for {
		ch := s.StateChanged()
		if s.State() != StateSync {
			break
		}
		waitOn(ch, c.cfg.SyncPoll, nil)
	}

	id := s.ID()
	if rid, ok := s.RemoteID(); ok {
		id = rid
	}
	s.base().SetState(StateClosing)

	for i := 0; i < c.cfg.EndAttempts; i++ {
		changed := s.StateChanged()
		c.waitSent(c.send(&frame.Frame{
			Type:    ControlEnd,
			Dest:    s.Station(),
			Payload: []byte(strconv.Itoa(int(id))),
		}))
		if s.State() != StateClosed {
			waitOn(changed, c.cfg.EndWait, nil)
		}
		if s.State() == StateClosed {
			return nil
		}
	}
	s.base().SetState(StateClosed)
	return fmt.Errorf("%w: %s", ErrEndUnacknowledged, s.Name())
}
