package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// TypeDefault is the frame type of plain stateless payloads.
const TypeDefault uint8 = 0

// Stateless sends one frame per write with no acknowledgment. It backs
// chat, ping and status traffic and the sniffer.
type Stateless struct {
	*Base
	inq  chan *frame.Frame
	done chan struct{}
	once sync.Once
}

func NewStateless(name string) *Stateless {
	return newStateless(name, KindStateless, DefaultConfig().InboundBuffer)
}

func newStateless(name string, kind Kind, buffer int) *Stateless {
	return &Stateless{
		Base: newBase(name, kind, true),
		inq:  make(chan *frame.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (s *Stateless) start() {}

func (s *Stateless) deliver(f *frame.Frame) {
	select {
	case s.inq <- f:
	default:
		log.Warn().Str("session", s.Name()).Msgf("session.Stateless inbound queue full, dropping %s", f)
	}
}

func (s *Stateless) shutdown() {
	s.SetState(StateClosed)
	s.once.Do(func() { close(s.done) })
}

// Close stops the session through its manager.
func (s *Stateless) Close() error {
	if m := s.Manager(); m != nil {
		return m.StopSession(s)
	}
	s.shutdown()
	return nil
}

// Write sends data as one frame. An empty dest means broadcast.
func (s *Stateless) Write(data []byte, dest string) error {
	return s.WriteType(TypeDefault, data, dest)
}

// WriteType sends data as one frame of the given type.
func (s *Stateless) WriteType(typ uint8, data []byte, dest string) error {
	if dest == "" {
		dest = frame.Broadcast
	}
	f := &frame.Frame{
		Type:     typ,
		Dest:     dest,
		Payload:  data,
		Compress: s.compressOn(),
	}
	if _, err := s.outgoing(s, f); err != nil {
		return err
	}
	s.updateStats(func(st *Stats) { st.SentSize += len(data) })
	return nil
}

// ReadFrame blocks for the next inbound frame.
func (s *Stateless) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-s.inq:
		s.updateStats(func(st *Stats) { st.RecvSize += len(f.Payload) })
		return f, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.Name())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read returns the source, destination and payload of one frame.
func (s *Stateless) Read(ctx context.Context) (src, dst string, data []byte, err error) {
	f, err := s.ReadFrame(ctx)
	if err != nil {
		return "", "", nil, err
	}
	return f.Source, f.Dest, f.Payload, nil
}
