package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// SocketNamePrefix starts the name of every socket session; the remote
// port follows it.
const SocketNamePrefix = "TCP:"

// Socket carries one TCP connection over a stateful session. It never
// times out while idle.
type Socket struct {
	*session.Stateful
}

func NewSocket(name string, cfg session.Config) *Socket {
	cfg.IdleTimeout = 0
	return &Socket{Stateful: session.NewStatefulKind(name, session.KindSocket, cfg)}
}

// Port parses the destination port out of the session name.
func (s *Socket) Port() (int, error) {
	name := s.Name()
	if !strings.HasPrefix(name, SocketNamePrefix) {
		return 0, fmt.Errorf("sessions: socket name %q has no port", name)
	}
	return strconv.Atoi(strings.TrimPrefix(name, SocketNamePrefix))
}

// Bridge copies between conn and the session until either side ends, then
// closes both.
func (s *Socket) Bridge(conn net.Conn) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(s, conn)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, s)
		errc <- err
	}()

	first := <-errc
	conn.Close()
	if err := s.Close(); err != nil {
		log.Debug().Err(err).Str("session", s.Name()).Msg("sessions.Socket close")
	}
	<-errc
	if first != nil && !errors.Is(first, session.ErrSessionClosed) && !errors.Is(first, net.ErrClosed) {
		return first
	}
	return nil
}

// SocketListener accepts local TCP connections and tunnels each one, in
// turn, to a port on a remote station.
type SocketListener struct {
	m     *session.Manager
	dest  string
	dport int
	ln    net.Listener

	mu     sync.Mutex
	active net.Conn
	wg     sync.WaitGroup
}

// ListenSocket listens on addr and forwards to dport at dest.
func ListenSocket(m *session.Manager, dest, addr string, dport int) (*SocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &SocketListener{m: m, dest: dest, dport: dport, ln: ln}
	l.wg.Add(1)
	go l.serve()
	return l, nil
}

func (l *SocketListener) Addr() net.Addr { return l.ln.Addr() }

func (l *SocketListener) serve() {
	defer l.wg.Done()
	name := SocketNamePrefix + strconv.Itoa(l.dport)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msgf("sessions.SocketListener %s accept failed", name)
			}
			return
		}
		log.Info().Msgf("sessions.SocketListener %s: incoming connection from %s", name, conn.RemoteAddr())

		s := NewSocket(name, l.m.Config())
		if err := l.m.Start(s, l.dest); err != nil {
			log.Warn().Err(err).Msgf("sessions.SocketListener %s: cannot reach %s", name, l.dest)
			conn.Close()
			continue
		}
		l.mu.Lock()
		l.active = conn
		l.mu.Unlock()
		if err := s.Bridge(conn); err != nil {
			log.Warn().Err(err).Msgf("sessions.SocketListener %s ended", name)
		}
		l.mu.Lock()
		l.active = nil
		l.mu.Unlock()
		log.Info().Msgf("sessions.SocketListener %s ended", name)
	}
}

// Close stops accepting, ends the active tunnel and waits for it.
func (l *SocketListener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	if l.active != nil {
		l.active.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

// AcceptSockets bridges every incoming socket session to the named port on
// host. It runs until ctx is done.
func AcceptSockets(ctx context.Context, m *session.Manager, host string) {
	var dialer net.Dialer
	m.RegisterObserver(func(ev session.Event) {
		s, ok := ev.Session.(*Socket)
		if !ok || ev.Reason != session.ReasonNewIn || ctx.Err() != nil {
			return
		}
		go func() {
			port, err := s.Port()
			if err != nil {
				log.Warn().Err(err).Msg("sessions.AcceptSockets")
				s.Close()
				return
			}
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				log.Warn().Err(err).Msgf("sessions.AcceptSockets cannot reach port %d", port)
				s.Close()
				return
			}
			if err := s.Bridge(conn); err != nil {
				log.Warn().Err(err).Str("session", s.Name()).Msg("sessions.AcceptSockets bridge ended")
			}
		}()
	})
}
