package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Ratflector login response codes.
const (
	authNotRequired = 100
	authRequired    = 101
	authNeedPass    = 102
	authOK          = 200
)

// Socket is a TCP pipe to a ratflector or a peer station.
type Socket struct {
	Addr     string
	Call     string
	Password string
	Timeout  time.Duration
	// AuthTimeout bounds each line of the login exchange.
	AuthTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	incoming bool
	// bytes read past the end of the login exchange
	pending []byte
}

func NewSocket(addr, call, password string) *Socket {
	return &Socket{
		Addr:        addr,
		Call:        call,
		Password:    password,
		Timeout:     DefaultTimeout,
		AuthTimeout: 30 * time.Second,
	}
}

// WrapConn adopts an accepted connection. It cannot reconnect.
func WrapConn(conn net.Conn) *Socket {
	return &Socket{
		Addr:     conn.RemoteAddr().String(),
		Timeout:  DefaultTimeout,
		conn:     conn,
		incoming: true,
	}
}

func (s *Socket) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.Dial("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, s.Addr, err)
	}
	if s.Password != "" {
		r := bufio.NewReader(conn)
		if err := s.login(conn, r); err != nil {
			conn.Close()
			return err
		}
		if n := r.Buffered(); n > 0 {
			extra, _ := r.Peek(n)
			s.pending = append([]byte(nil), extra...)
		}
	}
	s.conn = conn
	log.Info().Str("addr", s.Addr).Msg("pipe.Socket connected")
	return nil
}

func (s *Socket) login(conn net.Conn, r *bufio.Reader) error {
	code, _, err := s.getline(conn, r)
	if err != nil {
		log.Info().Str("addr", s.Addr).Err(err).Msg("pipe.Socket no greeting, assuming open ratflector")
		return nil
	}
	switch code {
	case authNotRequired:
		return nil
	case authRequired:
	default:
		return fmt.Errorf("%w: unknown response code %d", ErrNotConnected, code)
	}

	if _, err := fmt.Fprintf(conn, "USER %s\r\n", s.Call); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	code, _, err = s.getline(conn, r)
	if err != nil {
		return err
	}
	if code == authOK {
		return nil
	}
	if code != authNeedPass {
		return fmt.Errorf("%w: user %q rejected", ErrNotConnected, s.Call)
	}

	if _, err := fmt.Fprintf(conn, "PASS %s\r\n", s.Password); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	code, line, err := s.getline(conn, r)
	if err != nil {
		return err
	}
	if code != authOK {
		return fmt.Errorf("%w: authentication failed: %s", ErrNotConnected, line)
	}
	return nil
}

func (s *Socket) getline(conn net.Conn, r *bufio.Reader) (int, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, "", fmt.Errorf("%w: conversation error: %v", ErrNotConnected, err)
	}
	codeText, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return 0, "", fmt.Errorf("%w: conversation error: %q", ErrNotConnected, line)
	}
	return code, rest, nil
}

func (s *Socket) Reconnect() error {
	if !s.CanReconnect() {
		return nil
	}
	s.Close()
	time.Sleep(500 * time.Millisecond)
	return s.Connect()
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Socket) CanReconnect() bool { return !s.incoming }

func (s *Socket) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	out := s.pending
	s.pending = nil
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: socket closed", ErrIO)
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(s.Timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("%w: socket disconnected: %v", ErrIO, err)
		}
		// keep draining quickly once data is flowing
		deadline = time.Now().Add(10 * time.Millisecond)
	}
}

func (s *Socket) Write(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: socket closed", ErrIO)
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("%w: socket write failed: %v", ErrIO, err)
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Socket) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return "[NET closed]"
	}
	return fmt.Sprintf("[NET %s]", s.conn.RemoteAddr())
}
