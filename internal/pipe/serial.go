package pipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// Serial is a raw serial-port pipe (8N1).
type Serial struct {
	Port    string
	Baud    int
	Timeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

func NewSerial(port string, baud int) *Serial {
	return &Serial{Port: port, Baud: baud, Timeout: DefaultTimeout}
}

func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: s.Baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(s.Port, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrNotConnected, s.Port, err)
	}
	if err := p.SetReadTimeout(s.Timeout); err != nil {
		p.Close()
		return fmt.Errorf("%w: set read timeout: %v", ErrNotConnected, err)
	}
	s.port = p
	log.Info().Str("port", s.Port).Int("baud", s.Baud).Msg("pipe.Serial opened")
	return nil
}

func (s *Serial) Reconnect() error {
	s.Close()
	time.Sleep(500 * time.Millisecond)
	return s.Connect()
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) CanReconnect() bool { return true }

func (s *Serial) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("%w: serial port closed", ErrIO)
	}
	var out []byte
	buf := make([]byte, 1024)
	for {
		n, err := p.Read(buf)
		if err != nil {
			return out, fmt.Errorf("%w: serial read: %v", ErrIO, err)
		}
		if n == 0 {
			// read timeout
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

func (s *Serial) Write(b []byte) error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: serial port closed", ErrIO)
	}
	for len(b) > 0 {
		n, err := p.Write(b)
		if err != nil {
			return fmt.Errorf("%w: serial write: %v", ErrIO, err)
		}
		b = b[n:]
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) String() string {
	return fmt.Sprintf("Serial (%s at %d baud)", s.Port, s.Baud)
}
