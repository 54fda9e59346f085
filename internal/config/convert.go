package config

import (
	"fmt"

	"github.com/danmuck/ratslink/internal/pipe"
	"github.com/danmuck/ratslink/internal/protocol/session"
)

// NewPipe builds the configured pipe without connecting it.
func (s Station) NewPipe() (pipe.Pipe, error) {
	p := s.Pipe
	switch p.Kind {
	case PipeSocket:
		sock := pipe.NewSocket(p.Address, p.Username, p.Password)
		sock.Timeout = p.Timeout
		return sock, nil
	case PipeKISSTCP:
		sock := pipe.NewSocket(p.Address, "", "")
		sock.Timeout = p.Timeout
		return pipe.NewKISS(sock, p.TNCPort), nil
	case PipeSerial:
		ser := pipe.NewSerial(p.Address, p.Baud)
		ser.Timeout = p.Timeout
		return ser, nil
	case PipeKISS:
		ser := pipe.NewSerial(p.Address, p.Baud)
		ser.Timeout = p.Timeout
		return pipe.NewKISS(ser, p.TNCPort), nil
	default:
		return nil, fmt.Errorf("%w: unknown pipe.kind %q", ErrInvalid, p.Kind)
	}
}

// ManagerOptions carries the transport and session settings into a
// session manager. factories may be nil.
func (s Station) ManagerOptions(factories map[session.Kind]session.Factory) session.Options {
	opts := session.Options{
		Transport: s.Transport,
		Session:   s.Session,
		Factories: factories,
	}
	if opts.Transport.PortName == "" {
		opts.Transport.PortName = s.Pipe.Address
	}
	return opts
}
