// Package sessions holds the application sessions carried by a station:
// chat, file and form transfer, and TCP tunnels.
package sessions

import "github.com/danmuck/ratslink/internal/protocol/session"

// Factories returns constructors for every application session kind a
// peer may request. report receives transfer progress and may be nil.
func Factories(report func(TransferStatus)) map[session.Kind]session.Factory {
	return map[session.Kind]session.Factory{
		session.KindFile: func(name string, cfg session.Config) session.Session {
			return NewFileTransfer(name, cfg, report)
		},
		session.KindForm: func(name string, cfg session.Config) session.Session {
			return NewFormTransfer(name, cfg, report)
		},
		session.KindSocket: func(name string, cfg session.Config) session.Session {
			return NewSocket(name, cfg)
		},
	}
}

// IncomingTransfers delivers every transfer a peer opens to fn, which runs
// in its own goroutine.
func IncomingTransfers(m *session.Manager, fn func(*Transfer)) {
	m.RegisterObserver(func(ev session.Event) {
		if ev.Reason != session.ReasonNewIn {
			return
		}
		if t, ok := ev.Session.(*Transfer); ok {
			go fn(t)
		}
	})
}
