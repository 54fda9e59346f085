// Package pipe provides the byte paths a link transport runs over: TCP
// ratflector sockets, serial ports, KISS TNCs and in-memory loopbacks.
package pipe

import (
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("pipe: not connected")
	ErrIO           = errors.New("pipe: i/o failure")
)

const DefaultTimeout = 250 * time.Millisecond

// Pipe is a connected byte path. ReadAvailable returns whatever arrived
// within the pipe's short read timeout, possibly nothing.
type Pipe interface {
	Connect() error
	Reconnect() error
	IsConnected() bool
	CanReconnect() bool
	ReadAvailable() ([]byte, error)
	Write(b []byte) error
	Close() error
	String() string
}
