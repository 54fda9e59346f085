package pipe

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	kissFEND  byte = 0xC0
	kissFESC  byte = 0xDB
	kissTFEND byte = 0xDC
	kissTFESC byte = 0xDD
)

// KISS wraps a byte path to a KISS-mode TNC: writes become data frames on
// TNCPort and reads return the unescaped contents of received frames.
type KISS struct {
	Inner   Pipe
	TNCPort uint8

	mu  sync.Mutex
	buf []byte
}

func NewKISS(inner Pipe, tncPort uint8) *KISS {
	return &KISS{Inner: inner, TNCPort: tncPort}
}

// KISSEncode wraps data in a KISS data frame for the given TNC port.
func KISSEncode(data []byte, port uint8) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, kissFEND, (port&0x0F)<<4)
	for _, b := range data {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	return append(out, kissFEND)
}

// KISSExtract returns the data of every complete frame in buf and the
// unconsumed remainder. Bytes before the first FEND are discarded.
func KISSExtract(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.IndexByte(buf, kissFEND)
		if start == -1 {
			if len(buf) > 0 {
				log.Debug().Int("bytes", len(buf)).Msg("pipe.KISS out-of-frame garbage")
			}
			return frames, nil
		}
		end := bytes.IndexByte(buf[start+1:], kissFEND)
		if end == -1 {
			return frames, buf[start:]
		}
		end += start + 1
		body := buf[start+1 : end]
		buf = buf[end:]
		if len(body) == 0 {
			continue
		}
		data, err := kissUnescape(body[1:])
		if err != nil {
			log.Info().Err(err).Msg("pipe.KISS dropping frame")
			continue
		}
		frames = append(frames, data)
	}
}

func kissUnescape(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != kissFESC {
			out = append(out, b[i])
			continue
		}
		i++
		if i >= len(b) {
			return nil, fmt.Errorf("%w: truncated KISS escape", ErrIO)
		}
		switch b[i] {
		case kissTFEND:
			out = append(out, kissFEND)
		case kissTFESC:
			out = append(out, kissFESC)
		default:
			return nil, fmt.Errorf("%w: bad KISS escape 0x%02x", ErrIO, b[i])
		}
	}
	return out, nil
}

func (k *KISS) Connect() error     { return k.Inner.Connect() }
func (k *KISS) IsConnected() bool  { return k.Inner.IsConnected() }
func (k *KISS) CanReconnect() bool { return k.Inner.CanReconnect() }
func (k *KISS) Close() error       { return k.Inner.Close() }

func (k *KISS) Reconnect() error {
	k.mu.Lock()
	k.buf = nil
	k.mu.Unlock()
	return k.Inner.Reconnect()
}

func (k *KISS) ReadAvailable() ([]byte, error) {
	data, err := k.Inner.ReadAvailable()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.buf = append(k.buf, data...)
	frames, rest := KISSExtract(k.buf)
	k.buf = append([]byte(nil), rest...)
	return bytes.Join(frames, nil), err
}

func (k *KISS) Write(b []byte) error {
	return k.Inner.Write(KISSEncode(b, k.TNCPort))
}

func (k *KISS) String() string {
	return fmt.Sprintf("TNC %s", k.Inner.String())
}
