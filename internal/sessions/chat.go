package sessions

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/transport"
	"github.com/rs/zerolog/log"
)

// ChatID is the fixed session id of the chat channel.
const ChatID uint8 = 1

// Chat frame types.
const (
	ChatMessage uint8 = iota
	ChatPingRequest
	ChatPingResponse
	ChatEchoRequest
	ChatEchoResponse
	ChatStatus
)

// Station status codes carried by ChatStatus frames.
const (
	StatusUnknown    = 0
	StatusOnline     = 1
	StatusUnattended = 2
	StatusOffline    = 9

	StatusMin = 0
	StatusMax = 9
)

var ErrInvalidStatus = errors.New("sessions: status out of range")

// StatusText names a status code.
func StatusText(code int) string {
	switch code {
	case StatusOnline:
		return "Online"
	case StatusUnattended:
		return "Unattended"
	case StatusOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ChatHandlers receive chat traffic. Every field is optional. Handlers run
// in the transport goroutine and must not block.
type ChatHandlers struct {
	Message      func(src, dst, text string)
	GPS          func(src, kind string, sentence []byte)
	PingRequest  func(src, dst, desc string)
	PingResponse func(src, dst, desc string)
	Status       func(src string, code int, msg string)
	// CurrentStatus is advertised after answering a ping.
	CurrentStatus func() (int, string)
}

// Chat is the broadcast text channel. It also answers pings and carries
// station status announcements.
type Chat struct {
	*session.Stateless
	h ChatHandlers

	// BroadcastDelay bounds the random wait before answering a ping sent
	// to CQCQCQ. Echo requests wait up to twice as long.
	BroadcastDelay time.Duration

	mu       sync.Mutex
	pingText func() string
	echoes   map[string]func()
	rng      *rand.Rand
}

func NewChat(h ChatHandlers) *Chat {
	c := &Chat{
		Stateless:      session.NewStateless("chat"),
		h:              h,
		BroadcastDelay: 5 * time.Second,
		pingText:       DefaultPingText,
		echoes:         make(map[string]func()),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.SetCompress(false)
	c.SetHandler(c.handle)
	return c
}

// DefaultPingText is the stock ping reply.
func DefaultPingText() string {
	return fmt.Sprintf("Running ratslink (%s/%s)", runtime.GOOS, runtime.GOARCH)
}

// SetPingFunc replaces the text sent in ping replies. nil restores the
// default.
func (c *Chat) SetPingFunc(fn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = DefaultPingText
	}
	c.pingText = fn
}

func (c *Chat) delay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max) + 1))
}

func (c *Chat) station() string {
	if m := c.Manager(); m != nil {
		return m.Station()
	}
	return ""
}

func (c *Chat) handle(f *frame.Frame) {
	log.Debug().Msgf("sessions.Chat got frame: %s", f)
	switch f.Type {
	case ChatMessage:
		if m, kind := transport.MatchSentence(f.Payload); m != nil && c.h.GPS != nil {
			c.h.GPS(f.Source, kind, m)
			return
		}
		if c.h.Message != nil {
			c.h.Message(f.Source, f.Dest, string(f.Payload))
		}
	case ChatPingRequest:
		if c.h.PingRequest != nil {
			c.h.PingRequest(f.Source, f.Dest, "Request")
		}
		c.answer(f, c.BroadcastDelay, func() (uint8, []byte) {
			c.mu.Lock()
			fn := c.pingText
			c.mu.Unlock()
			return ChatPingResponse, []byte(fn())
		})
	case ChatPingResponse:
		if c.h.PingResponse != nil {
			c.h.PingResponse(f.Source, f.Dest, string(f.Payload))
		}
	case ChatEchoRequest:
		if c.h.PingRequest != nil {
			c.h.PingRequest(f.Source, f.Dest, fmt.Sprintf("Echo request of %d bytes", len(f.Payload)))
		}
		payload := append([]byte(nil), f.Payload...)
		c.answer(f, 2*c.BroadcastDelay, func() (uint8, []byte) {
			return ChatEchoResponse, payload
		})
	case ChatEchoResponse:
		if c.h.PingResponse != nil {
			c.h.PingResponse(f.Source, f.Dest, fmt.Sprintf("Echo of %d bytes", len(f.Payload)))
		}
		c.mu.Lock()
		cb := c.echoes[f.Source]
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	case ChatStatus:
		code, msg := StatusUnknown, ""
		if len(f.Payload) > 0 {
			code = int(f.Payload[0]) - '0'
			msg = string(f.Payload[1:])
		}
		if code < StatusMin || code > StatusMax {
			log.Warn().Msgf("sessions.Chat unable to parse station status from %s: %q", f.Source, f.Payload)
			code = StatusUnknown
		}
		if c.h.Status != nil {
			c.h.Status(f.Source, code, msg)
		}
	default:
		log.Debug().Msgf("sessions.Chat unknown chat type %d", f.Type)
	}
}

// answer replies to a ping addressed to us directly or, after a random
// delay, to one sent to CQCQCQ.
func (c *Chat) answer(f *frame.Frame, max time.Duration, reply func() (uint8, []byte)) {
	src := f.Source
	send := func() {
		typ, data := reply()
		if err := c.WriteType(typ, data, src); err != nil {
			log.Warn().Err(err).Msgf("sessions.Chat ping reply to %s failed", src)
			return
		}
		if typ == ChatPingResponse && c.h.CurrentStatus != nil {
			code, msg := c.h.CurrentStatus()
			if err := c.AdvertiseStatus(code, msg); err != nil {
				log.Warn().Err(err).Msg("sessions.Chat status after ping reply failed")
			}
		}
	}
	switch f.Dest {
	case frame.Broadcast:
		d := c.delay(max)
		log.Debug().Msgf("sessions.Chat broadcast ping, waiting %s", d)
		go func() {
			time.Sleep(d)
			send()
		}()
	case c.station():
		send()
	}
}

// Send writes a chat message. An empty dest means CQCQCQ.
func (c *Chat) Send(text, dest string) error {
	return c.Write([]byte(text), dest)
}

func (c *Chat) Ping(station string) error {
	return c.WriteType(ChatPingRequest, []byte("Ping Request"), station)
}

// PingEcho asks station to echo data back. cb, when set, runs when the
// echo arrives.
func (c *Chat) PingEcho(station string, data []byte, cb func()) error {
	if cb != nil {
		c.mu.Lock()
		c.echoes[station] = cb
		c.mu.Unlock()
	}
	return c.WriteType(ChatEchoRequest, data, station)
}

// AdvertiseStatus broadcasts this station's status code and message.
func (c *Chat) AdvertiseStatus(code int, msg string) error {
	if code < StatusMin || code > StatusMax {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	return c.WriteType(ChatStatus, []byte(fmt.Sprintf("%d%s", code, msg)), frame.Broadcast)
}
