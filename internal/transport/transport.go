// Package transport runs the single worker that moves frames between a
// pipe and the session layer.
package transport

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/observability"
	"github.com/danmuck/ratslink/internal/pipe"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("transport: data path not connected")
	ErrDisabled     = errors.New("transport: disabled")
	ErrAuthFailed   = errors.New("transport: authentication failed")
)

const (
	WarmupType uint8 = 254
	// TextSession carries synthetic frames built from plain-text input.
	TextSession uint8 = 1
)

// Options tunes a Transport. Zero durations disable the matching feature.
type Options struct {
	Compat        bool
	WarmupLength  int
	WarmupTimeout time.Duration
	// ForceDelay is applied once before each batch of sends. A negative
	// value picks a random delay between 0.5s and its magnitude.
	ForceDelay  time.Duration
	CompatDelay time.Duration
	PortName    string
	// Limits bound inbound frame decoding.
	Limits frame.Limits

	Auth    func(pipe.Pipe) bool
	Status  func(string)
	Handler func(*frame.Frame)

	Backoff           BackoffConfig
	MaxAttempts       int
	ReconnectInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		WarmupLength:      8,
		WarmupTimeout:     3 * time.Second,
		CompatDelay:       5 * time.Second,
		Limits:            frame.DefaultLimits(),
		Backoff:           LinearBackoff(),
		MaxAttempts:       10,
		ReconnectInterval: 5 * time.Second,
	}
}

// Transport owns one pipe and its worker goroutine.
type Transport struct {
	pipe pipe.Pipe
	opts Options
	inq  *BlockQueue
	outq *BlockQueue
	rng  *rand.Rand

	// worker-owned
	inbuf []byte

	mu       sync.Mutex
	enabled  bool
	started  bool
	handler  func(*frame.Frame)
	lastXmit time.Time
	lastRecv time.Time
	err      error

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(p pipe.Pipe, opts Options) *Transport {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.PortName == "" {
		opts.PortName = p.String()
	}
	return &Transport{
		pipe:    p,
		opts:    opts,
		inq:     NewBlockQueue(),
		outq:    NewBlockQueue(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		enabled: true,
		handler: opts.Handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.worker()
}

func (t *Transport) String() string { return t.pipe.String() }

func (t *Transport) Pipe() pipe.Pipe { return t.pipe }

func (t *Transport) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Err reports why the worker stopped, if it did.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the worker exits.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) LastXmit() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastXmit
}

func (t *Transport) LastRecv() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRecv
}

// Send queues f for transmission.
func (t *Transport) Send(f *frame.Frame) error {
	if !t.Enabled() {
		log.Warn().Str("port", t.opts.PortName).Msgf("transport.Send refusing block for dead transport: %s", f)
		f.Signals().Cancel()
		return ErrDisabled
	}
	f.Signals()
	t.outq.Enqueue(f)
	return nil
}

// Recv returns the next queued inbound frame, or nil. Frames only queue
// when no handler is installed.
func (t *Transport) Recv() *frame.Frame {
	return t.inq.Dequeue()
}

// FlushSession drops queued outbound frames for session id.
func (t *Transport) FlushSession(id uint8) int {
	removed := t.outq.RemoveIf(func(f *frame.Frame) bool { return f.Session == id })
	for _, f := range removed {
		log.Debug().Str("port", t.opts.PortName).Msgf("transport.FlushSession flushing block: %s", f)
		f.Signals().Cancel()
	}
	return len(removed)
}

// Pending reports the number of frames waiting to be sent.
func (t *Transport) Pending() int { return t.outq.Len() }

// Disable stops the worker and waits for it to exit. Safe to call more
// than once and before Start.
func (t *Transport) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.handler = nil
	started := t.started
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	if started {
		<-t.done
	}
	for _, f := range t.outq.DequeueAll() {
		f.Signals().Cancel()
	}
}

func (t *Transport) status(msg string) {
	if t.opts.Status != nil {
		t.opts.Status(msg)
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	t.enabled = false
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *Transport) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// sleep waits d or until Disable; it reports false when stopped.
func (t *Transport) sleep(d time.Duration) bool {
	if d <= 0 {
		return !t.stopped()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) worker() {
	defer close(t.done)
	port := t.opts.PortName

	if !t.pipe.IsConnected() {
		t.status("Connecting")
		if err := t.pipe.Connect(); err != nil {
			t.status(fmt.Sprintf("Unable to connect (%v)", err))
			log.Error().Str("port", port).Err(err).Msg("transport.worker pipe did not connect")
			t.fail(fmt.Errorf("%w: %v", ErrNotConnected, err))
			return
		}
	}
	if t.opts.Auth != nil && !t.opts.Auth(t.pipe) {
		t.status("Authentication failed")
		log.Error().Str("port", port).Msg("transport.worker authentication failed")
		t.fail(ErrAuthFailed)
		return
	}
	t.status("Connected")

	for t.Enabled() && !t.stopped() {
		if err := t.getInput(); err != nil {
			log.Error().Str("port", port).Err(err).Msg("transport.worker exception while getting input")
			t.fail(err)
			return
		}

		t.parseBlocks()
		t.parseSentences()

		if len(t.inbuf) > 0 && t.compatIsTime() {
			if t.opts.Compat {
				t.sendTextBlock(t.inbuf)
			} else {
				log.Debug().Str("port", port).Msgf("transport.worker unconverted data: %q", t.inbuf)
			}
			t.inbuf = nil
		}

		if err := t.sendFrames(); err != nil {
			log.Error().Str("port", port).Err(err).Msg("transport.worker exception while sending frames")
			t.fail(err)
			return
		}
	}
}

func (t *Transport) getInput() error {
	chunk, err := retry(t, "recv", t.pipe.ReadAvailable)
	if err != nil {
		return err
	}
	if len(chunk) > 0 {
		t.inbuf = append(t.inbuf, chunk...)
		t.mu.Lock()
		t.lastRecv = time.Now()
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) write(b []byte) error {
	_, err := retry(t, "send", func() (struct{}, error) {
		return struct{}{}, t.pipe.Write(b)
	})
	return err
}

// retry runs op with linear backoff and reconnects between attempts. Once
// attempts run out the pipe is polled for reconnect every
// ReconnectInterval until it comes back or the transport is disabled. The
// worker only calls it after the first successful connect.
func retry[T any](t *Transport, what string, op func() (T, error)) (T, error) {
	var zero T
	port := t.opts.PortName
	for {
		for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
			v, err := op()
			if err == nil {
				return v, nil
			}
			if !t.pipe.CanReconnect() {
				return zero, fmt.Errorf("%w: %v", ErrNotConnected, err)
			}
			log.Warn().Str("port", port).Str("op", what).Int("attempt", attempt).Err(err).Msg("transport data path i/o error")
			if !t.sleep(NextBackoffDelay(t.opts.Backoff, attempt, t.rng)) {
				return zero, ErrDisabled
			}
			log.Info().Str("port", port).Msg("transport attempting reconnect")
			if err := t.pipe.Reconnect(); err != nil {
				log.Debug().Str("port", port).Err(err).Msg("transport reconnect failed")
			}
		}

		t.status("Reconnecting")
		for {
			if !t.sleep(t.opts.ReconnectInterval) {
				return zero, ErrDisabled
			}
			if err := t.pipe.Reconnect(); err == nil && t.pipe.IsConnected() {
				t.status("Connected")
				log.Info().Str("port", port).Msg("transport reconnected")
				break
			}
		}
	}
}

func (t *Transport) deliver(f *frame.Frame) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(f)
		return
	}
	t.inq.Enqueue(f)
}

// parseBlocks extracts every complete [SOB]..[EOB] block from the input
// buffer. Bytes outside blocks stay buffered for sentence matching.
func (t *Transport) parseBlocks() {
	port := t.opts.PortName
	for {
		s := bytes.Index(t.inbuf, frame.Start)
		e := bytes.Index(t.inbuf, frame.End)
		if s < 0 || e < 0 {
			return
		}
		if e < s {
			// stray trailer ahead of the next header
			t.inbuf = append(t.inbuf[:e:e], t.inbuf[e+len(frame.End):]...)
			continue
		}
		end := e + len(frame.End)
		block := append([]byte(nil), t.inbuf[s:end]...)
		t.inbuf = append(t.inbuf[:s:s], t.inbuf[end:]...)

		f, err := frame.Decode(block, t.opts.Limits)
		if err == nil {
			log.Debug().Str("port", port).Msgf("transport got a block: %s", f)
			observability.RecordFrame(port, "in", len(block))
			t.deliver(f)
			continue
		}
		observability.RecordBrokenBlock(port)
		if t.opts.Compat {
			t.sendTextBlock(block)
			continue
		}
		log.Info().Str("port", port).Err(err).Int("len", len(block)).Msg("transport found a broken block")
		log.Debug().Str("port", port).Msg("\n" + hex.Dump(block))
	}
}

func (t *Transport) parseSentences() {
	for {
		m, kind := MatchSentence(t.inbuf)
		if m == nil {
			return
		}
		m = append([]byte(nil), m...)
		t.inbuf = bytes.Replace(t.inbuf, m, nil, 1)
		log.Info().Str("port", t.opts.PortName).Str("kind", kind).Msgf("transport found GPS string: %q", m)
		observability.RecordSentence(t.opts.PortName, kind)
		t.sendTextBlock(m)
	}
}

func (t *Transport) sendTextBlock(b []byte) {
	t.deliver(&frame.Frame{
		Session: TextSession,
		Source:  frame.Broadcast,
		Dest:    frame.Broadcast,
		Payload: []byte(frame.FilterASCII(b)),
	})
}

func (t *Transport) compatIsTime() bool {
	return time.Since(t.LastRecv()) > t.opts.CompatDelay
}

func (t *Transport) forceDelay() time.Duration {
	d := t.opts.ForceDelay
	if d >= 0 {
		return d
	}
	lo, hi := 500*time.Millisecond, -d
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(t.rng.Int63n(int64(hi-lo)+1))
}

func (t *Transport) sendFrames() error {
	port := t.opts.PortName
	delayed := false
	for {
		f := t.outq.Dequeue()
		if f == nil {
			return nil
		}

		if t.opts.ForceDelay != 0 && !delayed {
			d := t.forceDelay()
			log.Debug().Str("port", port).Dur("delay", d).Msg("transport waiting before transmitting")
			if !t.sleep(d) {
				f.Signals().Cancel()
				return nil
			}
			delayed = true
		}

		if t.opts.WarmupTimeout > 0 && time.Since(t.LastXmit()) > t.opts.WarmupTimeout {
			if err := t.sendWarmup(); err != nil {
				f.Signals().Cancel()
				return err
			}
		}

		wire, err := frame.Encode(f)
		if err != nil {
			log.Error().Str("port", port).Err(err).Msgf("transport dropping unencodable block: %s", f)
			f.Signals().Cancel()
			continue
		}
		log.Debug().Str("port", port).Msgf("transport sending block: %s", f)
		start := time.Now()
		if err := t.write(wire); err != nil {
			f.Signals().Cancel()
			return err
		}
		end := time.Now()
		f.Signals().MarkSent(start, end, len(wire))
		observability.RecordFrame(port, "out", len(wire))
		t.mu.Lock()
		t.lastXmit = end
		t.mu.Unlock()
	}
}

// Warmup builds the filler frame used to key up a half-duplex radio.
func Warmup(length int) *frame.Frame {
	return &frame.Frame{
		Type:    WarmupType,
		Source:  frame.Sentinel,
		Dest:    frame.Sentinel,
		Payload: bytes.Repeat([]byte{0x01}, length),
	}
}

func (t *Transport) sendWarmup() error {
	w := Warmup(t.opts.WarmupLength)
	wire, err := frame.Encode(w)
	if err != nil {
		return err
	}
	log.Debug().Str("port", t.opts.PortName).Msgf("transport sending warm-up: %s", w)
	observability.RecordWarmup(t.opts.PortName)
	return t.write(wire)
}
