package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/observability"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Stateful is a reliable, ordered byte stream carried over a sliding
// window of acknowledged blocks. One worker goroutine per session owns
// the window and all retransmission decisions.
type Stateful struct {
	*Base
	cfg Config
	arq *arq

	seqMu sync.Mutex
	oseq  uint8

	inbound chan *frame.Frame
	writes  chan []*frame.Frame

	closing   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	readMu  sync.Mutex
	readBuf []byte
	readCh  chan struct{}
}

func NewStateful(name string, cfg Config) *Stateful {
	return NewStatefulKind(name, KindStateful, cfg)
}

// NewStatefulKind builds a stateful session announced as kind. Application
// sessions such as file transfers embed the result.
func NewStatefulKind(name string, kind Kind, cfg Config) *Stateful {
	cfg = cfg.WithDefaults()
	s := &Stateful{
		Base:    newBase(name, kind, false),
		cfg:     cfg,
		arq:     newARQ(cfg),
		inbound: make(chan *frame.Frame, cfg.InboundBuffer),
		writes:  make(chan []*frame.Frame, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		readCh:  make(chan struct{}),
	}
	s.compress = cfg.Compress
	return s
}

// Config returns the effective session configuration.
func (s *Stateful) Config() Config { return s.cfg }

// Done is closed once the worker has exited.
func (s *Stateful) Done() <-chan struct{} { return s.done }

func (s *Stateful) start() {
	s.startOnce.Do(func() { go s.run() })
}

func (s *Stateful) deliver(f *frame.Frame) {
	select {
	case s.inbound <- f:
	default:
		log.Warn().Str("session", s.Name()).Msgf("session.Stateful inbound queue full, dropping %s", f)
	}
}

// shutdown stops the worker and releases every blocked writer.
func (s *Stateful) shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
	// A session that never started has no worker to close done.
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
	s.cancelAll()
	if s.State() != StateClosed {
		s.SetState(StateClosed)
	}
}

// Close ends the session with the peer and stops it.
func (s *Stateful) Close() error {
	if m := s.Manager(); m != nil {
		return m.StopSession(s)
	}
	s.shutdown()
	return nil
}

// cancelAll releases waiters on every unacknowledged block. Only called
// once the worker is gone or from the worker itself.
func (s *Stateful) cancelAll() {
	for _, f := range s.arq.pendingFrames() {
		f.Signals().Cancel()
	}
	for {
		select {
		case blocks := <-s.writes:
			for _, f := range blocks {
				f.Signals().Cancel()
			}
		default:
			return
		}
	}
}

// Outstanding returns the blocks currently in flight.
func (s *Stateful) Outstanding() []Inflight {
	return s.arq.win.List()
}

func (s *Stateful) run() {
	defer func() {
		close(s.done)
		select {
		case <-s.closing:
		default:
			// Closed by idle timeout or retry exhaustion.
			if m := s.Manager(); m != nil {
				m.reap(s)
			}
		}
	}()
	logger := log.With().Str("session", s.Name()).Uint8("id", s.ID()).Logger()
	for {
		if !s.sendBlocks() {
			return
		}

		wait := s.cfg.IdleTimeout
		idle := true
		if s.arq.outstanding() {
			wait = s.cfg.ShortSleep
			idle = false
		}
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			tick = timer.C
		}

		select {
		case f := <-s.inbound:
			s.handle(f)
			s.drainInbound()
		case blocks := <-s.writes:
			s.arq.push(blocks...)
		case <-tick:
			if idle {
				logger.Info().Msgf("session.Stateful idle for %s, closing", wait)
				s.SetState(StateClosed)
				s.cancelAll()
				return
			}
		case <-s.closing:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Stateful) drainInbound() {
	for {
		select {
		case f := <-s.inbound:
			s.handle(f)
		default:
			return
		}
	}
}

func (s *Stateful) handle(f *frame.Frame) {
	size := frame.HeaderLen + len(f.Payload)
	s.arq.noteInbound(size)
	s.updateStats(func(st *Stats) { st.RecvWire += size })

	switch f.Type {
	case TypeAck:
		acked := s.arq.onAck(f.Payload, time.Now())
		n := 0
		for _, item := range acked {
			n += len(item.Frame.Payload)
		}
		if n > 0 {
			s.updateStats(func(st *Stats) { st.SentSize += n })
		}
		for _, item := range acked {
			item.Frame.Signals().MarkAcked()
		}
		log.Debug().Str("session", s.Name()).Msgf("session.Stateful acked %d blocks, %d in flight", len(acked), s.arq.win.Len())
	case TypeData:
		if s.arq.onData(f) {
			s.updateStats(func(st *Stats) { st.RecvSize += len(f.Payload) })
		} else {
			log.Debug().Str("session", s.Name()).Msgf("session.Stateful duplicate block %d", f.Seq)
		}
		s.appendRead(s.arq.drain())
	case TypeReqAck:
		held := s.arq.onReqAck(f.Payload)
		s.send(&frame.Frame{Type: TypeAck, Payload: held, Compress: s.compressOn()})
	default:
		log.Warn().Str("session", s.Name()).Msgf("session.Stateful unknown block type %d", f.Type)
	}
	s.arq.sample()
}

func (s *Stateful) send(f *frame.Frame) *frame.Frame {
	out, err := s.outgoing(s, f)
	if err != nil {
		log.Warn().Err(err).Str("session", s.Name()).Msg("session.Stateful send failed")
		return nil
	}
	return out
}

// sendBlocks runs one round of the engine. It returns false when the
// worker must exit.
func (s *Stateful) sendBlocks() bool {
	r := s.arq.plan(time.Now())
	if r.empty() {
		return true
	}
	if r.giveUp {
		log.Error().Err(ErrTooManyRetries).Str("session", s.Name()).
			Msgf("session.Stateful giving up after %d ack requests", s.cfg.MaxAttempts)
		s.SetState(StateClosed)
		s.cancelAll()
		return false
	}

	kind := s.Kind().String()
	if len(r.data) == 0 {
		observability.RecordRetry(kind, 1)
		s.send(&frame.Frame{Type: TypeReqAck, Payload: r.reqAck, Compress: s.compressOn()})
		return true
	}
	if r.retries > 0 {
		observability.RecordRetry(kind, r.retries)
		s.updateStats(func(st *Stats) { st.Retries += r.retries })
	}

	txs := make([]*frame.Frame, len(r.data))
	for i, item := range r.data {
		tx := item.Frame
		if item.Attempts > 1 || tx.Signals().IsSent() {
			tx = item.Frame.Copy()
		}
		txs[i] = s.send(tx)
	}
	req := s.send(&frame.Frame{Type: TypeReqAck, Payload: r.reqAck, Compress: s.compressOn()})
	if req == nil {
		return true
	}
	select {
	case <-req.Signals().Sent():
	case <-s.closing:
		return false
	}

	total := 0
	for i, tx := range txs {
		if tx == nil {
			continue
		}
		_, _, size := tx.Signals().Xmit()
		s.arq.win.RecordWire(r.data[i], size)
		total += size
	}
	s.updateStats(func(st *Stats) { st.SentWire += total })
	return true
}

func (s *Stateful) appendRead(chunks [][]byte) {
	if len(chunks) == 0 {
		return
	}
	s.readMu.Lock()
	for _, c := range chunks {
		s.readBuf = append(s.readBuf, c...)
	}
	ch := s.readCh
	s.readCh = make(chan struct{})
	s.readMu.Unlock()
	close(ch)
}

// waitSync blocks while the handshake is in progress.
func (s *Stateful) waitSync(ctx context.Context) error {
	for {
		ch := s.StateChanged()
		if s.State() != StateSync {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stateful) chunk(data []byte) []*frame.Frame {
	bs := s.cfg.BlockSize
	compress := s.compressOn()
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	var blocks []*frame.Frame
	for len(data) > 0 {
		n := bs
		if n > len(data) {
			n = len(data)
		}
		f := &frame.Frame{
			Seq:      uint16(s.oseq),
			Type:     TypeData,
			Payload:  append([]byte(nil), data[:n]...),
			Compress: compress,
		}
		f.Signals()
		blocks = append(blocks, f)
		s.oseq++
		data = data[n:]
	}
	return blocks
}

// writeBlocks queues data and returns the number of payload bytes the
// peer acknowledged. timeout == 0 returns once queued; a negative timeout
// waits for every ack without limit.
func (s *Stateful) writeBlocks(data []byte, timeout time.Duration) (int, error) {
	if err := s.waitSync(context.Background()); err != nil {
		return 0, err
	}
	if s.State() != StateOpen {
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, s.Name())
	}
	blocks := s.chunk(data)
	if len(blocks) == 0 {
		return 0, nil
	}
	select {
	case s.writes <- blocks:
	case <-s.closing:
		for _, f := range blocks {
			f.Signals().Cancel()
		}
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, s.Name())
	}
	if timeout == 0 {
		return len(data), nil
	}
	if timeout < 0 {
		timeout = 0
	}

	acked := 0
	for _, b := range blocks {
		sig := b.Signals()
		select {
		case <-sig.Sent():
		case <-s.done:
			return acked, nil
		}
		if sig.Canceled() {
			break
		}
		if !waitOn(sig.Acked(), timeout, s.done) || !sig.IsAcked() {
			log.Debug().Str("session", s.Name()).Msgf("session.Stateful block %d not acked", b.Seq)
			break
		}
		acked += len(b.Payload)
	}
	return acked, nil
}

// WriteTimeout sends data and waits up to timeout per block for the peer to
// acknowledge it. It stops waiting early, without error, once a block is
// lost or the session closes. A non-positive timeout only queues the data.
func (s *Stateful) WriteTimeout(data []byte, timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	_, err := s.writeBlocks(data, timeout)
	return err
}

// Write implements io.Writer. It blocks until every block is acknowledged
// or the session closes.
func (s *Stateful) Write(p []byte) (int, error) {
	n, err := s.writeBlocks(p, -1)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, fmt.Errorf("%w: %s", ErrSessionClosed, s.Name())
	}
	return n, nil
}

func (s *Stateful) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext returns buffered stream data, blocking until some arrives.
// Data received before close is still returned after it.
func (s *Stateful) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := s.waitSync(ctx); err != nil {
		return 0, err
	}
	for {
		stateCh := s.StateChanged()
		s.readMu.Lock()
		if len(s.readBuf) > 0 {
			n := copy(p, s.readBuf)
			s.readBuf = s.readBuf[n:]
			s.readMu.Unlock()
			return n, nil
		}
		dataCh := s.readCh
		s.readMu.Unlock()

		if s.State() != StateOpen {
			return 0, fmt.Errorf("%w: %s", ErrSessionClosed, s.Name())
		}
		select {
		case <-dataCh:
		case <-stateCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Buffered reports how many received bytes are waiting to be read.
func (s *Stateful) Buffered() int {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return len(s.readBuf)
}
