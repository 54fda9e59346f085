package session

import (
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
)

// Stateful frame types.
const (
	TypeSyn    uint8 = 0
	TypeAck    uint8 = 1
	TypeNak    uint8 = 2
	TypeData   uint8 = 4
	TypeReqAck uint8 = 5
)

// seqSpan is how far the sender may run ahead of its oldest unacknowledged
// block. The receiver treats sequences up to seqSpan past the next one it
// expects as new and everything else as already delivered.
const seqSpan = 128

// round is one transmission decision of the ARQ engine.
type round struct {
	data    []*Inflight
	reqAck  []byte
	retries int
	giveUp  bool
}

func (r round) empty() bool {
	return len(r.data) == 0 && r.reqAck == nil && !r.giveUp
}

type rttSample struct {
	start time.Time
	end   time.Time
	size  int
}

// arq is the sliding-window state of one stateful session. It is owned by
// the session worker and does no I/O of its own.
type arq struct {
	cfg Config

	queue         []*frame.Frame
	win           *window
	waitingForAck []byte
	attempts      int
	ackDeadline   time.Time
	fullAcks      int
	lastRound     time.Time
	rate          float64
	measure       rttSample

	iseq int
	seen [256]bool
	ooo  map[uint8][]byte
}

func newARQ(cfg Config) *arq {
	return &arq{
		cfg:  cfg,
		win:  newWindow(),
		iseq: -1,
		ooo:  make(map[uint8][]byte),
	}
}

func (a *arq) push(blocks ...*frame.Frame) {
	a.queue = append(a.queue, blocks...)
}

// outstanding reports whether any block is queued or unacknowledged.
func (a *arq) outstanding() bool {
	return len(a.queue) > 0 || a.win.Len() > 0
}

// limit is the current window size in blocks.
func (a *arq) limit() int {
	limit := a.cfg.OutLimit + a.fullAcks
	hard := a.cfg.hardLimit()
	if limit < 2 {
		limit = 2
	} else if limit > hard {
		limit = hard
	}
	return limit
}

// queueNext moves blocks from the queue into the window until it holds
// limit() blocks. A shrunken window hands its newest blocks back to the
// front of the queue. Filling stops at sequence 0 while older blocks are
// still in flight, and at seqSpan past the oldest one, so the receiver
// never sees two blocks with one number.
func (a *arq) queueNext() {
	count := a.limit() - a.win.Len()
	if count < 0 {
		for ; count < 0; count++ {
			f := a.win.PopTail()
			if f == nil {
				break
			}
			a.queue = append([]*frame.Frame{f}, a.queue...)
		}
		return
	}
	for ; count > 0 && len(a.queue) > 0; count-- {
		f := a.queue[0]
		if head, ok := a.win.Head(); ok {
			if f.Seq == 0 || uint8(f.Seq)-head >= seqSpan {
				break
			}
		}
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.win.Push(f)
	}
}

func (a *arq) currentRate() float64 {
	if a.rate > 0 {
		return a.rate
	}
	return a.cfg.AssumedRate
}

// due reports whether the current window should be (re)sent.
func (a *arq) due(now time.Time) bool {
	if a.lastRound.IsZero() {
		return true
	}
	pending := a.win.PendingBytes()
	if pending == 0 {
		return true
	}
	if a.attempts > 0 {
		return !now.Before(a.ackDeadline)
	}
	timeout := time.Duration(1.5 * float64(pending) / a.currentRate() * float64(time.Second))
	if timeout < a.cfg.MinRoundTimeout {
		timeout = a.cfg.MinRoundTimeout
	}
	return now.Sub(a.lastRound) >= timeout
}

// plan decides what to transmit at now. An unanswered ack request is
// repeated alone with a growing deadline; otherwise the whole window goes
// out followed by a request listing every sequence in it.
func (a *arq) plan(now time.Time) round {
	if a.win.Len() > 0 && !a.due(now) {
		return round{}
	}
	a.queueNext()
	if a.win.Len() == 0 {
		return round{}
	}
	if a.attempts >= a.cfg.MaxAttempts {
		return round{giveUp: true}
	}

	if a.waitingForAck != nil {
		if a.fullAcks > 0 {
			a.fullAcks = 0
		} else {
			a.fullAcks--
		}
		a.attempts++
		a.ackDeadline = now.Add(a.cfg.AckRetryBase + time.Duration(a.attempts)*a.cfg.AckRetryStep)
		return round{reqAck: append([]byte(nil), a.waitingForAck...)}
	}

	a.measure = rttSample{start: now}
	a.lastRound = now
	items := a.win.snapshot()
	retries := a.win.MarkAttempt(now)
	seqs := a.win.Seqs()
	a.waitingForAck = seqs
	return round{
		data:    items,
		reqAck:  append([]byte(nil), seqs...),
		retries: retries,
	}
}

// onAck applies an ACK listing the sequences the peer holds and returns
// the blocks it released; the caller marks them acked. The credit grows
// after a fully acknowledged window and shrinks after a partial one.
func (a *arq) onAck(seqs []byte, now time.Time) []*Inflight {
	a.attempts = 0
	a.measure.end = now
	a.waitingForAck = nil
	a.measure.size += a.win.PendingBytes()

	acked := a.win.Ack(seqs)
	if a.win.Len() == 0 {
		if a.fullAcks >= 0 {
			a.fullAcks++
		} else {
			a.fullAcks = 0
		}
	} else {
		if a.fullAcks > 0 {
			a.fullAcks = 0
		} else {
			a.fullAcks--
		}
	}
	return acked
}

// expected reports whether seq lies in the receive window that starts at
// the next undelivered sequence.
func (a *arq) expected(seq uint8) bool {
	next := uint8(a.iseq + 1)
	return seq-next < seqSpan
}

// onData stores an inbound block and reports whether it was new. Blocks
// behind the receive window were delivered already.
func (a *arq) onData(f *frame.Frame) bool {
	seq := uint8(f.Seq)
	if !a.expected(seq) || a.seen[seq] {
		return false
	}
	a.seen[seq] = true
	a.ooo[seq] = f.Payload
	return true
}

// drain returns the contiguous run of blocks following the last delivered
// sequence. Each delivery slides the receive window by one, forgetting the
// sequence that enters it from the far edge.
func (a *arq) drain() [][]byte {
	var out [][]byte
	for {
		next := uint8(a.iseq + 1)
		data, ok := a.ooo[next]
		if !ok {
			return out
		}
		delete(a.ooo, next)
		out = append(out, data)
		a.iseq = int(next)
		a.seen[next+seqSpan] = false
	}
}

// onReqAck returns the requested sequences already received, either
// parked or delivered within the last seqSpan.
func (a *arq) onReqAck(seqs []byte) []byte {
	held := make([]byte, 0, len(seqs))
	for _, s := range seqs {
		if a.seen[s] {
			held = append(held, s)
		}
	}
	return held
}

// noteInbound counts received wire bytes toward the rate sample.
func (a *arq) noteInbound(size int) {
	a.measure.size += size
}

// sample folds a completed round trip into the link rate estimate.
func (a *arq) sample() {
	if a.measure.end.IsZero() || a.measure.start.IsZero() {
		return
	}
	rtt := a.measure.end.Sub(a.measure.start)
	if a.measure.size > a.cfg.MinRateSample && rtt > 0 {
		a.rate = float64(a.measure.size) / rtt.Seconds()
	}
	a.measure = rttSample{}
}

// pendingFrames returns every block not yet acknowledged.
func (a *arq) pendingFrames() []*frame.Frame {
	out := make([]*frame.Frame, 0, len(a.queue)+a.win.Len())
	for _, item := range a.win.snapshot() {
		out = append(out, item.Frame)
	}
	return append(out, a.queue...)
}
