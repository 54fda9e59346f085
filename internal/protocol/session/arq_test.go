package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/testutil/testlog"
)

func testARQ(mut func(*Config)) *arq {
	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	return newARQ(cfg.WithDefaults())
}

func dataBlocks(n int) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = &frame.Frame{Seq: uint16(i), Type: TypeData, Payload: []byte{byte('a' + i%26)}}
	}
	return out
}

func recordWire(a *arq, items []*Inflight, size int) {
	for _, item := range items {
		a.win.RecordWire(item, size)
	}
}

func TestQueueNextClampsWindow(t *testing.T) {
	testlog.Start(t)
	a := testARQ(func(c *Config) { c.BlockSize = 1024; c.OutLimit = 8 })
	a.push(dataBlocks(10)...)

	a.queueNext()
	if got := a.win.Len(); got != 4 {
		t.Fatalf("expected window capped at 4096/1024 blocks, got %d", got)
	}

	a.fullAcks = -20
	a.queueNext()
	if got := a.win.Len(); got != 2 {
		t.Fatalf("expected window floor of 2, got %d", got)
	}
	if got := a.queue[0].Seq; got != 2 {
		t.Fatalf("expected requeued blocks at the front, head seq=%d", got)
	}
	if got := len(a.queue); got != 8 {
		t.Fatalf("expected 8 queued blocks, got %d", got)
	}
}

func TestQueueNextPausesAtRollover(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	a.push(
		&frame.Frame{Seq: 254, Type: TypeData},
		&frame.Frame{Seq: 255, Type: TypeData},
		&frame.Frame{Seq: 0, Type: TypeData},
	)
	a.queueNext()
	if got := a.win.Seqs(); !bytes.Equal(got, []byte{254, 255}) {
		t.Fatalf("expected window to stop before seq 0, got %v", got)
	}
	a.onAck([]byte{254, 255}, time.Now())
	a.queueNext()
	if got := a.win.Seqs(); !bytes.Equal(got, []byte{0}) {
		t.Fatalf("expected seq 0 once window drained, got %v", got)
	}
}

func TestPlanSendsWindowThenRepeatsAckRequest(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	a.push(dataBlocks(3)...)
	now := time.Now()

	r := a.plan(now)
	if len(r.data) != 3 || !bytes.Equal(r.reqAck, []byte{0, 1, 2}) || r.retries != 0 {
		t.Fatalf("unexpected first round: data=%d req=%v retries=%d", len(r.data), r.reqAck, r.retries)
	}
	recordWire(a, r.data, 60)

	if r := a.plan(now.Add(time.Second)); !r.empty() {
		t.Fatalf("expected no round before the round timeout")
	}

	r = a.plan(now.Add(13 * time.Second))
	if len(r.data) != 0 || !bytes.Equal(r.reqAck, []byte{0, 1, 2}) {
		t.Fatalf("expected ack request only, got data=%d req=%v", len(r.data), r.reqAck)
	}
	if a.attempts != 1 || a.fullAcks != -1 {
		t.Fatalf("expected attempts=1 fullAcks=-1, got %d %d", a.attempts, a.fullAcks)
	}
	if want := now.Add(13*time.Second + 8*time.Second); !a.ackDeadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, a.ackDeadline)
	}
	if r := a.plan(now.Add(20 * time.Second)); !r.empty() {
		t.Fatalf("expected no round before the ack deadline")
	}
}

func TestPartialAckRetransmitsRemainder(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	blocks := dataBlocks(4)
	a.push(blocks...)
	now := time.Now()

	r := a.plan(now)
	if len(r.data) != 4 {
		t.Fatalf("expected 4 blocks in the first round, got %d", len(r.data))
	}
	recordWire(a, r.data, 60)
	acked := a.onAck([]byte{0, 2}, now.Add(time.Second))
	if len(acked) != 2 {
		t.Fatalf("expected 2 blocks released, got %d", len(acked))
	}
	if acked[0].Frame != blocks[0] || acked[1].Frame != blocks[2] {
		t.Fatalf("released blocks do not match the ACK payload")
	}
	if got := a.win.Seqs(); !bytes.Equal(got, []byte{1, 3}) {
		t.Fatalf("expected seqs [1 3] outstanding, got %v", got)
	}
	if a.fullAcks != -1 {
		t.Fatalf("expected credit to shrink after a partial ack, got %d", a.fullAcks)
	}

	if r := a.plan(now.Add(2 * time.Second)); !r.empty() {
		t.Fatalf("expected remainder held until the round timeout")
	}
	r = a.plan(now.Add(13 * time.Second))
	if len(r.data) != 2 || r.data[0].Frame != blocks[1] || r.data[1].Frame != blocks[3] {
		t.Fatalf("expected seqs 1 and 3 resent, got %d blocks", len(r.data))
	}
	if r.retries != 2 {
		t.Fatalf("expected 2 retries, got %d", r.retries)
	}
	if !bytes.Equal(r.reqAck, []byte{1, 3}) {
		t.Fatalf("expected request for [1 3], got %v", r.reqAck)
	}
}

func TestFullAcksGrowCredit(t *testing.T) {
	testlog.Start(t)
	a := testARQ(func(c *Config) { c.BlockSize = 128; c.OutLimit = 2 })
	now := time.Now()
	for i := 0; i < 3; i++ {
		a.push(&frame.Frame{Seq: uint16(i * 10), Type: TypeData})
		r := a.plan(now)
		a.onAck(r.reqAck, now)
	}
	if a.fullAcks != 3 || a.limit() != 5 {
		t.Fatalf("expected credit 3 and limit 5, got %d %d", a.fullAcks, a.limit())
	}

	a.fullAcks = -3
	a.push(dataBlocks(2)...)
	a.plan(now)
	a.onAck(nil, now)
	if a.fullAcks != -4 {
		t.Fatalf("expected negative credit to keep falling, got %d", a.fullAcks)
	}
	a.onAck([]byte{0, 1}, now)
	if a.fullAcks != 0 {
		t.Fatalf("expected full ack to reset negative credit, got %d", a.fullAcks)
	}
}

func TestPlanGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	a := testARQ(func(c *Config) { c.MaxAttempts = 2 })
	a.push(dataBlocks(1)...)
	now := time.Now()
	r := a.plan(now)
	recordWire(a, r.data, 40)

	for i, at := range []time.Duration{13 * time.Second, 30 * time.Second} {
		r = a.plan(now.Add(at))
		if r.giveUp || r.reqAck == nil {
			t.Fatalf("attempt %d: expected ack request", i+1)
		}
	}
	if r = a.plan(now.Add(time.Minute)); !r.giveUp {
		t.Fatalf("expected give up after %d attempts", a.cfg.MaxAttempts)
	}
}

func TestDueUsesMeasuredRate(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	a.push(dataBlocks(1)...)
	now := time.Now()
	r := a.plan(now)
	recordWire(a, r.data, 2000)

	// 1.5 * 2000 bytes at 80 B/s is 37.5s.
	if a.due(now.Add(30 * time.Second)) {
		t.Fatalf("expected round not due at assumed rate")
	}
	if !a.due(now.Add(38 * time.Second)) {
		t.Fatalf("expected round due after 37.5s")
	}
	a.rate = 1000
	if a.due(now.Add(11 * time.Second)) || !a.due(now.Add(12 * time.Second)) {
		t.Fatalf("expected the minimum round timeout to apply")
	}
}

func TestSampleUpdatesRate(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	now := time.Now()
	a.measure = rttSample{start: now}
	a.noteInbound(100)
	a.onAck(nil, now.Add(time.Second))
	a.sample()
	if a.rate != 0 {
		t.Fatalf("expected small sample ignored, rate=%v", a.rate)
	}

	a.measure = rttSample{start: now}
	a.noteInbound(800)
	a.onAck(nil, now.Add(2*time.Second))
	a.sample()
	if a.rate != 400 {
		t.Fatalf("expected rate 400 B/s, got %v", a.rate)
	}
	if !a.measure.start.IsZero() {
		t.Fatalf("expected measurement reset")
	}
}

func TestDeliveryOrderIndependentOfArrival(t *testing.T) {
	testlog.Start(t)
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
		{1, 1, 0, 3, 3, 2, 4},
	}
	for _, order := range orders {
		a := testARQ(nil)
		var got []byte
		for _, seq := range order {
			a.onData(&frame.Frame{Seq: uint16(seq), Type: TypeData, Payload: []byte{byte('a' + seq)}})
			for _, chunk := range a.drain() {
				got = append(got, chunk...)
			}
		}
		if string(got) != "abcde" {
			t.Fatalf("order %v delivered %q", order, got)
		}
	}
}

func TestDuplicateBlocksRejected(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	f := &frame.Frame{Seq: 3, Type: TypeData, Payload: []byte("x")}
	if !a.onData(f) {
		t.Fatalf("expected first copy accepted")
	}
	if a.onData(f) {
		t.Fatalf("expected duplicate rejected")
	}
	if got := a.drain(); len(got) != 0 {
		t.Fatalf("expected nothing deliverable past the gap, got %d chunks", len(got))
	}
}

func TestSequenceWrapStartsNewPass(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	total := 0
	for seq := 0; seq < 256; seq++ {
		a.onData(&frame.Frame{Seq: uint16(seq), Type: TypeData, Payload: []byte{1}})
		total += len(a.drain())
	}
	if total != 256 || a.iseq != 255 {
		t.Fatalf("expected 256 blocks delivered, got %d (iseq=%d)", total, a.iseq)
	}
	if !a.onData(&frame.Frame{Seq: 0, Type: TypeData, Payload: []byte("next")}) {
		t.Fatalf("expected seq 0 accepted after 255")
	}
	if got := a.drain(); len(got) != 1 || string(got[0]) != "next" {
		t.Fatalf("unexpected drain after wrap: %q", got)
	}
	if a.onData(&frame.Frame{Seq: 0, Type: TypeData, Payload: []byte("again")}) {
		t.Fatalf("expected seq 0 duplicate rejected in the new pass")
	}
}

// deliverPass feeds seqs first..first+n-1 in order and returns the number of
// chunks drained.
func deliverPass(a *arq, first, n int) int {
	total := 0
	for i := 0; i < n; i++ {
		a.onData(&frame.Frame{Seq: uint16(uint8(first + i)), Type: TypeData, Payload: []byte{1}})
		total += len(a.drain())
	}
	return total
}

func TestSequenceWrapRecoversLostFirstBlock(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	if got := deliverPass(a, 0, 256); got != 256 {
		t.Fatalf("expected 256 blocks delivered, got %d", got)
	}

	// seq 0 of the second pass is lost; seq 1 arrives first.
	if !a.onData(&frame.Frame{Seq: 1, Type: TypeData, Payload: []byte("one")}) {
		t.Fatalf("expected seq 1 of the new pass accepted")
	}
	if got := a.onReqAck([]byte{0, 1}); !bytes.Equal(got, []byte{1}) {
		t.Fatalf("expected only seq 1 acknowledged, got %v", got)
	}
	if got := a.drain(); len(got) != 0 {
		t.Fatalf("expected seq 1 parked behind the gap, got %q", got)
	}

	if !a.onData(&frame.Frame{Seq: 0, Type: TypeData, Payload: []byte("zero")}) {
		t.Fatalf("expected resent seq 0 accepted")
	}
	got := a.drain()
	if len(got) != 2 || string(got[0]) != "zero" || string(got[1]) != "one" {
		t.Fatalf("expected [zero one], got %q", got)
	}
}

func TestFreshReceiverRejectsFarSequences(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	if a.onData(&frame.Frame{Seq: 200, Type: TypeData, Payload: []byte("x")}) {
		t.Fatalf("expected seq 200 outside the initial window")
	}
	if got := a.onReqAck([]byte{200}); len(got) != 0 {
		t.Fatalf("expected no ack for an unseen sequence, got %v", got)
	}
	if !a.onData(&frame.Frame{Seq: 127, Type: TypeData, Payload: []byte("x")}) {
		t.Fatalf("expected seq 127 inside the initial window")
	}
}

func TestReqAckCoversRecentDeliveries(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	if got := deliverPass(a, 0, 200); got != 200 {
		t.Fatalf("expected 200 blocks delivered, got %d", got)
	}
	// 150 is within the last seqSpan deliveries; 60 has been forgotten
	// and now names a block of the next pass.
	if got := a.onReqAck([]byte{60, 150}); !bytes.Equal(got, []byte{150}) {
		t.Fatalf("expected [150], got %v", got)
	}
	if a.onData(&frame.Frame{Seq: 150, Type: TypeData}) {
		t.Fatalf("expected delivered seq 150 rejected")
	}
	if !a.onData(&frame.Frame{Seq: 60, Type: TypeData}) {
		t.Fatalf("expected seq 60 of the next pass accepted")
	}
}

func TestQueueNextBoundsSequenceSpan(t *testing.T) {
	testlog.Start(t)
	a := testARQ(func(c *Config) { c.BlockSize = 32; c.OutLimit = 200 })
	a.push(dataBlocks(200)...)
	now := time.Now()

	a.queueNext()
	if got := a.win.Len(); got != seqSpan {
		t.Fatalf("expected %d blocks in flight, got %d", seqSpan, got)
	}
	rest := make([]byte, 0, seqSpan-1)
	for seq := 1; seq < seqSpan; seq++ {
		rest = append(rest, byte(seq))
	}
	a.onAck(rest, now)
	if got := a.win.Seqs(); !bytes.Equal(got, []byte{0}) {
		t.Fatalf("expected seq 0 outstanding, got %v", got)
	}

	a.queueNext()
	if got := a.win.Len(); got != 1 {
		t.Fatalf("expected no block %d past the oldest unacked one, window=%v", seqSpan, a.win.Seqs())
	}

	a.onAck([]byte{0}, now)
	a.queueNext()
	seqs := a.win.Seqs()
	if len(seqs) != 72 || seqs[0] != 128 || seqs[71] != 199 {
		t.Fatalf("expected seqs 128..199, got %v", seqs)
	}
}

func TestReqAckListsOnlyReceived(t *testing.T) {
	testlog.Start(t)
	a := testARQ(nil)
	a.onData(&frame.Frame{Seq: 0, Type: TypeData})
	a.onData(&frame.Frame{Seq: 2, Type: TypeData})
	if got := a.onReqAck([]byte{0, 1, 2, 3}); !bytes.Equal(got, []byte{0, 2}) {
		t.Fatalf("expected [0 2], got %v", got)
	}
}
