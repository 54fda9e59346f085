package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ratslink/internal/pipe"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/testutil/testlog"
	"github.com/danmuck/ratslink/internal/transport"
)

func fastOptions(mut func(*Config)) Options {
	topts := transport.DefaultOptions()
	topts.WarmupTimeout = 0
	cfg := DefaultConfig()
	cfg.BlockSize = 512
	cfg.ShortSleep = 20 * time.Millisecond
	cfg.MinRoundTimeout = 300 * time.Millisecond
	cfg.AckRetryBase = 100 * time.Millisecond
	cfg.AckRetryStep = 100 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.Handshake = HandshakeConfig{
		NewAttempts:  5,
		SendTimeout:  time.Second,
		SyncWait:     500 * time.Millisecond,
		SyncWaitLong: 500 * time.Millisecond,
		EndAttempts:  3,
		EndWait:      500 * time.Millisecond,
		SyncPoll:     50 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	return Options{Transport: topts, Session: cfg}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan struct{}, 64)}
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *eventLog) waitFor(t *testing.T, reason Reason) Session {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		l.mu.Lock()
		for _, ev := range l.events {
			if ev.Reason == reason {
				l.mu.Unlock()
				return ev.Session
			}
		}
		l.mu.Unlock()
		select {
		case <-l.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", reason)
		}
	}
}

func managerPair(t *testing.T, mut func(*Config)) (*Manager, *Manager) {
	t.Helper()
	a, b := pipe.NewLoopbackPair("a", "b")
	ma := NewManager(a, "KK7DS", fastOptions(mut))
	mb := NewManager(b, "N0CALL", fastOptions(mut))
	t.Cleanup(func() {
		ma.Shutdown(true)
		mb.Shutdown(true)
	})
	return ma, mb
}

func waitState(t *testing.T, s Session, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		ch := s.StateChanged()
		if s.State() == want {
			return
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s, state=%s", s.Name(), want, s.State())
		}
	}
}

func TestHandshakeStreamAndClose(t *testing.T) {
	testlog.Start(t)
	ma, mb := managerPair(t, nil)
	events := newEventLog()
	mb.RegisterObserver(events.observe)

	s, err := ma.StartSession("xfer", "N0CALL", KindStateful)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("expected OPEN after handshake, got %s", s.State())
	}
	peer := events.waitFor(t, ReasonNewIn)
	if peer.Station() != "KK7DS" || peer.Name() != "xfer" {
		t.Fatalf("unexpected peer session %s", peer)
	}
	if rid, ok := s.RemoteID(); !ok || rid != peer.ID() {
		t.Fatalf("expected remote id %d bound, got %d %v", peer.ID(), rid, ok)
	}

	payload := bytes.Repeat([]byte("0123456789abcdef"), 400)
	sa := s.(*Stateful)
	n, err := sa.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	sb := peer.(*Stateful)
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 2048)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(got) < len(payload) {
		n, err := sb.ReadContext(ctx, buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream corrupted")
	}
	if st := sa.Stats(); st.SentSize != len(payload) || st.SentWire == 0 {
		t.Fatalf("unexpected sender stats %+v", st)
	}
	if st := sb.Stats(); st.RecvSize != len(payload) {
		t.Fatalf("unexpected receiver stats %+v", st)
	}

	if err := sa.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sa.State() != StateClosed {
		t.Fatalf("expected CLOSED after close, got %s", sa.State())
	}
	if ma.Session(sa.ID()) != nil {
		t.Fatalf("expected session removed from the table")
	}
	events.waitFor(t, ReasonEnd)
	waitState(t, sb, StateClosed)
	if _, err := sb.ReadContext(ctx, buf); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestWriteBeforeOpenFails(t *testing.T) {
	testlog.Start(t)
	s := NewStateful("loose", DefaultConfig())
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	s.shutdown()
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected done closed for a session that never started")
	}
}

func TestHandshakeFailsWithoutPeer(t *testing.T) {
	testlog.Start(t)
	a, _ := pipe.NewLoopbackPair("a", "b")
	m := NewManager(a, "KK7DS", fastOptions(func(c *Config) {
		c.Handshake.NewAttempts = 2
		c.Handshake.SyncWait = 50 * time.Millisecond
		c.Handshake.SyncWaitLong = 50 * time.Millisecond
	}))
	defer m.Shutdown(true)

	s, err := m.StartSession("lonely", "W1AW", KindStateful)
	if !errors.Is(err, ErrHandshakeFailed) || s != nil {
		t.Fatalf("expected handshake failure, got %v %v", s, err)
	}
	if got := len(m.Sessions()); got != 1 {
		t.Fatalf("expected only the control session, got %d", got)
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	testlog.Start(t)
	ma, _ := managerPair(t, func(c *Config) { c.IdleTimeout = 500 * time.Millisecond })
	s, err := ma.StartSession("idle", "N0CALL", KindStateful)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	events := newEventLog()
	ma.RegisterObserver(events.observe)
	waitState(t, s, StateClosed)
	select {
	case <-s.(*Stateful).Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after idle timeout")
	}
	if ended := events.waitFor(t, ReasonEnd); ended != s {
		t.Fatalf("expected end event for %s, got %v", s, ended)
	}
	if got := ma.Session(s.ID()); got != nil {
		t.Fatalf("idle session still registered: %s", got)
	}
}

func rawPeer(t *testing.T, p pipe.Pipe) (*transport.Transport, *ackCollector) {
	t.Helper()
	acks := &ackCollector{ch: make(chan struct{}, 8)}
	topts := transport.DefaultOptions()
	topts.WarmupTimeout = 0
	topts.Handler = acks.handle
	raw := transport.New(p, topts)
	raw.Start()
	t.Cleanup(raw.Disable)
	return raw, acks
}

func sendNew(t *testing.T, raw *transport.Transport, acks *ackCollector, rid uint8) []byte {
	t.Helper()
	raw.Send(&frame.Frame{
		Session: ControlID,
		Type:    ControlNew + uint8(KindStateful),
		Source:  "KK7DS",
		Dest:    "N0CALL",
		Payload: []byte{rid, 'x'},
	})
	select {
	case <-acks.ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("no ACK for NEW %d", rid)
	}
	acks.mu.Lock()
	defer acks.mu.Unlock()
	return acks.acks[len(acks.acks)-1]
}

func TestNewAfterIdleCloseOpensFreshSession(t *testing.T) {
	testlog.Start(t)
	a, b := pipe.NewLoopbackPair("a", "b")
	m := NewManager(b, "N0CALL", fastOptions(func(c *Config) { c.IdleTimeout = 300 * time.Millisecond }))
	defer m.Shutdown(true)
	raw, acks := rawPeer(t, a)

	rid := uint8(9)
	first := sendNew(t, raw, acks, rid)
	old := m.GetSession(Selector{RemoteID: &rid, Station: "KK7DS"})
	if old == nil {
		t.Fatalf("no session for first NEW")
	}
	waitState(t, old, StateClosed)
	deadline := time.Now().Add(3 * time.Second)
	for m.Session(old.ID()) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("idle session %s never left the table", old)
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := sendNew(t, raw, acks, rid)
	if second[1] == first[1] {
		t.Fatalf("expected a new local id, got %d twice", first[1])
	}
	s := m.GetSession(Selector{RemoteID: &rid, Station: "KK7DS"})
	if s == nil || s == old || s.ID() != second[1] || s.State() != StateOpen {
		t.Fatalf("expected fresh open session, got %v", s)
	}
}

func TestNewReplacesClosedSession(t *testing.T) {
	testlog.Start(t)
	a, b := pipe.NewLoopbackPair("a", "b")
	m := NewManager(b, "N0CALL", fastOptions(nil))
	defer m.Shutdown(true)
	raw, acks := rawPeer(t, a)

	rid := uint8(9)
	first := sendNew(t, raw, acks, rid)
	old := m.GetSession(Selector{RemoteID: &rid, Station: "KK7DS"})
	if old == nil {
		t.Fatalf("no session for first NEW")
	}
	old.base().SetState(StateClosed)

	second := sendNew(t, raw, acks, rid)
	if second[1] == first[1] {
		t.Fatalf("closed session %d was re-acked", first[1])
	}
	select {
	case <-old.(*Stateful).Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("closed session worker still running")
	}
	s := m.GetSession(Selector{RemoteID: &rid, Station: "KK7DS"})
	if s == nil || s == old || s.State() != StateOpen {
		t.Fatalf("expected fresh open session, got %v", s)
	}
	if got := len(m.Sessions()); got != 2 {
		t.Fatalf("expected one session besides control, got %d", got)
	}
}

type ackCollector struct {
	mu   sync.Mutex
	acks [][]byte
	ch   chan struct{}
}

func (c *ackCollector) handle(f *frame.Frame) {
	if f.Session != ControlID || f.Type != ControlAck {
		return
	}
	c.mu.Lock()
	c.acks = append(c.acks, append([]byte(nil), f.Payload...))
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func TestDuplicateNewIsIdempotent(t *testing.T) {
	testlog.Start(t)
	a, b := pipe.NewLoopbackPair("a", "b")
	m := NewManager(b, "N0CALL", fastOptions(nil))
	defer m.Shutdown(true)

	acks := &ackCollector{ch: make(chan struct{}, 8)}
	topts := transport.DefaultOptions()
	topts.WarmupTimeout = 0
	topts.Handler = acks.handle
	raw := transport.New(a, topts)
	raw.Start()
	defer raw.Disable()

	for i := 0; i < 2; i++ {
		raw.Send(&frame.Frame{
			Session: ControlID,
			Type:    ControlNew + uint8(KindStateful),
			Source:  "KK7DS",
			Dest:    "N0CALL",
			Payload: []byte{9, 'x'},
		})
		select {
		case <-acks.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("no ACK for NEW %d", i+1)
		}
	}

	acks.mu.Lock()
	defer acks.mu.Unlock()
	if len(acks.acks) != 2 || !bytes.Equal(acks.acks[0], acks.acks[1]) || acks.acks[0][0] != 9 {
		t.Fatalf("expected two identical ACKs, got %v", acks.acks)
	}
	if got := len(m.Sessions()); got != 2 {
		t.Fatalf("expected one session besides control, got %d", got)
	}
	rid := uint8(9)
	s := m.GetSession(Selector{RemoteID: &rid, Station: "KK7DS"})
	if s == nil || s.ID() != acks.acks[0][1] || s.State() != StateOpen {
		t.Fatalf("unexpected session for the NEW request: %v", s)
	}
}

func TestIncomingRouting(t *testing.T) {
	testlog.Start(t)
	a, _ := pipe.NewLoopbackPair("a", "b")
	m := NewManager(a, "N0CALL", fastOptions(nil))
	defer m.Shutdown(true)

	s := NewStateless("chat")
	if err := m.Attach(s, 1, ""); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.Attach(NewStateless("dup"), 1, ""); !errors.Is(err, ErrSessionIDInUse) {
		t.Fatalf("expected id in use, got %v", err)
	}
	bound := NewStatefulKind("bound", KindStateful, m.Config())
	if err := m.Attach(bound, 7, "W1AW"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	m.Incoming(&frame.Frame{Session: 1, Source: "KK7DS", Dest: "W1AW", Payload: []byte("text")})
	m.Incoming(&frame.Frame{Session: 1, Source: "N0CALL", Dest: frame.Broadcast, Payload: []byte("loop")})
	m.Incoming(&frame.Frame{Session: 7, Source: "KK7DS", Dest: "N0CALL", Type: TypeData})
	m.Incoming(&frame.Frame{Session: 42, Source: "KB1ABC", Dest: "N0CALL", Payload: []byte("nobody")})
	m.Incoming(&frame.Frame{Session: 1, Source: "KK7DS", Dest: frame.Broadcast, Payload: []byte("hello")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src, dst, data, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if src != "KK7DS" || dst != "W1AW" || string(data) != "text" {
		t.Fatalf("expected session 1 to accept traffic for other stations, got %s->%s %q", src, dst, data)
	}
	_, _, data, err = s.Read(ctx)
	if err != nil || string(data) != "hello" {
		t.Fatalf("expected looped frame dropped, got %q %v", data, err)
	}
	if st := bound.Stats(); st.RecvWire != 0 {
		t.Fatalf("expected frame from wrong station dropped")
	}

	heard := m.HeardStations()
	for _, call := range []string{"KK7DS", "KB1ABC", "N0CALL"} {
		if _, ok := heard[call]; !ok {
			t.Fatalf("expected %s in heard list: %v", call, heard)
		}
	}
}

func TestAllocateID(t *testing.T) {
	testlog.Start(t)
	m := &Manager{sessions: map[uint8]Session{0: nil, 2: nil, 3: nil}, nextID: firstDynamicID}
	id, err := m.allocateID()
	if err != nil || id != 4 {
		t.Fatalf("expected id 4, got %d %v", id, err)
	}

	m.nextID = int(SnifferID) - 1
	if id, err = m.allocateID(); err != nil || id != SnifferID-1 {
		t.Fatalf("expected id %d, got %d %v", SnifferID-1, id, err)
	}
	delete(m.sessions, 3)
	if id, err = m.allocateID(); err != nil || id != 3 {
		t.Fatalf("expected freed id 3 after counter exhausted, got %d %v", id, err)
	}

	for i := firstDynamicID; i < int(SnifferID); i++ {
		m.sessions[uint8(i)] = nil
	}
	if _, err := m.allocateID(); !errors.Is(err, ErrNoFreeSessionID) {
		t.Fatalf("expected ErrNoFreeSessionID with chat and sniffer ids free, got %v", err)
	}
}

func TestNewManagerSkipsReservedIDs(t *testing.T) {
	testlog.Start(t)
	a, _ := pipe.NewLoopbackPair("a", "b")
	m := NewManager(a, "N0CALL", fastOptions(nil))
	defer m.Shutdown(true)

	seen := map[uint8]bool{}
	for i := 0; i < 300; i++ {
		s, err := m.StartSession(fmt.Sprintf("s%d", i), "", KindStateless)
		if errors.Is(err, ErrNoFreeSessionID) {
			break
		}
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		seen[s.ID()] = true
	}
	for _, id := range []uint8{ControlID, transport.TextSession, SnifferID, 255} {
		if seen[id] {
			t.Fatalf("allocated reserved id %d", id)
		}
	}
	if len(seen) != int(SnifferID)-firstDynamicID {
		t.Fatalf("expected %d dynamic ids, got %d", int(SnifferID)-firstDynamicID, len(seen))
	}
}

func TestObserversReplayAndRecover(t *testing.T) {
	testlog.Start(t)
	a, _ := pipe.NewLoopbackPair("a", "b")
	m := NewManager(a, "N0CALL", fastOptions(nil))
	defer m.Shutdown(true)

	m.RegisterObserver(func(Event) { panic("boom") })
	events := newEventLog()
	m.RegisterObserver(events.observe)
	if s := events.waitFor(t, ReasonNewExisting); s.ID() != ControlID {
		t.Fatalf("expected control session replayed, got %s", s)
	}

	s, err := m.StartSession("bcast", "", KindStateless)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateOpen || s.Station() != frame.Broadcast {
		t.Fatalf("expected open broadcast session, got %s", s)
	}
	events.waitFor(t, ReasonNewOut)
	if !m.EndSession(s.ID()) {
		t.Fatalf("expected session removed")
	}
	events.waitFor(t, ReasonEnd)
	if _, err := m.StartSession("bogus", "", Kind(99)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSnifferSummaries(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		f    *frame.Frame
		want string
	}{
		{&frame.Frame{Session: 1, Payload: []byte("hi")}, "(chat: hi)"},
		{&frame.Frame{Session: 0, Type: ControlAck, Payload: []byte{3, 4}}, "Control: ACK Local:3 Remote:4"},
		{&frame.Frame{Session: 0, Type: ControlEnd, Payload: []byte("12")}, "Control: END session 12"},
		{&frame.Frame{Session: 0, Type: 5, Payload: []byte("\x02doc.txt")}, "Control: NEW session 2: 'doc.txt' (File)"},
		{&frame.Frame{Session: 0, Type: 42, Payload: []byte("\x02x")}, "Control: NEW session 2: 'x' (Unknown type 42)"},
		{&frame.Frame{Session: 9, Payload: []byte("abc")}, "(S:9 L:3)"},
	}
	for _, tc := range cases {
		if got := Summarize(tc.f); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}

	var records []SniffRecord
	sn := NewSniffer(func(r SniffRecord) { records = append(records, r) })
	sn.handle(transport.Warmup(4))
	sn.handle(&frame.Frame{Session: 1, Source: "KK7DS", Dest: "CQCQCQ", Payload: []byte("yo")})
	if len(records) != 1 || records[0].Summary != "KK7DS->CQCQCQ (chat: yo)" {
		t.Fatalf("unexpected sniff records %+v", records)
	}
}
