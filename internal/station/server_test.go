package station

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ratslink/internal/pipe"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/sessions"
	"github.com/danmuck/ratslink/internal/testutil/testlog"
	"github.com/danmuck/ratslink/internal/transport"
	"github.com/gin-gonic/gin"
)

func testOptions() session.Options {
	topts := transport.DefaultOptions()
	topts.WarmupTimeout = 0
	return session.Options{Transport: topts, Session: session.DefaultConfig()}
}

type fixture struct {
	srv   *Server
	local *session.Manager
	peer  *session.Manager
	got   chan string
}

func newFixture(t *testing.T, withChat bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a, b := pipe.NewLoopbackPair("a", "b")
	ma := session.NewManager(a, "KK7DS", testOptions())
	mb := session.NewManager(b, "N0CALL", testOptions())
	t.Cleanup(func() {
		ma.Shutdown(true)
		mb.Shutdown(true)
	})

	fx := &fixture{local: ma, peer: mb, got: make(chan string, 16)}
	peerChat := sessions.NewChat(sessions.ChatHandlers{
		Message: func(src, _, text string) { fx.got <- src + ":" + text },
		PingRequest: func(src, _, desc string) {
			fx.got <- "ping:" + src
		},
	})
	if err := mb.Attach(peerChat, sessions.ChatID, ""); err != nil {
		t.Fatalf("attach peer chat: %v", err)
	}

	var chat *sessions.Chat
	if withChat {
		chat = sessions.NewChat(sessions.ChatHandlers{})
		if err := ma.Attach(chat, sessions.ChatID, ""); err != nil {
			t.Fatalf("attach chat: %v", err)
		}
	}
	fx.srv = New(ma, chat, nil)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (fx *fixture) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-fx.got:
		if got != want {
			t.Fatalf("peer got %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer never got %q", want)
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	testlog.Start(t)
	fx := newFixture(t, true)

	rr := fx.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health: got %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["station"] != "KK7DS" || body["status"] != "ok" {
		t.Fatalf("health body: %#v", body)
	}

	if rr := fx.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = fx.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ratslink_session_active") {
		t.Fatalf("metrics missing session gauge")
	}
}

func TestSessionsListing(t *testing.T) {
	testlog.Start(t)
	fx := newFixture(t, true)

	rr := fx.do(t, http.MethodGet, "/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sessions: got %d", rr.Code)
	}
	var body struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("expected control and chat, got %+v", body.Sessions)
	}
	if body.Sessions[0].ID != session.ControlID || body.Sessions[1].ID != sessions.ChatID {
		t.Fatalf("unexpected order: %+v", body.Sessions)
	}
	if body.Sessions[1].Name != "chat" || body.Sessions[1].Station != "CQCQCQ" {
		t.Fatalf("chat row: %+v", body.Sessions[1])
	}

	if rr := fx.do(t, http.MethodDelete, "/sessions/0", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("closing control: got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodDelete, "/sessions/99", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("closing unknown: got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodDelete, "/sessions/x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("closing bad id: got %d", rr.Code)
	}
}

func TestChatAndPing(t *testing.T) {
	testlog.Start(t)
	fx := newFixture(t, true)

	if rr := fx.do(t, http.MethodPost, "/chat", `{"text":"hello from the api"}`); rr.Code != http.StatusOK {
		t.Fatalf("chat: got %d body=%s", rr.Code, rr.Body.String())
	}
	fx.expect(t, "KK7DS:hello from the api")

	if rr := fx.do(t, http.MethodPost, "/ping/n0call", ""); rr.Code != http.StatusOK {
		t.Fatalf("ping: got %d body=%s", rr.Code, rr.Body.String())
	}
	fx.expect(t, "ping:KK7DS")

	if rr := fx.do(t, http.MethodPost, "/chat", `{"dest":"N0CALL"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty chat: got %d", rr.Code)
	}
}

func TestChatUnavailable(t *testing.T) {
	testlog.Start(t)
	fx := newFixture(t, false)

	if rr := fx.do(t, http.MethodPost, "/chat", `{"text":"hi"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("chat without session: got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodPost, "/ping/N0CALL", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ping without session: got %d", rr.Code)
	}
}

func TestStationsOrder(t *testing.T) {
	testlog.Start(t)
	fx := newFixture(t, false)

	fx.local.MarkHeard("W1AW")
	time.Sleep(10 * time.Millisecond)
	fx.local.MarkHeard("N0CALL")
	fx.local.MarkHeard("CQCQCQ")

	list := fx.srv.Stations(time.Now())
	if len(list) != 2 {
		t.Fatalf("expected two stations, got %+v", list)
	}
	if list[0].Callsign != "N0CALL" || list[1].Callsign != "W1AW" {
		t.Fatalf("expected most recent first, got %+v", list)
	}

	rr := fx.do(t, http.MethodGet, "/stations", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"callsign":"W1AW"`) {
		t.Fatalf("stations: got %d body=%s", rr.Code, rr.Body.String())
	}
}
