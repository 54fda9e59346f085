// Package station serves the admin HTTP API of a running station: health,
// metrics, the session table, heard stations and chat actions.
package station

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/ratslink/internal/observability"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var Version = "0.1.0"

// SessionInfo is one row of GET /sessions.
type SessionInfo struct {
	ID       uint8  `json:"id" yaml:"id"`
	Remote   string `json:"remote" yaml:"remote"`
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	Station  string `json:"station" yaml:"station"`
	State    string `json:"state" yaml:"state"`
	Sent     int    `json:"sent" yaml:"sent"`
	Recv     int    `json:"recv" yaml:"recv"`
	SentWire int    `json:"sent_wire" yaml:"sent_wire"`
	RecvWire int    `json:"recv_wire" yaml:"recv_wire"`
	Retries  int    `json:"retries" yaml:"retries"`
}

// StationInfo is one row of GET /stations.
type StationInfo struct {
	Callsign  string    `json:"callsign" yaml:"callsign"`
	LastHeard time.Time `json:"last_heard" yaml:"last_heard"`
	Ago       string    `json:"ago" yaml:"ago"`
}

type ChatRequest struct {
	Text string `json:"text" binding:"required"`
	Dest string `json:"dest"`
}

// Server is the admin API of one station.
type Server struct {
	m        *session.Manager
	chat     *sessions.Chat
	router   *gin.Engine
	appeared time.Time
}

// New builds the router and registers every route. chat may be nil, in
// which case the chat actions answer 503.
func New(m *session.Manager, chat *sessions.Chat, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Logger(m.Station())))
	r.Use(observability.RequestMetricsMiddleware(m.Station()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{m: m, chat: chat, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"station": s.m.Station(),
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		tp := s.m.Transport()
		ready := tp.Enabled()
		body := gin.H{
			"ready":   ready,
			"port":    tp.String(),
			"pending": tp.Pending(),
		}
		if err := tp.Err(); err != nil {
			body["error"] = err.Error()
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, body)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions()})
	})

	r.DELETE("/sessions/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 8)
		if err != nil || uint8(id) == session.ControlID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		sess := s.m.Session(uint8(id))
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
			return
		}
		go func() {
			if err := s.m.StopSession(sess); err != nil {
				log.Warn().Err(err).Uint8("session", uint8(id)).Msg("station admin close")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "closing"})
	})

	r.GET("/stations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stations": s.Stations(time.Now())})
	})

	r.POST("/chat", func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if s.chat == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not running"})
			return
		}
		if err := s.chat.Send(req.Text, strings.ToUpper(strings.TrimSpace(req.Dest))); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/ping/:station", func(c *gin.Context) {
		if s.chat == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not running"})
			return
		}
		dest := strings.ToUpper(c.Param("station"))
		if err := s.chat.Ping(dest); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "station": dest})
	})
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrSessionClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Sessions lists the registered sessions, control first.
func (s *Server) Sessions() []SessionInfo {
	list := s.m.Sessions()
	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		st := sess.Stats()
		info := SessionInfo{
			ID:       sess.ID(),
			Remote:   "-",
			Name:     sess.Name(),
			Kind:     sess.Kind().String(),
			Station:  sess.Station(),
			State:    sess.State().String(),
			Sent:     st.SentSize,
			Recv:     st.RecvSize,
			SentWire: st.SentWire,
			RecvWire: st.RecvWire,
			Retries:  st.Retries,
		}
		if rid, ok := sess.RemoteID(); ok {
			info.Remote = strconv.Itoa(int(rid))
		}
		out = append(out, info)
	}
	return out
}

// Stations lists heard stations, most recent first.
func (s *Server) Stations(now time.Time) []StationInfo {
	heard := s.m.HeardStations()
	out := make([]StationInfo, 0, len(heard))
	for call, at := range heard {
		if call == frame.Broadcast {
			continue
		}
		out = append(out, StationInfo{
			Callsign:  call,
			LastHeard: at,
			Ago:       now.Sub(at).Truncate(time.Second).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeard.Equal(out[j].LastHeard) {
			return out[i].LastHeard.After(out[j].LastHeard)
		}
		return out[i].Callsign < out[j].Callsign
	})
	return out
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("station admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
