package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/ratslink/internal/config"
	"github.com/danmuck/ratslink/internal/observability"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/sessions"
	"github.com/rs/zerolog/log"
)

// link is a running station and the config it was built from.
type link struct {
	cfg  config.Station
	m    *session.Manager
	chat *sessions.Chat
}

func openStation(cfg config.Station, report func(sessions.TransferStatus)) (*link, error) {
	p, err := cfg.NewPipe()
	if err != nil {
		return nil, err
	}
	m := session.NewManager(p, cfg.Callsign, cfg.ManagerOptions(sessions.Factories(report)))

	logger := observability.Logger(cfg.Callsign)
	chat := sessions.NewChat(sessions.ChatHandlers{
		Message: func(src, dst, text string) {
			logger.Info().Str("from", src).Str("to", dst).Msg(text)
		},
		GPS: func(src, kind string, sentence []byte) {
			logger.Info().Str("from", src).Str("kind", kind).Msgf("position %s", strings.TrimSpace(string(sentence)))
		},
		PingRequest: func(src, dst, desc string) {
			logger.Info().Str("from", src).Str("to", dst).Msgf("ping: %s", desc)
		},
		PingResponse: func(src, dst, desc string) {
			logger.Info().Str("from", src).Str("to", dst).Msgf("pong: %s", desc)
		},
		Status: func(src string, code int, msg string) {
			logger.Info().Str("from", src).Msgf("status %s %s", sessions.StatusText(code), msg)
		},
		CurrentStatus: func() (int, string) { return sessions.StatusOnline, "" },
	})
	if err := m.Attach(chat, sessions.ChatID, ""); err != nil {
		m.Shutdown(true)
		return nil, fmt.Errorf("attach chat: %w", err)
	}
	log.Info().Str("callsign", cfg.Callsign).Str("port", m.Transport().String()).Msg("station up")
	return &link{cfg: cfg, m: m, chat: chat}, nil
}

func (s *link) close(force bool) {
	s.m.Shutdown(force)
	log.Info().Str("callsign", s.cfg.Callsign).Msg("station down")
}

func reportTransfer(st sessions.TransferStatus) {
	log.Info().
		Str("file", st.Filename).
		Int("sent", st.Stats.SentSize).
		Int("recv", st.Stats.RecvSize).
		Int("total", st.Total).
		Int("retries", st.Stats.Retries).
		Msg(st.Msg)
}
