package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/danmuck/ratslink/internal/sessions"
	"github.com/danmuck/ratslink/internal/station"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type forward struct {
	listen  string
	station string
	port    int
}

// parseForward reads LISTEN=STATION:PORT.
func parseForward(arg string) (forward, error) {
	listen, target, ok := strings.Cut(arg, "=")
	if !ok || listen == "" {
		return forward{}, fmt.Errorf("forward %q: want LISTEN=STATION:PORT", arg)
	}
	call, port, err := net.SplitHostPort(target)
	if err != nil {
		return forward{}, fmt.Errorf("forward %q: %w", arg, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return forward{}, fmt.Errorf("forward %q: bad port %q", arg, port)
	}
	return forward{listen: listen, station: strings.ToUpper(call), port: n}, nil
}

func newRunCmd() *cobra.Command {
	var (
		inbox      string
		socketHost string
		forwards   []string
		noAdmin    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the station until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fwds := make([]forward, 0, len(forwards))
			for _, arg := range forwards {
				f, err := parseForward(arg)
				if err != nil {
					return err
				}
				fwds = append(fwds, f)
			}

			cfg, err := loadStation()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStation(cfg, reportTransfer)
			if err != nil {
				return err
			}
			defer st.close(false)

			if inbox != "" {
				if err := os.MkdirAll(inbox, 0o755); err != nil {
					return err
				}
				sessions.IncomingTransfers(st.m, func(t *sessions.Transfer) {
					path, err := t.RecvFile(ctx, inbox)
					if err != nil {
						log.Warn().Err(err).Str("session", t.Name()).Msg("incoming transfer failed")
						return
					}
					log.Info().Str("path", path).Msg("received file")
				})
			}
			if socketHost != "" {
				sessions.AcceptSockets(ctx, st.m, socketHost)
			}
			for _, f := range fwds {
				l, err := sessions.ListenSocket(st.m, f.station, f.listen, f.port)
				if err != nil {
					return err
				}
				defer l.Close()
				log.Info().Str("listen", l.Addr().String()).Str("station", f.station).Int("port", f.port).Msg("forwarding")
			}

			if noAdmin || cfg.Admin.Addr == "" {
				<-ctx.Done()
				return nil
			}
			srv := station.New(st.m, st.chat, cfg.Admin.CORSOrigins)
			if err := srv.Serve(ctx, cfg.Admin.Addr); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inbox, "inbox", "", "accept incoming file and form transfers into this directory")
	cmd.Flags().StringVar(&socketHost, "socket-host", "", "answer incoming socket sessions by dialing this host")
	cmd.Flags().StringArrayVar(&forwards, "forward", nil, "tunnel LISTEN=STATION:PORT over the link (repeatable)")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "do not serve the admin API")
	return cmd
}
