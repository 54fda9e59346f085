package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/sessions"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)


func newSniffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sniff",
		Short: "Print a summary of every frame heard on the link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStation()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStation(cfg, nil)
			if err != nil {
				return err
			}
			defer st.close(true)

			out := cmd.OutOrStdout()
			sn := session.NewSniffer(func(r session.SniffRecord) {
				fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), r.Summary)
			})
			if err := st.m.Attach(sn, session.SnifferID, ""); err != nil {
				return err
			}
			st.m.SetSniffer(sn)
			<-ctx.Done()
			return nil
		},
	}
}

func newSendFileCmd() *cobra.Command {
	var form bool
	cmd := &cobra.Command{
		Use:   "send-file STATION PATH",
		Short: "Send a file to a station and wait until it is acknowledged",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, path := strings.ToUpper(args[0]), args[1]
			cfg, err := loadStation()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStation(cfg, nil)
			if err != nil {
				return err
			}
			defer st.close(false)

			name := filepath.Base(path)
			var t *sessions.Transfer
			if form {
				t = sessions.NewFormTransfer(name, st.m.Config(), reportTransfer)
			} else {
				t = sessions.NewFileTransfer(name, st.m.Config(), reportTransfer)
			}
			if err := st.m.Start(t, dest); err != nil {
				return fmt.Errorf("opening session to %s: %w", dest, err)
			}
			if err := t.SendFile(ctx, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", name, dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&form, "form", false, "announce the file as a form")
	return cmd
}

func newRecvFileCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "recv-file [DIR]",
		Short: "Wait for one incoming file or form and store it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			cfg, err := loadStation()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}

			st, err := openStation(cfg, nil)
			if err != nil {
				return err
			}
			defer st.close(false)

			type result struct {
				path string
				err  error
			}
			done := make(chan result, 1)
			sessions.IncomingTransfers(st.m, func(t *sessions.Transfer) {
				path, err := t.RecvFile(ctx, dir)
				select {
				case done <- result{path, err}:
				default:
					log.Warn().Str("session", t.Name()).Msg("extra transfer ignored")
				}
			})

			log.Info().Str("dir", dir).Msg("waiting for a transfer")
			select {
			case r := <-done:
				if r.err != nil {
					return r.err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "received %s\n", r.path)
				return nil
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("no transfer within %s", wait)
				}
				return nil
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "give up after this long (0 waits forever)")
	return cmd
}
