package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/ratslink/internal/config"
	"github.com/danmuck/ratslink/internal/output"
	"github.com/danmuck/ratslink/internal/station"
	"github.com/spf13/cobra"
)

// adminClient talks to the admin API of a running station.
type adminClient struct {
	base string
	hc   *http.Client
}

func newAdminClient(base string) *adminClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &adminClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// resolveAdmin picks --admin, else the configured admin address.
func resolveAdmin() (*adminClient, error) {
	if adminURL != "" {
		return newAdminClient(adminURL), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("no --admin given and %w", err)
	}
	return newAdminClient(cfg.Admin.Addr), nil
}

func (c *adminClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) Sessions(ctx context.Context) ([]station.SessionInfo, error) {
	var body struct {
		Sessions []station.SessionInfo `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &body)
	return body.Sessions, err
}

func (c *adminClient) Stations(ctx context.Context) ([]station.StationInfo, error) {
	var body struct {
		Stations []station.StationInfo `json:"stations"`
	}
	err := c.do(ctx, http.MethodGet, "/stations", nil, &body)
	return body.Stations, err
}

func (c *adminClient) Chat(ctx context.Context, text, dest string) error {
	return c.do(ctx, http.MethodPost, "/chat", station.ChatRequest{Text: text, Dest: dest}, nil)
}

func (c *adminClient) Ping(ctx context.Context, call string) error {
	return c.do(ctx, http.MethodPost, "/ping/"+url.PathEscape(call), nil, nil)
}

func newChatCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "chat TEXT...",
		Short: "Send a chat message through a running station",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveAdmin()
			if err != nil {
				return err
			}
			return c.Chat(cmd.Context(), strings.Join(args, " "), strings.ToUpper(to))
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination callsign (default CQCQCQ)")
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping STATION",
		Short: "Ask a station to identify itself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveAdmin()
			if err != nil {
				return err
			}
			return c.Ping(cmd.Context(), strings.ToUpper(args[0]))
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions of a running station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveAdmin()
			if err != nil {
				return err
			}
			list, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return output.Print(cmd.OutOrStdout(), outputFormat, list)
		},
	}
}

func newStationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "List the stations a running station has heard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveAdmin()
			if err != nil {
				return err
			}
			list, err := c.Stations(cmd.Context())
			if err != nil {
				return err
			}
			return output.Print(cmd.OutOrStdout(), outputFormat, list)
		},
	}
}
