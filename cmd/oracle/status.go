package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type healthReport struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	Version           string `json:"version"`
	ConfigFingerprint string `json:"config_fingerprint"`
	AuditDenies       int64  `json:"audit_denies"`
}

func newStatusCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the running server's /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return fmt.Errorf("config load: %w", err)
				}
				addr = cfg.BindAddr
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), healthURL(addr), asJSON)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default bind_addr from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw /healthz body")
	return cmd
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func runStatus(ctx context.Context, out io.Writer, url string, asJSON bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read /healthz: %w", err)
	}
	if asJSON {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	} else {
		var h healthReport
		if err := json.Unmarshal(body, &h); err != nil {
			return fmt.Errorf("decode /healthz: %w", err)
		}
		styled := isTerminal(out)
		printReport(out, styled, "Oracle status", []row{
			{"server", renderHealth(h.Healthy, styled)},
			{"database", renderHealth(h.DBOK, styled)},
			{"version", h.Version},
			{"config", h.ConfigFingerprint},
			{"audit denies", fmt.Sprint(h.AuditDenies)},
		})
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}
