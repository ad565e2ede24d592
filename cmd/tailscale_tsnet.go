//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/kea-bot/kea/internal/config"
)

// initTailscale serves the status mux inside the tailnet so /status and
// /metrics are reachable from other machines without exposing a public
// port. Returns a cleanup func, or nil when Tailscale is not configured
// or fails to start; the main listener is unaffected either way.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	dir := config.ExpandHome(cfg.Tailscale.StateDir)
	if dir == "" {
		if confDir, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(confDir, "tsnet-kea")
		}
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       dir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.Tailscale.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}

	go func() {
		if serveErr := http.Serve(ln, mux); serveErr != nil && ctx.Err() == nil {
			slog.Warn("tailscale serve stopped", "error", serveErr)
		}
	}()

	slog.Info("tailscale listener started", "hostname", cfg.Tailscale.Hostname, "tls", cfg.Tailscale.EnableTLS)

	return func() {
		ln.Close()
		srv.Close()
	}
}
