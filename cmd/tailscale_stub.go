//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kea-bot/kea/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale.hostname is set but this build lacks tsnet support; rebuild with -tags tsnet")
	}
	return nil
}
