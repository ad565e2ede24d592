package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kea-bot/kea/internal/channels"
	"github.com/kea-bot/kea/internal/channels/discord"
	"github.com/kea-bot/kea/internal/channels/telegram"
	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/gateway"
	"github.com/kea-bot/kea/internal/history"
	"github.com/kea-bot/kea/internal/pipeline"
	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/ratelimit"
	"github.com/kea-bot/kea/internal/store"
	"github.com/kea-bot/kea/internal/store/file"
	"github.com/kea-bot/kea/internal/store/pg"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Auto-detect: if no completion API key is configured, help the user.
	// Also trigger auto-onboard when the config file doesn't exist (first
	// run), even if env vars provide the key, since managed mode needs
	// migrations applied.
	_, cfgStatErr := os.Stat(cfgPath)
	configMissing := os.IsNotExist(cfgStatErr)
	if cfg.Completion.APIKey == "" || configMissing {
		if canAutoOnboard() {
			// Docker / CI: env vars provide the key, run non-interactive setup.
			if runAutoOnboard(cfgPath) {
				cfg, _ = config.Load(cfgPath)
			} else {
				os.Exit(1)
			}
		} else if !configMissing {
			// Config file exists; the user onboarded but forgot to source .env.local.
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
			fmt.Println("No completion API key found. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Printf("  source %s && ./kea\n", envPath)
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  ./kea onboard")
			os.Exit(1)
		} else {
			// No config file at all: first run, redirect to the onboard wizard.
			fmt.Println("No configuration found. Starting setup wizard...")
			fmt.Println()
			runOnboard()
			return
		}
	}

	// OTLP trace export for pipeline spans (optional).
	if cfg.Telemetry.Enabled {
		shutdownTracing, traceErr := telemetry.SetupTracing(context.Background(), cfg.Telemetry)
		if traceErr != nil {
			slog.Warn("tracing setup failed", "error", traceErr)
		} else {
			defer func() {
				shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shCancel()
				if flushErr := shutdownTracing(shCtx); flushErr != nil {
					slog.Warn("tracing shutdown failed", "error", flushErr)
				}
			}()
			slog.Info("tracing enabled", "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	// Metrics on the default registry so /metrics carries the Go runtime
	// collectors alongside the kea_* counters.
	metrics := telemetry.New(nil)

	// --- Mode-based stats store creation ---
	// Standalone: JSON snapshot file. Managed: shared Postgres.
	var statsStore store.StatsStore
	if cfg.IsManagedMode() {
		db, dbErr := pg.OpenDB(cfg.Stats.PostgresDSN)
		if dbErr != nil {
			slog.Error("failed to open postgres stats store", "error", dbErr)
			os.Exit(1)
		}
		statsStore = pg.NewPGStatsStore(db)
		slog.Info("stats store: postgres")
	} else {
		fileStore, fsErr := file.NewFileStatsStore(cfg.StatsFilePath())
		if fsErr != nil {
			slog.Error("failed to open stats file", "path", cfg.StatsFilePath(), "error", fsErr)
			os.Exit(1)
		}
		statsStore = fileStore
		slog.Info("stats store: file", "path", cfg.StatsFilePath())
	}
	defer statsStore.Close()

	sched, err := store.NewScheduler(cfg.Stats.SnapshotSchedule, snapshotSource(metrics), statsStore)
	if err != nil {
		slog.Error("failed to create snapshot scheduler", "error", err)
		os.Exit(1)
	}

	hist, err := history.Open(cfg.HistoryPath(), cfg.History.KeepPerChannel)
	if err != nil {
		slog.Error("failed to open history store", "path", cfg.HistoryPath(), "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	general := ratelimit.New(cfg.Limits.General.Points, time.Duration(cfg.Limits.General.WindowSeconds)*time.Second)
	generation := ratelimit.New(cfg.Limits.Generation.Points, time.Duration(cfg.Limits.Generation.WindowSeconds)*time.Second)

	client := providers.NewOpenAIClient(cfg.Completion.BaseURL, cfg.Completion.APIKey, cfg.Completion.Model)

	// Capability registry. Lookups register only when their credentials
	// are present; the dispatcher never advertises what it cannot run.
	reg := tools.NewRegistry()
	reg.Register(tools.NewTimeTool(cfg.Bot.HomeTimezone, cfg.CostFor("time")))
	reg.Register(tools.NewVersionTool(Version, cfg.CostFor("version")))

	if cfg.Lookups.Weather.APIKey != "" {
		reg.Register(tools.NewWeatherTool(cfg.Lookups.Weather, cfg.CostFor("weather")))
		reg.Register(tools.NewForecastTool(cfg.Lookups.Weather, cfg.CostFor("forecast")))
		slog.Info("weather lookups enabled")
	}
	if cfg.Lookups.Knowledge.AppID != "" {
		reg.Register(tools.NewKnowledgeTool(cfg.Lookups.Knowledge, cfg.CostFor("knowledge")))
		slog.Info("knowledge lookup enabled")
	}
	if cfg.Lookups.Arena.StatusURL != "" {
		reg.Register(tools.NewArenaTool(cfg.Lookups.Arena, cfg.CostFor("arena")))
		slog.Info("arena status lookup enabled")
	}

	imageCfg := cfg.Lookups.Image
	if imageCfg.APIKey == "" {
		imageCfg.APIKey = cfg.Completion.APIKey
	}
	if imageCfg.BaseURL == "" {
		imageCfg.BaseURL = cfg.Completion.BaseURL
	}
	if imageCfg.APIKey != "" {
		reg.Register(tools.NewImageTool(imageCfg, config.ExpandHome(cfg.Bot.TempDir), cfg.CostFor("image")))
		slog.Info("image generation enabled", "model", imageCfg.Model)
	}

	// Pipeline collaborators, shared by every transport.
	gate := pipeline.NewGate(cfg.Moderation, nil)
	locks := pipeline.NewLocks()
	rels := pipeline.NewRelationships()
	dispatcher := pipeline.NewDispatcher(client, reg, pipeline.NewImageIntentFilter(), metrics, pipeline.DispatcherOptions{
		Model:       cfg.Completion.Model,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		Timeout:     time.Duration(cfg.Completion.DispatchTimeoutSec) * time.Second,
	})
	executor := pipeline.NewExecutor(reg, general, generation, metrics)
	synth := pipeline.NewSynthesizer(client, metrics, pipeline.SynthesizerOptions{
		Model:       cfg.Completion.Model,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		Timeout:     time.Duration(cfg.Completion.SynthesisTimeoutSec) * time.Second,
		HomeZone:    cfg.Bot.HomeTimezone,
	})

	newRunner := func(acker pipeline.Acker) *pipeline.Runner {
		return pipeline.NewRunner(pipeline.RunnerConfig{
			Gate:            gate,
			Locks:           locks,
			Acker:           acker,
			General:         general,
			Dispatcher:      dispatcher,
			Executor:        executor,
			Synthesizer:     synth,
			Relationships:   rels,
			History:         hist,
			Metrics:         metrics,
			ChatCost:        cfg.CostFor("chat"),
			ContextMessages: cfg.History.ContextMessages,
		})
	}

	server := gateway.NewServer(cfg.Gateway, Version, metrics, nil)

	// Each transport gets its own runner wired back to it as the reply
	// surface. Everything else is shared, so per-channel locks and rate
	// budgets hold across both platforms.
	var chans []channels.Channel

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, dcErr := discord.New(cfg.Channels.Discord)
		if dcErr != nil {
			slog.Error("failed to initialize discord channel", "error", dcErr)
		} else {
			dc.SetPipeline(newRunner(dc))
			chans = append(chans, dc)
			server.AddTransport(dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, tgErr := telegram.New(cfg.Channels.Telegram)
		if tgErr != nil {
			slog.Error("failed to initialize telegram channel", "error", tgErr)
		} else {
			tg.SetPipeline(newRunner(tg))
			chans = append(chans, tg)
			server.AddTransport(tg)
			slog.Info("telegram channel enabled")
		}
	}

	if len(chans) == 0 {
		slog.Warn("no chat channels enabled; set KEA_DISCORD_TOKEN or KEA_TELEGRAM_TOKEN")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for _, ch := range chans {
		if startErr := ch.Start(ctx); startErr != nil {
			slog.Error("channel start failed", "channel", ch.Name(), "error", startErr)
		}
	}

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		for _, ch := range chans {
			if stopErr := ch.Stop(stopCtx); stopErr != nil {
				slog.Warn("channel stop failed", "channel", ch.Name(), "error", stopErr)
			}
		}

		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	names := make([]string, 0, len(chans))
	for _, ch := range chans {
		names = append(names, ch.Name())
	}
	slog.Info("kea starting",
		"version", Version,
		"mode", mode,
		"capabilities", reg.Names(),
		"channels", names,
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and Tailscale.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Moderation settings apply on file save without a restart.
		if watchErr := config.Watch(gctx, cfgPath, func(next *config.Config) {
			gate.UpdateModeration(next.Moderation)
			slog.Info("moderation config reloaded")
		}); watchErr != nil {
			slog.Warn("config watcher unavailable", "error", watchErr)
		}
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("kea exited", "error", err)
		os.Exit(1)
	}
}

// snapshotSource maps the live counters into a persistable snapshot.
// The stats store assigns the snapshot ID on save.
func snapshotSource(m *telemetry.Metrics) func() store.Snapshot {
	return func() store.Snapshot {
		counts := m.Snapshot()

		var limitedTotal int64
		type userHits struct {
			id   string
			hits int64
		}
		byUser := make([]userHits, 0, len(counts.RateLimited))
		for id, hits := range counts.RateLimited {
			limitedTotal += hits
			byUser = append(byUser, userHits{id: id, hits: hits})
		}
		sort.Slice(byUser, func(i, j int) bool {
			if byUser[i].hits != byUser[j].hits {
				return byUser[i].hits > byUser[j].hits
			}
			return byUser[i].id < byUser[j].id
		})
		top := make([]string, 0, 5)
		for _, u := range byUser {
			if len(top) == 5 {
				break
			}
			top = append(top, u.id)
		}

		return store.Snapshot{
			TakenAt:           time.Now().UTC(),
			MessagesProcessed: counts.Processed,
			FunctionRuns:      counts.APICalls,
			FunctionErrors:    counts.APIErrors,
			RateLimitedHits:   limitedTotal,
			TopRateLimited:    top,
			LockContention:    counts.LockContention,
		}
	}
}
