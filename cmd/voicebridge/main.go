// Command voicebridge runs the realtime voice bridge between the telephony
// switch and the conversational AI providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/atendai/voicebridge/internal/backend"
	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/esl"
	"github.com/atendai/voicebridge/internal/health"
	"github.com/atendai/voicebridge/internal/observe"
	"github.com/atendai/voicebridge/internal/presence"
	"github.com/atendai/voicebridge/internal/server"
	"github.com/atendai/voicebridge/internal/store"
	"github.com/atendai/voicebridge/internal/tts"
	"github.com/atendai/voicebridge/pkg/provider"
	"github.com/atendai/voicebridge/pkg/provider/elevenlabs"
	"github.com/atendai/voicebridge/pkg/provider/gemini"
	oairt "github.com/atendai/voicebridge/pkg/provider/openai"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"stream_addr", cfg.Server.StreamAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Switch control socket ─────────────────────────────────────────────────
	eslClient, err := esl.Dial(ctx, cfg.Switch.Host, cfg.Switch.Port, cfg.Switch.Password, logger)
	if err != nil {
		slog.Error("switch connect failed", "host", cfg.Switch.Host, "err", err)
		return 1
	}
	defer eslClient.Close()

	// ── Conversation store ────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", "err", err)
		return 1
	}
	defer st.Close()

	// ── Shared collaborators ──────────────────────────────────────────────────
	deps := server.Deps{
		Switch:   eslClient,
		Presence: presence.NewCache(eslClient),
		Store:    st,
		Adapters: buildAdapters(cfg.Providers),
		Metrics:  metrics,
		Log:      logger,
	}
	if cfg.Backend.APIURL != "" {
		deps.Backend = backend.New(cfg.Backend.APIURL, cfg.Backend.APIToken, logger)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		deps.TTS = tts.NewOpenAI(cfg.Providers.OpenAI.APIKey)
	}
	if len(deps.Adapters) == 0 {
		slog.Error("no provider API keys configured")
		return 1
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		slog.Error("server init failed", "err", err)
		return 1
	}

	slog.Info("bridge ready",
		"stream_addr", cfg.Server.StreamAddr,
		"transfer_addr", cfg.Server.TransferStreamAddr,
		"secretaries", len(cfg.Secretaries),
	)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return runMetrics(gctx, cfg.Server.MetricsAddr, metrics, eslClient, st)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// openStore picks Postgres when a DSN is configured and falls back to the
// in-memory store seeded with the static secretaries.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("no postgres_dsn configured, conversations are not persisted across restarts")
		return store.NewMemory(cfg.Secretaries), nil
	}
	pg, err := store.Open(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// buildAdapters instantiates one provider adapter per configured API key.
func buildAdapters(p config.ProvidersConfig) map[config.ProviderKind]provider.Adapter {
	adapters := make(map[config.ProviderKind]provider.Adapter)

	if entry := p.OpenAI; entry.APIKey != "" {
		var opts []oairt.Option
		if entry.Model != "" {
			opts = append(opts, oairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairt.WithBaseURL(entry.BaseURL))
		}
		adapters[config.ProviderOpenAI] = oairt.New(entry.APIKey, opts...)
		slog.Info("provider adapter created", "kind", "openai")
	}

	if entry := p.ElevenLabs; entry.APIKey != "" {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			// The ElevenLabs "model" slot carries the conversational agent id.
			opts = append(opts, elevenlabs.WithAgentID(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		adapters[config.ProviderElevenLabs] = elevenlabs.New(entry.APIKey, opts...)
		slog.Info("provider adapter created", "kind", "elevenlabs")
	}

	if entry := p.Gemini; entry.APIKey != "" {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		adapters[config.ProviderGemini] = gemini.New(entry.APIKey, opts...)
		slog.Info("provider adapter created", "kind", "gemini")
	}

	return adapters
}

// runMetrics serves /metrics, /healthz and /readyz until ctx is cancelled.
func runMetrics(ctx context.Context, addr string, metrics *observe.Metrics, eslClient *esl.Client, st store.Store) error {
	checks := health.New(
		health.Checker{
			Name: "switch",
			Check: func(ctx context.Context) error {
				_, err := eslClient.API(ctx, "status")
				return err
			},
		},
		health.Checker{
			Name: "store",
			Check: func(ctx context.Context) error {
				_, err := st.Conversation(ctx, "readyz-probe")
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			},
		},
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checks.Register(mux)

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(metrics)(mux)}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
