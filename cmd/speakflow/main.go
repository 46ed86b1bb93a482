// Command speakflow runs a live voice coaching conversation from the terminal.
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

	"github.com/MrWong99/speakflow/internal/app"
	"github.com/MrWong99/speakflow/internal/config"
	"github.com/MrWong99/speakflow/internal/health"
	"github.com/MrWong99/speakflow/internal/observe"
	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/ffmpeg"
	"github.com/MrWong99/speakflow/pkg/audio/portaudio"
	"github.com/MrWong99/speakflow/pkg/provider/live"
	"github.com/MrWong99/speakflow/pkg/provider/live/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload coaching and log settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speakflow: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speakflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("speakflow starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		TraceExporter:  observe.NewLogExporter(slog.Default()),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config, d config.Diff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(next, d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newServer(addr, application, metrics)
		g.Go(func() error {
			slog.Info("observability server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		// The conversation ending on its own ends the process.
		defer stop()
		slog.Info("starting conversation; press Ctrl+C to end it")
		err := application.Run(gctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, app.ErrRemoteClosed):
			slog.Info("conversation closed by the remote end")
			return nil
		default:
			return err
		}
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	printHistory(application)

	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newServer builds the /metrics, /healthz and /readyz listener.
func newServer(addr string, application *app.App, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(application.SessionState).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics, observe.WithSessionState(application.SessionState))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in live providers and audio
// backends into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(lc config.LiveConfig) (live.Provider, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		if lc.APIVersion != "" {
			opts = append(opts, gemini.WithAPIVersion(lc.APIVersion))
		}
		if lc.SendQueue > 0 {
			opts = append(opts, gemini.WithSendQueue(lc.SendQueue))
		}
		return gemini.New(lc.APIKey, opts...), nil
	})

	reg.RegisterAudio("ffmpeg", func(ac config.AudioConfig) (audio.Backend, error) {
		return ffmpeg.New(
			ffmpeg.WithFFmpegPath(ac.FFmpegPath),
			ffmpeg.WithFFplayPath(ac.FFplayPath),
			ffmpeg.WithInputDevice(ac.InputDevice),
			ffmpeg.WithCaptureRate(ac.CaptureRate),
			ffmpeg.WithBlockSize(ac.BlockSize),
			ffmpeg.WithOutputFormat(outputFormat(ac)),
		), nil
	})

	reg.RegisterAudio("portaudio", func(ac config.AudioConfig) (audio.Backend, error) {
		if ac.InputDevice != "" {
			slog.Warn("portaudio backend always uses the default input device", "input_device", ac.InputDevice)
		}
		return portaudio.New(
			portaudio.WithCaptureRate(ac.CaptureRate),
			portaudio.WithBlockSize(ac.BlockSize),
			portaudio.WithOutputFormat(outputFormat(ac)),
		), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func outputFormat(ac config.AudioConfig) audio.Format {
	return audio.Format{SampleRate: ac.OutputRate, Channels: ac.OutputChannels}
}

// buildProviders instantiates the live provider and the audio backend named
// in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	lp, err := reg.CreateLive(cfg.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Live.Provider, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Live.Provider, "model", cfg.Live.Model)

	backend, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return &app.Providers{Live: lp, Audio: backend}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        speakflow startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Live.Provider+" / "+cfg.Live.Model)
	printRow("Voice", cfg.Live.Voice)
	printRow("Audio", cfg.Audio.Backend)
	printRow("Level", string(cfg.Coaching.Level))
	printRow("Goal", string(cfg.Coaching.Goal))
	printRow("Language", cfg.Coaching.NativeLanguage)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// printHistory lists the conversations recorded during this run.
func printHistory(application *app.App) {
	for _, s := range application.History().List() {
		fmt.Printf("%s  %-20s %-12s %d lines\n",
			s.Date.Local().Format("2006-01-02 15:04"), s.Goal, s.Level, len(s.Messages))
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
