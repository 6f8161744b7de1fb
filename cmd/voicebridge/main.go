// Command voicebridge runs the telephony-to-AI audio bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kverne/voicebridge/internal/agent"
	"github.com/kverne/voicebridge/internal/app"
	"github.com/kverne/voicebridge/internal/config"
	"github.com/kverne/voicebridge/internal/observe"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	personaPath := flag.String("persona", "", "path to a YAML persona file (default: built-in front-desk persona)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Persona ───────────────────────────────────────────────────────────────
	persona := agent.Default()
	if *personaPath != "" {
		persona, err = agent.Load(*personaPath)
		if err != nil {
			slog.Error("failed to load persona", "err", err)
			return 1
		}
	}
	if cfg.AI.Voice != "" {
		persona.Voice = cfg.AI.Voice
	}
	if cfg.AI.Temperature != 0 {
		persona.Temperature = cfg.AI.Temperature
	}
	if cfg.AI.MaxOutputTokens != 0 {
		persona.MaxOutputTokens = cfg.AI.MaxOutputTokens
	}
	if cfg.AI.TranscriptionModel != "" {
		persona.TranscriptionModel = cfg.AI.TranscriptionModel
	}
	persona.VADDisabled = !cfg.AI.VAD()
	slog.Info("persona loaded", "name", persona.Name, "functions", len(persona.Functions)+2)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg, persona)

	application, err := app.New(ctx, cfg, persona)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, persona *agent.Persona) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicebridge — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Persona", persona.Name)
	if cfg.AI.UseLocalAI {
		printRow("AI service", "in-process mock")
	} else {
		printRow("AI service", cfg.AI.Model)
	}
	printRow("Storage", string(cfg.Session.StorageBackend))
	if cfg.Recording.On() {
		printRow("Recording", cfg.Recording.Dir)
	} else {
		printRow("Recording", "(disabled)")
	}
	if cfg.CallLog.PostgresDSN != "" {
		printRow("Call log", "postgres")
	} else {
		printRow("Call log", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
