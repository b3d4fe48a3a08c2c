// Command editlearn learns a user's writing corrections and applies them to
// freshly produced text.
//
// Usage:
//
//	editlearn [serve] [-config path]
//	editlearn top     [-config path] [-document-type t] [-limit n]
//	editlearn apply   [-config path] -document-type t [-min-confidence c] [text]
//	editlearn reset   [-config path] [-document-type t]
//	editlearn diff    original edited
//	editlearn import  [-config path] file.jsonl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/editlearn/internal/app"
	"github.com/MrWong99/editlearn/internal/config"
	"github.com/MrWong99/editlearn/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		return serve(args, stdout, stderr)
	case "top":
		err = runTop(args, stdout)
	case "apply":
		err = runApply(args, stdin, stdout, stderr)
	case "reset":
		err = runReset(args, stdout)
	case "diff":
		err = runDiff(args, stdout)
	case "import":
		err = runImport(args, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "editlearn: unknown command %q\n", cmd)
		printUsage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "editlearn %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: editlearn <command> [flags]

commands:
  serve    run the learning service (default)
  top      list the highest-ranked learned patterns
  apply    rewrite text with learned patterns
  reset    delete learned patterns
  diff     show how an edit would be interpreted
  import   load patterns from a JSON-lines export
`)
}

// loadConfig reads path. A missing file at the default location yields the
// built-in defaults.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return config.Default(), nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

// configFlag registers -config on fs and reports whether it was set.
func configFlag(fs *flag.FlagSet) (path *string, explicit func() bool) {
	path = fs.String("config", "config.yaml", "path to the YAML configuration file")
	return path, func() bool {
		set := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "config" {
				set = true
			}
		})
		return set
	}
}

func serve(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath, explicit := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, explicit())
	if err != nil {
		fmt.Fprintf(stderr, "editlearn: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(stderr, cfg.Server.LogFormat, cfg.Server.LogLevel, &level))

	slog.Info("editlearn starting",
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
		ServiceName:    "editlearn",
		ServiceVersion: version,
		Attributes: []attribute.KeyValue{
			attribute.String("editlearn.store.backend", string(cfg.Store.Backend)),
		},
		DisableMetrics: !cfg.Telemetry.Metrics,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(stdout, cfg)

	application, err := app.New(ctx, cfg, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if explicit() || fileExists(*configPath) {
		watcher, err = config.NewWatcher(*configPath, application.Reconfigure)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}
	if watcher != nil {
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("SIGHUP: config not reloaded", "err", err)
				continue
			}
			slog.Info("SIGHUP: config checked", "changed", changed)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        editlearn startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow(w, "TLS", "enabled")
	}
	store := string(cfg.Store.Backend)
	if cfg.Store.Path != "" {
		store += " / " + cfg.Store.Path
	}
	printRow(w, "Store", store)
	clip := "(push only)"
	if len(cfg.Observer.ClipboardCommand) > 0 {
		clip = cfg.Observer.ClipboardCommand[0]
	}
	printRow(w, "Clipboard", clip)
	printRow(w, "Min confidence", fmt.Sprintf("%.2f", cfg.Learning.MinApplyConfidence))
	if cfg.Telemetry.Metrics {
		printRow(w, "Metrics", "/metrics")
	} else {
		printRow(w, "Metrics", "(disabled)")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
