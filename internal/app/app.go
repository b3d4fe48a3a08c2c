// Package app wires all editlearn subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and background maintenance, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithClipboard, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/editlearn/internal/api"
	"github.com/MrWong99/editlearn/internal/config"
	"github.com/MrWong99/editlearn/internal/health"
	"github.com/MrWong99/editlearn/internal/learner"
	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/internal/recognizer"
	"github.com/MrWong99/editlearn/internal/resilience"
	"github.com/MrWong99/editlearn/pkg/capture"
	"github.com/MrWong99/editlearn/pkg/pattern"
	"github.com/MrWong99/editlearn/pkg/pattern/badgerdb"
	"github.com/MrWong99/editlearn/pkg/pattern/jsonl"
	"github.com/MrWong99/editlearn/pkg/pattern/postgres"
)

// readHeaderTimeout bounds slow clients on the API listener.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	backend   pattern.Backend
	store     *patternstore.Store
	clipboard capture.ClipboardReader
	focused   capture.FocusedTextReader
	push      *capture.Push
	engine    *learner.Engine
	health    *health.Handler
	server    *http.Server

	clock   clock.Clock
	metrics *observe.Metrics
	level   *slog.LevelVar

	backendSet bool
	ready      chan struct{}
	addr       net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a pattern backend instead of opening the configured
// one. A nil backend keeps patterns in memory. The App closes it on
// Shutdown.
func WithBackend(b pattern.Backend) Option {
	return func(a *App) {
		a.backend = b
		a.backendSet = true
	}
}

// WithClipboard injects the clipboard source.
func WithClipboard(c capture.ClipboardReader) Option {
	return func(a *App) { a.clipboard = c }
}

// WithFocused injects the focused-element source. Pushed snapshots are then
// disabled.
func WithFocused(f capture.FocusedTextReader) Option {
	return func(a *App) { a.focused = f }
}

// WithClock injects the time source used by the store and observers.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics injects the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the pattern
// backend, loads the stored patterns and builds the HTTP handler; nothing
// runs until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Pattern backend ───────────────────────────────────────────────
	if err := a.initBackend(ctx); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Pattern store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Capture sources ───────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 4. Learning engine ───────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

func (a *App) initBackend(ctx context.Context) error {
	if a.backendSet {
		return nil
	}
	b, err := OpenBackend(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.backend = b
	slog.Info("pattern backend ready", "backend", a.cfg.Store.Backend)
	return nil
}

// OpenBackend opens the pattern backend selected by sc. The memory backend
// yields a nil [pattern.Backend], which [patternstore.Open] treats as
// in-memory only. Postgres schemas are migrated on open.
func OpenBackend(ctx context.Context, sc config.StoreConfig) (pattern.Backend, error) {
	switch sc.Backend {
	case config.BackendBadger:
		b, err := badgerdb.Open(badgerdb.Config{Path: sc.Path})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendJSONL:
		return jsonl.New(sc.Path), nil
	case config.BackendPostgres:
		b, err := postgres.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	case config.BackendMemory, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func (a *App) initStore(ctx context.Context) error {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:  "pattern-backend",
		Clock: a.clock,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	store, err := patternstore.Open(ctx, a.backend,
		patternstore.WithClock(a.clock),
		patternstore.WithMetrics(a.metrics),
		patternstore.WithBreaker(breaker),
	)
	if err != nil {
		if a.backend != nil {
			_ = a.backend.Close()
		}
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("patterns loaded", "count", store.Len(), "document_types", len(store.DocumentTypes()))
	return nil
}

func (a *App) initCapture() error {
	if a.clipboard == nil {
		if argv := a.cfg.Observer.ClipboardCommand; len(argv) > 0 {
			cc, err := capture.NewCommandClipboard(argv)
			if err != nil {
				return err
			}
			a.clipboard = cc
		} else {
			a.clipboard = capture.ClipboardFunc(func(context.Context) (bool, string, error) {
				return false, "", nil
			})
		}
	}
	if a.focused == nil {
		a.push = capture.NewPush()
		a.focused = a.push
	}
	return nil
}

func (a *App) initEngine() error {
	lc := a.cfg.Learning
	rec := recognizer.New(recognizer.Config{
		Store:              a.store,
		Interval:           lc.RescoreInterval,
		PruneAge:           lc.PruneAge(),
		PruneMinConfidence: lc.PruneMinConfidence,
		Clock:              a.clock,
		Metrics:            a.metrics,
	})
	eng, err := learner.New(learner.Config{
		Store:              a.store,
		Clipboard:          a.clipboard,
		Focused:            a.focused,
		ClipboardInterval:  a.cfg.Observer.ClipboardInterval,
		FocusedInterval:    a.cfg.Observer.FocusedInterval,
		MinApplyConfidence: lc.MinApplyConfidence,
		Recognizer:         rec,
		Clock:              a.clock,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

// focusedSourceCheck fails once observation has fallen back to the
// clipboard alone. It is advisory: learning still works.
func (a *App) focusedSourceCheck(context.Context) error {
	if a.engine.Degraded() {
		return errors.New("unavailable, observing clipboard only")
	}
	return nil
}

func (a *App) initServer() {
	a.health = health.New(
		health.PingChecker("pattern_store", a.store),
		health.Checker{Name: "focused_source", Advisory: true, Check: a.focusedSourceCheck},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	var pub api.Publisher
	if a.push != nil {
		pub = a.push
	}
	api.New(a.engine, pub).Register(mux)
	if a.cfg.Telemetry.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Engine returns the learning engine.
func (a *App) Engine() *learner.Engine { return a.engine }

// Handler returns the HTTP handler serving the API, health and metrics.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the listener address. Only valid after Ready is closed.
func (a *App) Addr() net.Addr { return a.addr }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts background maintenance and serves HTTP until ctx is cancelled
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.addr = ln.Addr()

	a.engine.Recognizer().Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	close(a.ready)

	slog.Info("app running", "addr", a.addr.String(), "patterns", a.store.Len())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reconfigure applies the hot-reloadable settings of next. It is meant to
// be passed to [config.NewWatcher] as the change callback.
func (a *App) Reconfigure(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.MinApplyConfidenceChanged {
		a.engine.Replacer().SetMinConfidence(d.NewMinApplyConfidence)
		slog.Info("minimum apply confidence changed", "confidence", d.NewMinApplyConfidence)
	}
	if d.PrunePolicyChanged {
		a.engine.Recognizer().SetPrunePolicy(d.NewPruneAge, d.NewPruneMinConfidence)
		slog.Info("prune policy changed", "older_than", d.NewPruneAge, "min_confidence", d.NewPruneMinConfidence)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the HTTP server drains, the
// active observation is stopped and its outcome processed, then the store
// closes. Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.health.SetDraining(true)
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		// Stopping the engine flushes the active session into the store.
		a.engine.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New managed to open before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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
