// Package app wires all retrosync subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the session and the admin server and blocks, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCores, WithSink,
// WithMetrics, WithListener). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/retrosync/internal/config"
	"github.com/MrWong99/retrosync/internal/health"
	"github.com/MrWong99/retrosync/internal/observe"
	"github.com/MrWong99/retrosync/internal/resilience"
	"github.com/MrWong99/retrosync/pkg/audio"
	"github.com/MrWong99/retrosync/pkg/audio/otosink"
	"github.com/MrWong99/retrosync/pkg/core"
	"github.com/MrWong99/retrosync/pkg/core/tone"
	"github.com/MrWong99/retrosync/pkg/core/wasmcore"
)

const (
	// staleFrameAfter is how long the frame loop may go without completing
	// a frame before /readyz reports it.
	staleFrameAfter = time.Second

	// serverShutdownTimeout bounds the admin server's graceful shutdown.
	serverShutdownTimeout = 5 * time.Second

	// deviceRetryAfter is how long a failed audio device is skipped before
	// the next session start probes it again.
	deviceRetryAfter = 30 * time.Second
)

// RegisterBuiltinCores adds every backend shipped with retrosync to reg.
func RegisterBuiltinCores(reg *core.Registry) {
	reg.Register(tone.Name, tone.New)
	reg.Register(wasmcore.Name, wasmcore.New)
	for _, name := range reg.Names() {
		slog.Debug("registered core", "name", name)
	}
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	cores    core.Resolver
	sink     audio.Sink
	metrics  *observe.Metrics
	level    *slog.LevelVar
	listener net.Listener

	sessions       *SessionManager
	metricsHandler http.Handler
	handler        http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCores injects a core resolver instead of the built-in registry.
func WithCores(r core.Resolver) Option {
	return func(a *App) { a.cores = r }
}

// WithSink injects an audio sink instead of the one selected by audio.sink.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics injects metric instruments instead of initialising the
// OpenTelemetry provider. /metrics is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable of the process logger so
// that config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves the admin API on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Core registry ─────────────────────────────────────────────────
	if a.cores == nil {
		reg := core.NewRegistry()
		RegisterBuiltinCores(reg)
		a.cores = reg
	}

	// ── 2. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 3. Audio sink ────────────────────────────────────────────────────
	if a.sink == nil {
		sink, err := newSink(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: init audio sink: %w", err)
		}
		a.sink = sink
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Cores:   a.cores,
		Sink:    a.sink,
		Metrics: a.metrics,
	})

	// ── 5. Admin API ─────────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// initTelemetry sets up the OTel provider or uses injected instruments.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: a.cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, p.Shutdown)

	m, err := observe.NewMetrics(p.MeterProvider)
	if err != nil {
		return err
	}
	a.metrics = m
	a.metricsHandler = p.MetricsHandler
	return nil
}

// newSink creates the sink selected by cfg.Sink.
func newSink(cfg config.AudioConfig) (audio.Sink, error) {
	switch cfg.Sink {
	case config.SinkOto:
		s, err := otosink.New(cfg.OutputRate, otosink.WithBufferSize(cfg.DeviceBuffer))
		if err != nil {
			return nil, err
		}
		// A host without a usable device keeps running headless.
		f := resilience.NewSinkFallback(s, string(config.SinkOto), resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: deviceRetryAfter},
		})
		f.AddFallback(string(config.SinkNull), nullSink(cfg))
		return f, nil
	case config.SinkNull, "":
		return nullSink(cfg), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func nullSink(cfg config.AudioConfig) audio.Sink {
	return audio.NewPacedSink(cfg.OutputRate, cfg.PullPeriod, io.Discard)
}

// buildHandler assembles the admin routes behind the observe middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.Running("session", a.sessions.IsActive),
		health.Fresh("frames", staleFrameAfter, a.sessions.LastFrame),
	).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("POST /session/reset", a.handleReset)

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// sessionResponse is the JSON body of GET /session.
type sessionResponse struct {
	SessionID       string  `json:"session_id"`
	Core            string  `json:"core"`
	State           string  `json:"state"`
	StartedAt       string  `json:"started_at"`
	FrameIntervalMS float64 `json:"frame_interval_ms"`
	InputRate       int     `json:"input_rate"`
	OutputRate      int     `json:"output_rate"`
	Frames          uint64  `json:"frames"`
	Enqueued        uint64  `json:"enqueued"`
	Dropped         uint64  `json:"dropped"`
	Lost            uint64  `json:"lost"`
	Buffered        int     `json:"buffered"`
	Capacity        int     `json:"capacity"`
	Underruns       uint64  `json:"underruns"`
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	st, ok := a.sessions.Stats()
	if !ok {
		http.Error(w, ErrNoSession.Error(), http.StatusNotFound)
		return
	}
	info := a.sessions.Info()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(sessionResponse{
		SessionID:       info.SessionID,
		Core:            st.Core,
		State:           st.State.String(),
		StartedAt:       info.StartedAt.Format(time.RFC3339),
		FrameIntervalMS: float64(info.FrameInterval) / float64(time.Millisecond),
		InputRate:       st.InputRate,
		OutputRate:      st.OutputRate,
		Frames:          st.Frames,
		Enqueued:        st.Enqueued,
		Dropped:         st.Dropped,
		Lost:            st.Lost,
		Buffered:        st.Buffered,
		Capacity:        st.Capacity,
		Underruns:       st.Underruns,
	})
}

func (a *App) handleReset(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Reset(r.Context())
	switch {
	case errors.Is(err, ErrNoSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		observe.Logger(r.Context()).Warn("session reset failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session and the admin server and blocks until ctx is
// cancelled, returning ctx.Err(), or until the admin server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}

	ln, err := a.listen()
	if err != nil {
		return fmt.Errorf("app: admin listener: %w", err)
	}
	if ln == nil {
		slog.Info("app running", "admin", "disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("app running", "admin", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) listen() (net.Listener, error) {
	if a.listener != nil {
		return a.listener, nil
	}
	if a.cfg.Server.ListenAddr == "" {
		return nil, nil
	}
	return net.Listen("tcp", a.cfg.Server.ListenAddr)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies what can change at runtime from a config reload and logs
// every other changed key. It matches the config watcher's callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, then tears the remaining subsystems down in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("session stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
