package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/retrosync/internal/config"
	"github.com/MrWong99/retrosync/internal/observe"
	"github.com/MrWong99/retrosync/internal/session"
	"github.com/MrWong99/retrosync/pkg/audio"
	"github.com/MrWong99/retrosync/pkg/core"
)

// ErrNoSession is returned by [SessionManager] operations that need an
// active session.
var ErrNoSession = errors.New("app: no active session")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier of the session run.
	SessionID string

	// Core is the backend name.
	Core string

	// GameDir is the content directory reported to the backend.
	GameDir string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// FrameInterval is the pace of the frame loop.
	FrameInterval time.Duration
}

// SessionManager owns the emulation worker, the session running on it and
// the frame loop that paces it. Only one session can be active at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   bool
	info     SessionInfo
	worker   *session.Worker
	sess     *session.Session
	cancel   context.CancelFunc
	loopDone chan struct{}

	// lastFrame is the wall time of the most recent frame, in Unix nanos.
	lastFrame atomic.Int64

	// Dependencies injected at construction.
	cfg      *config.Config
	cores    core.Resolver
	sink     audio.Sink
	registry *session.Registry
	metrics  *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config supplies the audio and core sections. Required.
	Config *config.Config

	// Cores creates backends by name. Required.
	Cores core.Resolver

	// Sink pulls the session's audio. Optional.
	Sink audio.Sink

	// Registry enforces one session per worker. Default: a new registry.
	Registry *session.Registry

	// Metrics records session instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	reg := cfg.Registry
	if reg == nil {
		reg = session.NewRegistry()
	}
	return &SessionManager{
		cfg:      cfg.Config,
		cores:    cfg.Cores,
		sink:     cfg.Sink,
		registry: reg,
		metrics:  cfg.Metrics,
	}
}

// Start creates a worker, starts a session with the configured core and
// game on it and begins the frame loop.
//
// Returns an error wrapping [session.ErrAlreadyActive] if a session is
// already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("app: %w (id=%s)", session.ErrAlreadyActive, sm.info.SessionID)
	}

	c := sm.cfg.Core
	worker := session.NewWorker()
	sess, err := session.New(session.Config{
		Worker:       worker.ID(),
		Registry:     sm.registry,
		Cores:        sm.cores,
		CoreOptions:  core.Options{Path: c.Path, Values: c.Options},
		OutputRate:   sm.cfg.Audio.OutputRate,
		BufferFrames: sm.cfg.Audio.BufferFrames,
		Sink:         sm.sink,
		SystemDir:    c.SystemDir,
		SaveDir:      c.SaveDir,
		Metrics:      sm.metrics,
	})
	if err != nil {
		worker.Close()
		return fmt.Errorf("app: create session: %w", err)
	}

	var interval time.Duration
	doErr := worker.Do(ctx, func() {
		err = sess.Start(ctx, c.Name, c.GameDir, c.GameFiles)
		interval = sess.FrameInterval()
	})
	if err = errors.Join(doErr, err); err != nil {
		worker.Close()
		return fmt.Errorf("app: start session: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sm.lastFrame.Store(0)
	go sm.frameLoop(loopCtx, worker, sess, interval, done)

	sm.active = true
	sm.worker = worker
	sm.sess = sess
	sm.cancel = cancel
	sm.loopDone = done
	sm.info = SessionInfo{
		SessionID:     sess.ID(),
		Core:          c.Name,
		GameDir:       c.GameDir,
		StartedAt:     time.Now().UTC(),
		FrameInterval: interval,
	}

	slog.Info("session started",
		"session_id", sm.info.SessionID,
		"core", c.Name,
		"game_dir", c.GameDir,
		"frame_interval", interval,
	)
	return nil
}

// frameLoop runs one session frame on the worker per tick until ctx is
// cancelled. A late frame does not cause a burst of catch-up frames; the
// backend sees the longer delta through its frame timer instead.
func (sm *SessionManager) frameLoop(ctx context.Context, w *session.Worker, sess *session.Session, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Do(ctx, sess.RunFrame); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("frame loop stopped", "session_id", sess.ID(), "err", err)
				}
				return
			}
			sm.lastFrame.Store(time.Now().UnixNano())
		}
	}
}

// Stop ends the frame loop, tears the session down on its worker and
// releases the worker. Teardown runs even if ctx is already done; ctx values
// are kept but its cancellation is ignored.
//
// Returns [ErrNoSession] if no session is active. If teardown cannot be
// scheduled the error is returned and the manager stays active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return ErrNoSession
	}
	sessionID := sm.info.SessionID

	sm.cancel()
	<-sm.loopDone

	sess := sm.sess
	stopCtx := context.WithoutCancel(ctx)
	if err := sm.worker.Do(stopCtx, func() { sess.Stop(stopCtx) }); err != nil {
		return fmt.Errorf("app: stop session %s: %w", sessionID, err)
	}
	sm.worker.Close()

	sm.active = false
	sm.worker = nil
	sm.sess = nil
	sm.cancel = nil
	sm.loopDone = nil
	sm.info = SessionInfo{}
	sm.lastFrame.Store(0)

	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// Reset soft-resets the active session's backend on its worker.
func (sm *SessionManager) Reset(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return ErrNoSession
	}
	return sm.worker.Do(ctx, sm.sess.Reset)
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Stats returns the active session's counters. ok is false when no session
// is active.
func (sm *SessionManager) Stats() (st session.Stats, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active {
		return session.Stats{}, false
	}
	return sm.sess.Stats(), true
}

// LastFrame returns when the frame loop last completed a frame, or the zero
// time if it has not yet.
func (sm *SessionManager) LastFrame() time.Time {
	n := sm.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
