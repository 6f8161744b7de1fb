// Package app wires all voicebridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the session store,
// the AI-service dialer, and the optional call-detail-record store from
// config; Run serves the platform WebSocket endpoints plus health and
// metrics; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithAIDialer, …). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kverne/voicebridge/internal/bridge"
	"github.com/kverne/voicebridge/internal/calllog"
	"github.com/kverne/voicebridge/internal/config"
	"github.com/kverne/voicebridge/internal/health"
	"github.com/kverne/voicebridge/internal/observe"
	"github.com/kverne/voicebridge/internal/platform"
	"github.com/kverne/voicebridge/internal/recorder"
	"github.com/kverne/voicebridge/internal/resilience"
	"github.com/kverne/voicebridge/internal/session"
	"github.com/kverne/voicebridge/pkg/aiservice"
	aimock "github.com/kverne/voicebridge/pkg/aiservice/mock"
)

// shutdownGrace is how long Run waits for the HTTP listener to drain
// after the root context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes and serves the bridge endpoints.
type App struct {
	cfg   *config.Config
	agent bridge.Agent

	store    session.Store
	sessions *session.Manager
	cdr      *calllog.Store
	dialAI   bridge.AIDialer
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	// calls tracks per-call goroutines so Shutdown can wait for them.
	calls sync.WaitGroup

	// closers run in order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of building one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAIDialer injects the AI-service dialer instead of building one
// from config.
func WithAIDialer(d bridge.AIDialer) Option {
	return func(a *App) { a.dialAI = d }
}

// WithCallLog injects a CDR store instead of opening one from config.
func WithCallLog(store *calllog.Store) Option {
	return func(a *App) { a.cdr = store }
}

// WithMetrics overrides the metrics instance (tests).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The agent is
// the conversational persona bridged onto every call.
func New(ctx context.Context, cfg *config.Config, agent bridge.Agent, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		agent:   agent,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("app: init session store: %w", err)
	}
	a.sessions = session.NewManager(a.store)
	a.sessions.OnTransition(0, func(old, next session.Status, s *session.Session) {
		slog.Debug("session status changed",
			"conversation_id", s.ConversationID, "from", old, "to", next)
	})

	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}
	a.initDialer()

	return a, nil
}

// initStore builds the configured session backend unless one was
// injected.
func (a *App) initStore() error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Session.StorageBackend {
	case config.StorageExternalKV:
		rc := a.cfg.Session.Redis
		store, err := session.NewRedisStore(session.RedisConfig{
			URL:            rc.URL,
			KeyPrefix:      rc.KeyPrefix,
			TTL:            time.Duration(rc.TTLSeconds) * time.Second,
			MaxConnections: rc.MaxConnections,
		})
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = session.NewMemoryStore(
			session.WithMaxAge(a.cfg.Session.MaxAge()),
		)
	}
	return nil
}

// initCallLog opens the CDR store when a DSN is configured. An empty
// DSN disables CDR persistence silently.
func (a *App) initCallLog(ctx context.Context) error {
	if a.cdr != nil || a.cfg.CallLog.PostgresDSN == "" {
		return nil
	}
	store, err := calllog.Open(ctx, a.cfg.CallLog.PostgresDSN)
	if err != nil {
		return err
	}
	a.cdr = store
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	return nil
}

// initDialer builds the AI-service dialer unless one was injected. The
// real dialer is guarded by a circuit breaker so a rejecting AI service
// fails new calls fast instead of stacking dial timeouts.
func (a *App) initDialer() {
	if a.dialAI != nil {
		return
	}
	if a.cfg.AI.UseLocalAI {
		a.dialAI = func(_ context.Context) (aiservice.Conn, error) {
			return aimock.New(), nil
		}
		slog.Info("using in-process mock AI service")
		return
	}

	var clientOpts []aiservice.Option
	if a.cfg.AI.Model != "" {
		clientOpts = append(clientOpts, aiservice.WithModel(a.cfg.AI.Model))
	}
	if a.cfg.AI.BaseURL != "" {
		clientOpts = append(clientOpts, aiservice.WithBaseURL(a.cfg.AI.BaseURL))
	}
	client := aiservice.New(a.cfg.AI.APIKey, clientOpts...)

	a.breaker = resilience.New(resilience.Config{Name: "ai-dial"})
	a.dialAI = func(ctx context.Context) (aiservice.Conn, error) {
		var conn aiservice.Conn
		err := a.breaker.Do(func() error {
			s, err := client.Connect(ctx)
			if err != nil {
				return err
			}
			conn = s
			return nil
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Handler returns the full HTTP surface of the server: the two platform
// WebSocket endpoints, health probes, and Prometheus metrics, all
// wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/audiocodes", a.acceptWS("audiocodes", func(fc platform.FrameConn) platform.Conn {
		return platform.NewAudioCodesConn(fc)
	}))
	mux.HandleFunc("/ws/twilio", a.acceptWS("twilio", func(fc platform.FrameConn) platform.Conn {
		return platform.NewTwilioConn(fc)
	}))
	mux.Handle("GET /metrics", promhttp.Handler())
	a.healthHandler().Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// healthHandler assembles readiness checks over the live dependencies.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		{Name: "session_store", Check: func(ctx context.Context) error {
			_, err := a.store.List(ctx)
			return err
		}},
	}
	if a.breaker != nil {
		checkers = append(checkers, health.Checker{
			Name: "ai_service",
			Check: func(_ context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return errors.New("circuit open")
				}
				return nil
			},
		})
	}
	if a.cdr != nil {
		checkers = append(checkers, health.Checker{
			Name:  "call_log",
			Check: a.cdr.Ping,
		})
	}
	return health.New(checkers...)
}

// acceptWS upgrades a platform connection and runs one bridge for its
// lifetime. The handler returns when the call ends.
func (a *App) acceptWS(platformName string, wrap func(platform.FrameConn) platform.Conn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "platform", platformName, "error", err)
			return
		}
		// Platform legs stream base64 audio frames well past the
		// library's 32 KiB default.
		ws.SetReadLimit(1 << 20)

		conn := wrap(platform.NewWSFrameConn(ws))
		opts := []bridge.Option{bridge.WithMetrics(a.metrics)}
		if a.cfg.Recording.On() {
			opts = append(opts, bridge.WithRecorder(recorder.New(a.callDir())))
		}
		if a.cdr != nil {
			opts = append(opts, bridge.WithCallLog(a.cdr))
		}
		b := bridge.New(conn, a.dialAI, a.agent, a.sessions, bridge.Config{
			Platform:      platformName,
			MaxSessionAge: a.cfg.Session.MaxAge(),
		}, opts...)

		a.calls.Add(1)
		defer a.calls.Done()
		if err := b.Run(r.Context()); err != nil {
			slog.Warn("call ended with error", "platform", platformName, "error", err)
		}
	}
}

// callDir allocates a fresh recording directory for one call. The
// conversation id is not known until the first frame, so directories
// are named by accept time plus a short unique suffix; metadata.json
// inside carries the conversation id.
func (a *App) callDir() string {
	name := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	return filepath.Join(a.cfg.Recording.Dir, name)
}

// Run starts the session store and the HTTP listener, then blocks until
// ctx is cancelled. Active calls get shutdownGrace to drain.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Start(ctx); err != nil {
		return fmt.Errorf("app: start session store: %w", err)
	}

	srv := &http.Server{
		Addr:        a.cfg.Server.ListenAddr,
		Handler:     a.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("voicebridge listening",
		"addr", a.cfg.Server.ListenAddr,
		"storage", a.cfg.Session.StorageBackend,
		"recording", a.cfg.Recording.On(),
		"local_ai", a.cfg.AI.UseLocalAI)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	a.calls.Wait()
	return ctx.Err()
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: when ctx expires, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers)+1)

		if err := a.store.Stop(ctx); err != nil {
			slog.Warn("session store stop", "error", err)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
