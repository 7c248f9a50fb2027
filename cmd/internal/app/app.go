// Package app wires the dmrelay server runtime: config, logging, persistence,
// token verification, metrics, HTTP routes and the relay gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"dmrelay/cmd/internal/auth/session"
	"dmrelay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the dmrelay server runtime: it owns the HTTP server, the store lifecycle
// and the relay gateway.
type App struct {
	cfg Config
	log Logger

	store   *storeHandle
	ws      *realtime.WSGateway
	relay   *realtime.Relay
	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	wsCfg, err := realtime.LoadGatewayConfig()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, sessCfg, wsCfg, log)
}

func build(ctx context.Context, cfg Config, sessCfg session.Config, wsCfg realtime.GatewayConfig, log Logger) (*App, error) {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("auth tokens: %w", err)
	}

	var sessions session.Store
	if sessCfg.CheckSessions {
		if st.pool == nil {
			_ = st.Close()
			return nil, errors.New("RELAY_AUTH_CHECK_SESSIONS requires RELAY_DATABASE_URL")
		}
		ps, err := session.NewPostgresStore(st.pool, cfg.DBSchema)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		sessions = ps
	}
	authSvc := session.NewService(sessCfg, sessions, tokens)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(reg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	relay := realtime.NewRelay(log, st.messages, realtime.WithMetrics(metrics))
	ws, err := realtime.NewWSGateway(log, relay, authSvc, wsCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		ws:      ws,
		relay:   relay,
		metrics: reg,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.ws, a.metrics)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// Hijacked websocket connections are not tracked by Shutdown; deriving request
		// contexts from ctx ends their read loops when the process is stopping.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.store.kind,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.store.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL reachable from the same host.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}

// storeHandle owns whichever persistence backend was selected.
type storeHandle struct {
	kind     string
	messages realtime.MessageStore
	pool     *pgxpool.Pool
	sqlite   *realtime.SQLiteStore
}

// Ping reports whether the backing database is reachable. Memory always is.
func (s *storeHandle) Ping(ctx context.Context) error {
	switch {
	case s.pool != nil:
		return pingPool(ctx, s.pool, 2*time.Second)
	case s.sqlite != nil:
		return s.sqlite.Ping(ctx)
	default:
		return nil
	}
}

func (s *storeHandle) persistent() bool { return s.pool != nil || s.sqlite != nil }

// Close releases the store; the pgx pool is owned here, not by PostgresStore.
func (s *storeHandle) Close() error {
	var err error
	if s.messages != nil {
		err = s.messages.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore selects Postgres, then SQLite, then the in-memory dev store.
func openStore(ctx context.Context, cfg Config, log Logger) (*storeHandle, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := openPostgresPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}

		ps, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := ps.ApplySchema(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}

		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
		return &storeHandle{kind: "postgres", messages: ps, pool: pool}, nil
	}

	if strings.TrimSpace(cfg.SQLitePath) != "" {
		ss, err := realtime.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return &storeHandle{kind: "sqlite", messages: ss, sqlite: ss}, nil
	}

	log.Info("db.disabled.inmemory_store")
	return &storeHandle{kind: "memory", messages: realtime.NewInMemoryStore()}, nil
}
