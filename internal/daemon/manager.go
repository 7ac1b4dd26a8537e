// SPDX-License-Identifier: MIT

// Package daemon wires the recording agent together and runs it until the
// process is told to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/scriptglance/recorder/internal/log"
)

// ShutdownHook releases one component. Hooks run in reverse registration
// order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Worker is a background loop that runs until ctx is cancelled.
type Worker func(ctx context.Context) error

// ServerConfig configures the API listener.
type ServerConfig struct {
	ListenAddr string
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections    int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedWorker struct {
	name   string
	worker Worker
}

// Manager runs the API server and background workers and tears everything
// down in order.
type Manager struct {
	cfg     ServerConfig
	handler http.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	addr     net.Addr
	ready    chan struct{}
	hooks    []namedHook
	workers  []namedWorker
	onServer []func()
	started  bool
	stopping bool
}

func NewManager(cfg ServerConfig, handler http.Handler) (*Manager, error) {
	if handler == nil {
		return nil, ErrMissingHandler
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  log.WithComponent("daemon"),
		ready:   make(chan struct{}),
	}, nil
}

// RegisterShutdownHook adds a cleanup step.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// RegisterWorker adds a loop started with the server. A worker error stops
// the daemon.
func (m *Manager) RegisterWorker(name string, w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, namedWorker{name: name, worker: w})
}

// OnServerShutdown runs f as soon as the HTTP server starts shutting down,
// before it waits for connections. Long-lived streams use it to end.
func (m *Manager) OnServerShutdown(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onServer = append(m.onServer, f)
}

// Addr blocks until the listener is bound and returns its address.
func (m *Manager) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-m.ready:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start serves until ctx is cancelled or a component fails, then shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		m.stopping = true
		hooks := append([]namedHook(nil), m.hooks...)
		m.mu.Unlock()
		listenErr := fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
		if hookErr := m.runHooks(context.WithoutCancel(ctx), hooks); hookErr != nil {
			return errors.Join(listenErr, hookErr)
		}
		return listenErr
	}
	if m.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConnections)
	}
	// No WriteTimeout: the event stream holds responses open.
	m.server = &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: m.cfg.ReadHeaderTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}
	for _, f := range m.onServer {
		m.server.RegisterOnShutdown(f)
	}
	m.addr = ln.Addr()
	workers := append([]namedWorker(nil), m.workers...)
	close(m.ready)
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldEvent, "daemon.listening").
		Str("addr", ln.Addr().String()).
		Int("max_connections", m.cfg.MaxConnections).
		Msg("API server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str(log.FieldEvent, "daemon.server_failed").Msg("API server failed")
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	for _, w := range workers {
		g.Go(func() error {
			if err := w.worker(gctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Str(log.FieldEvent, "daemon.worker_failed").Str("worker", w.name).Msg("worker failed")
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		m.logger.Info().Str(log.FieldEvent, "daemon.stopping").Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the server, then runs the hooks newest first. It is safe
// to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	server := m.server
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	if err := m.runHooks(ctx, hooks); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}

func (m *Manager) runHooks(ctx context.Context, hooks []namedHook) error {
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		started := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(started)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(started)).Msg("shutdown hook completed")
	}
	return errors.Join(errs...)
}
