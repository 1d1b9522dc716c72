package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/cache"
	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/rotation"
	"github.com/Tyrowin/relaychat/internal/workerpool"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Server owns every shared component and the listeners feeding them.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	cache    *cache.MessageCache
	rotation *rotation.Rotation
	pool     *workerpool.Pool
	registry *Registry
	metrics  *metrics.Collector
	origins  originPolicy

	mu         sync.Mutex
	state      state
	ctx        context.Context
	cancel     context.CancelFunc
	tcpLn      net.Listener
	httpLn     net.Listener
	httpServer *http.Server
	acceptDone chan struct{}

	trackMu sync.Mutex
	tracked map[Transport]struct{}
}

// New builds a server from cfg. Misconfiguration is reported here, before
// any listener is bound.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	mc, err := cache.New(cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		now:      time.Now,
		cache:    mc,
		rotation: rotation.New(logger),
		tracked:  make(map[Transport]struct{}),
	}
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.logger)

	s.metrics = metrics.NewCollector(metrics.Sources{
		Cache:         mc.Stats,
		ActiveClients: func() int { return s.registry.Count() },
		ActiveWorkers: func() int { return s.pool.ActiveCount() },
		PageFaults:    metrics.ProcessPageFaults,
	})
	s.registry = NewRegistry(mc, s.metrics, logger)

	pool, err := workerpool.New(cfg.WorkerPoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool

	return s, nil
}

// Start binds the TCP listener, and the HTTP listener when configured, and
// begins accepting clients. It returns once both are listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return ErrServerRunning
	case stateClosed:
		return ErrServerClosed
	}

	tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = tcpLn.Close()
			return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tcpLn = tcpLn
	s.acceptDone = make(chan struct{})
	s.state = stateRunning

	go s.acceptLoop(s.ctx, tcpLn)
	s.logger.Info().
		Str("addr", tcpLn.Addr().String()).
		Int("workers", s.cfg.WorkerPoolSize).
		Int("cache_capacity", s.cfg.CacheCapacity).
		Msg("chat server listening")

	if httpLn != nil {
		s.httpLn = httpLn
		s.httpServer = CreateServer(httpLn.Addr().String(), s.Routes())
		go s.serveHTTP(s.httpServer, httpLn)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.acceptDone)

	tcpLn, _ := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			return
		}
		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		s.dispatchSession(ctx, newTCPTransport(conn, s.cfg.PollInterval, s.cfg.WriteTimeout))
	}
}

// dispatchSession hands a new transport to the pool as one task.
func (s *Server) dispatchSession(ctx context.Context, t Transport) {
	if !s.track(t) {
		_ = t.Close()
		return
	}
	err := s.pool.Enqueue(func() error {
		return s.serveSession(ctx, t)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", t.RemoteAddr()).Msg("rejecting connection")
		s.untrack(t)
		_ = t.Close()
	}
}

// track records a live transport so Shutdown can force it closed. It
// refuses new transports once shutdown has begun.
func (s *Server) track(t Transport) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.tracked == nil {
		return false
	}
	s.tracked[t] = struct{}{}
	return true
}

func (s *Server) untrack(t Transport) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	delete(s.tracked, t)
}

// closeTracked force-closes every live transport, registered or still in
// its handshake, and stops tracking new ones.
func (s *Server) closeTracked() int {
	s.trackMu.Lock()
	live := make([]Transport, 0, len(s.tracked))
	for t := range s.tracked {
		live = append(live, t)
	}
	s.tracked = nil
	s.trackMu.Unlock()

	for _, t := range live {
		if err := t.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Str("remote", t.RemoteAddr()).Msg("error closing client transport")
		}
	}
	return len(live)
}

// Shutdown stops accepting, force-closes every client, and waits up to
// timeout for the sessions to finish their cleanup. It returns
// context.DeadlineExceeded if workers are still busy when time runs out.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	switch s.state {
	case stateNew:
		// release the idle workers of a server that never started
		s.state = stateClosed
		s.mu.Unlock()
		_ = s.pool.Shutdown(timeout)
		return ErrServerNotRunning
	case stateClosed:
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.state = stateClosed
	s.mu.Unlock()

	s.logger.Info().Msg("initiating server shutdown")
	deadline := time.Now().Add(timeout)

	s.cancel()
	if err := s.tcpLn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn().Err(err).Msg("error closing tcp listener")
	}
	if s.httpServer != nil {
		if err := ShutdownServer(s.httpServer, timeout); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}

	closed := s.closeTracked()
	s.logger.Info().Int("connections", closed).Msg("closed client connections")

	select {
	case <-s.acceptDone:
	case <-time.After(time.Until(deadline)):
		return context.DeadlineExceeded
	}

	poolErr := s.pool.Shutdown(time.Until(deadline))

	s.logger.Info().Msg("final statistics" + s.metrics.Snapshot().Format())
	if poolErr != nil {
		return poolErr
	}
	s.logger.Info().Msg("server shutdown completed")
	return nil
}

// TCPAddr returns the bound chat listener address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// HTTPAddr returns the bound ops listener address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Stats returns a metrics snapshot together with the rotation order and
// the registered clients.
func (s *Server) Stats() StatsResponse {
	return StatsResponse{
		Metrics:  s.metrics.Snapshot(),
		Rotation: s.rotation.Order(),
		Clients:  s.registry.Connections(),
	}
}

// Metrics exposes the collector for registration with Prometheus.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// Cache exposes the message cache.
func (s *Server) Cache() *cache.MessageCache {
	return s.cache
}
