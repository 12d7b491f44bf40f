package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adityaadpandey/storylocks/internals/broadcast"
	"github.com/adityaadpandey/storylocks/internals/config"
	"github.com/adityaadpandey/storylocks/internals/coordinator"
	"github.com/adityaadpandey/storylocks/internals/lease"
	appmetrics "github.com/adityaadpandey/storylocks/internals/metrics"
	"github.com/adityaadpandey/storylocks/internals/room"
	"github.com/adityaadpandey/storylocks/internals/session"
	"github.com/adityaadpandey/storylocks/internals/signaling"
	"github.com/adityaadpandey/storylocks/internals/state"
)

type Server struct {
	config *config.Config
	logger *zap.Logger

	leases      *lease.Store
	rooms       *room.Registry
	coordinator *coordinator.Coordinator

	validator    session.Validator
	stateManager *state.Manager
	pinger       pinger

	upgrader   websocket.Upgrader
	router     chi.Router
	httpServer *http.Server

	started      atomic.Bool
	shutdownDone chan struct{}
	conns        sync.WaitGroup
	stopOnce     sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// pinger is a backing store /health should check.
type pinger interface {
	Ping(ctx context.Context) error
}

type Option func(*Server)

// WithValidator overrides the session validator chosen from config.
func WithValidator(v session.Validator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	leases := lease.NewStore(cfg.Lease.TTL)
	rooms := room.NewRegistry()

	s := &Server{
		config: cfg,
		logger: logger,
		leases: leases,
		rooms:  rooms,
		coordinator: coordinator.New(leases, rooms, broadcast.New(rooms, logger), logger,
			coordinator.WithRateLimit(cfg.WebSocket.RateLimitPerSec, cfg.WebSocket.RateLimitBurst),
			coordinator.WithMaxIDLength(cfg.Server.MaxIDLength),
		),
		shutdownDone: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.validator == nil {
		switch cfg.Sessions.Store {
		case config.SessionStoreRedis:
			m, err := state.NewManager(ctx, state.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				Prefix:   cfg.Redis.SessionPrefix,
			}, logger)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("session store: %w", err)
			}
			s.stateManager = m
			s.validator = m
			s.pinger = m
		default:
			s.validator = session.AllowAll{}
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	s.router = s.routes()

	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/debug/stats", s.handleStats)
	r.Get("/ws/{sessionId}/{storyId}/{slide}", s.handleWebSocket)

	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.started.Store(true)
	s.logger.Info("Starting locks server",
		zap.String("addr", s.config.Addr()),
		zap.Duration("leaseTTL", s.config.Lease.TTL),
		zap.Duration("sweepInterval", s.config.Lease.SweepInterval),
		zap.String("sessionStore", s.config.Sessions.Store),
	)

	if s.config.Lease.SweepInterval > 0 {
		go s.coordinator.RunSweeper(s.ctx, s.config.Lease.SweepInterval)
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	httpServer := s.httpServer
	go func() {
		defer close(s.shutdownDone)
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown did not complete", zap.Error(err))
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes every websocket, stops the sweeper and shuts the HTTP server
// down. It returns once the HTTP server and all websocket handlers have
// finished, or after the shutdown timeout.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	s.logger.Info("Stopping locks server",
		zap.Int("connections", s.rooms.Connections()),
		zap.Int("leases", s.leases.Len()),
	)
	s.cancel()

	deadline := time.NewTimer(s.config.Server.ShutdownTimeout)
	defer deadline.Stop()

	if s.started.Load() {
		select {
		case <-s.shutdownDone:
		case <-deadline.C:
			s.logger.Warn("Timed out waiting for HTTP shutdown")
		}
	}

	handlersDone := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-deadline.C:
		s.logger.Warn("Timed out waiting for websocket handlers",
			zap.Int("connections", s.rooms.Connections()),
		)
	}

	if s.stateManager != nil {
		if err := s.stateManager.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			if s.wildcardOrigin() {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wildcardOrigin() bool {
	for _, o := range s.config.Server.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"rooms":       s.rooms.Rooms(),
		"connections": s.rooms.Connections(),
		"leases":      s.leases.Len(),
		"goroutines":  runtime.NumGoroutine(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	key, err := s.roomKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.validator.Validate(r.Context(), key.SessionID); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		s.logger.Error("Session validation failed", zap.String("sessionId", key.SessionID), zap.Error(err))
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	client := signaling.NewClient(conn, s.clientConfig(), s.logger)
	lc := s.coordinator.Attach(key, client)
	defer lc.Detach()

	appmetrics.ConnectionsTotal.Inc()
	appmetrics.ConnectionsActive.Inc()
	defer appmetrics.ConnectionsActive.Dec()

	s.logger.Info("Client connected",
		zap.String("clientID", client.ID()),
		zap.String("room", key.String()),
		zap.String("remote", r.RemoteAddr),
	)

	// Server shutdown closes the client, which ends both pumps.
	go func() {
		select {
		case <-s.ctx.Done():
			client.Close()
		case <-client.Done():
		}
	}()

	go client.WritePump()
	client.ReadPump(lc.Handle)

	s.logger.Info("Client disconnected",
		zap.String("clientID", client.ID()),
		zap.String("room", key.String()),
		zap.String("deviceToken", string(lc.DeviceToken())),
	)
}

func (s *Server) roomKey(r *http.Request) (lease.RoomKey, error) {
	maxLen := s.config.Server.MaxIDLength
	sessionID := chi.URLParam(r, "sessionId")
	storyID := chi.URLParam(r, "storyId")

	if err := session.CheckID("sessionId", sessionID, maxLen); err != nil {
		return lease.RoomKey{}, err
	}
	if err := session.CheckID("storyId", storyID, maxLen); err != nil {
		return lease.RoomKey{}, err
	}
	slide, err := session.ParseSlide(chi.URLParam(r, "slide"))
	if err != nil {
		return lease.RoomKey{}, err
	}
	return lease.RoomKey{SessionID: sessionID, StoryID: storyID, Slide: slide}, nil
}

func (s *Server) clientConfig() signaling.ClientConfig {
	ws := s.config.WebSocket
	return signaling.ClientConfig{
		ReadLimit:    ws.ReadLimit,
		WriteTimeout: ws.WriteTimeout,
		PongTimeout:  ws.PongTimeout,
		PingInterval: ws.PingInterval,
		SendQueue:    ws.SendQueue,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
