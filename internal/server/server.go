// Package server wires the dispatcher: the HTTP surface, the chunk worker
// registry, and the clients for the archive store, model gateway, and
// orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/arke"
	"github.com/Arke-Institute/arke-metadata-service/internal/chunk"
	"github.com/Arke-Institute/arke-metadata-service/internal/config"
	"github.com/Arke-Institute/arke-metadata-service/internal/extract"
	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
	"github.com/Arke-Institute/arke-metadata-service/internal/orchestrator"
	"github.com/Arke-Institute/arke-metadata-service/internal/providers"
	"github.com/Arke-Institute/arke-metadata-service/internal/server/endpoints"
	"github.com/Arke-Institute/arke-metadata-service/internal/store"
)

// Server is the PINAX dispatcher.
type Server struct {
	httpServer *http.Server
	store      *store.Store
	registry   *chunk.Registry
	logger     *slog.Logger

	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// New creates a Server from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	archiveClient := arke.NewClient(cfg.ArkeAPIURL)
	llmClient := providers.NewDeepInfraClient(providers.DeepInfraConfig{
		APIKey:  cfg.DeepInfraAPIKey,
		BaseURL: cfg.DeepInfraBaseURL,
		Model:   cfg.ModelName,
	})

	fetcher := fetch.New(fetch.Config{
		Store:           archiveClient,
		Logger:          logger,
		ModelMaxTokens:  cfg.ModelMaxTokens,
		TokenProportion: cfg.ContentTokenProportion,
	})
	extractor := extract.New(extract.Config{
		Client: llmClient,
		Model:  cfg.ModelName,
		Logger: logger,
	})

	registry := chunk.NewRegistry(chunk.Deps{
		Store:        st,
		Archive:      archiveClient,
		Fetcher:      fetcher,
		Extractor:    extractor,
		Orchestrator: orchestrator.NewClient(cfg.OrchestratorURL),
		Logger:       logger,
		Config: chunk.Config{
			MaxRetriesPerPI:    cfg.MaxRetriesPerPI,
			MaxCallbackRetries: cfg.MaxCallbackRetries,
			AlarmInterval:      cfg.AlarmInterval(),
		},
	})

	s := &Server{
		store:    st,
		registry: registry,
		logger:   logger,
	}

	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		Registry:  registry,
		Fetcher:   fetcher,
		Extractor: extractor,
	}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      withCORS(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous extraction can be slow
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// EndpointRegistry exposes the endpoints for CLI command construction.
func (s *Server) EndpointRegistry() *api.Registry {
	return s.endpointRegistry
}

// Start resumes interrupted chunks and serves HTTP until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.registry.Start(ctx); err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to resume chunk workers: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown performs graceful shutdown of the HTTP server and state store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("state store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// withCORS answers preflight requests and stamps CORS headers on every
// response so browser-based tooling can call the API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
