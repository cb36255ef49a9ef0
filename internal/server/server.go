/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/loqalabs/loqa-murajaah/internal/api"
	"github.com/loqalabs/loqa-murajaah/internal/config"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/messaging"
	"github.com/loqalabs/loqa-murajaah/internal/metrics"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/storage"
	"github.com/loqalabs/loqa-murajaah/internal/transport"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

// HealthService is the gRPC health service name for transcription.
const HealthService = "murajaah.Transcription"

const shutdownTimeout = 30 * time.Second

// Dependencies are the components the server exposes. Archive, Database
// and NATS are optional.
type Dependencies struct {
	Sessions    *session.Manager
	Engines     *engine.Registry
	Archive     *storage.SessionStore
	Database    *storage.Database
	Dictionary  *validation.Dictionary
	Hub         *transport.StreamHub
	Performance *metrics.PerformanceMonitor
	Resources   *metrics.ResourceMonitor
	NATS        *messaging.NATSService
}

// Server is the murajaah hub: HTTP API, websocket streams and gRPC health.
type Server struct {
	cfg    *config.Config
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server

	grpcServer *grpc.Server
	health     *health.Server

	// how often resource usage is sampled
	sampleInterval time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a server over deps.
func New(cfg *config.Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if deps.Performance == nil {
		deps.Performance = metrics.NewPerformanceMonitor(cfg.Engine.SampleRate)
	}
	if deps.Resources == nil {
		deps.Resources = metrics.NewResourceMonitor()
	}

	s := &Server{
		cfg:            cfg,
		deps:           deps,
		mux:            http.NewServeMux(),
		grpcServer:     grpc.NewServer(),
		health:         health.NewServer(),
		sampleInterval: 30 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	healthgrpc.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(HealthService, healthgrpc.HealthCheckResponse_NOT_SERVING)

	s.routes()
	return s
}

// routes sets up HTTP routing
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	// A nil store must not become a non-nil interface.
	var archive api.ArchiveReader
	if s.deps.Archive != nil {
		archive = s.deps.Archive
		api.NewArchiveHandler(s.deps.Archive).Register(s.mux)
	}

	api.NewSessionsHandler(s.deps.Sessions, archive).Register(s.mux)
	api.NewEnginesHandler(s.deps.Engines).Register(s.mux)
	api.NewValidateHandler(s.deps.Dictionary, s.cfg.DictionaryOptions()).Register(s.mux)

	if s.deps.Hub != nil {
		s.mux.HandleFunc("GET /ws/sessions/{id}", s.deps.Hub.HandleStream)
	}

	logging.Sugar.Infow("🌐 HTTP routes configured",
		"sessions_endpoint", "/api/sessions",
		"stream_endpoint", "/ws/sessions/{id}",
		"archive_enabled", archive != nil)
}

// Start listens on the configured ports and serves until Stop.
func (s *Server) Start() error {
	httpListener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP listen failed: %w", err)
	}

	var grpcListener net.Listener
	if s.cfg.Server.GRPCPort > 0 {
		addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.GRPCPort))
		grpcListener, err = net.Listen("tcp", addr)
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("gRPC listen failed: %w", err)
		}
	}

	return s.Serve(httpListener, grpcListener)
}

// Serve runs the HTTP server on httpListener and, when non-nil, gRPC health
// on grpcListener. It returns after Stop or when either server fails.
func (s *Server) Serve(httpListener, grpcListener net.Listener) error {
	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		if err := s.server.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if grpcListener != nil {
		g.Go(func() error {
			if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.sampleResources(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	if ctx.Err() == nil {
		s.setServing(healthgrpc.HealthCheckResponse_SERVING)
	}

	logging.Sugar.Infow("🚀 Murajaah hub starting",
		"http_addr", httpListener.Addr().String(),
		"grpc_enabled", grpcListener != nil,
		"engine_backend", s.deps.Engines.Backend())

	return g.Wait()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down murajaah hub")
	s.cancel()
	err := s.shutdown()
	if err == nil {
		logging.Sugar.Infow("✅ Murajaah hub shut down successfully")
	}
	return err
}

func (s *Server) shutdown() error {
	s.shutdownOnce.Do(func() {
		// Health reports NOT_SERVING from here on.
		s.health.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		if err := s.server.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
		}

		select {
		case <-stopped:
		case <-ctx.Done():
			logging.LogWarn("gRPC graceful stop timed out, forcing stop")
			s.grpcServer.Stop()
		}
	})
	return s.shutdownErr
}

func (s *Server) setServing(status healthgrpc.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// sampleResources records resource usage and flags leaks until ctx ends.
func (s *Server) sampleResources(ctx context.Context) {
	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
			if warnings := s.deps.Resources.CheckResourceLeaks(); len(warnings) > 0 {
				logging.LogWarn("Resource warnings", zap.Strings("warnings", warnings))
			}
			s.deps.Performance.RefreshRecommendations()
			s.deps.Performance.LogPerformanceSummary()
		}
	}
}

func (s *Server) sample() {
	var sessions, engines metrics.ResourceProbe
	if s.deps.Sessions != nil {
		sessions = s.deps.Sessions
	}
	if s.deps.Engines != nil {
		engines = s.deps.Engines
	}
	s.deps.Resources.Sample(sessions, engines)
}

// handleHealth provides system health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sample()
	resources := s.deps.Resources.GetHealthStatus()
	degraded := resources["healthy"] != true

	health := map[string]interface{}{
		"status":           "ok",
		"timestamp":        time.Now(),
		"engine_backend":   s.deps.Engines.Backend(),
		"engine_instances": s.deps.Engines.Len(),
		"sessions":         s.deps.Sessions.Len(),
		"resources":        resources,
	}

	if s.deps.Hub != nil {
		health["stream_clients"] = s.deps.Hub.Len()
	}

	switch {
	case s.deps.Database == nil:
		health["database"] = "disabled"
	case s.deps.Database.Ping() != nil:
		health["database"] = "unavailable"
		degraded = true
	default:
		health["database"] = "ok"
		health["database_connections"] = s.deps.Database.OpenConnections()
	}

	switch {
	case s.deps.NATS == nil:
		health["nats"] = "disabled"
	case s.deps.NATS.IsConnected():
		health["nats"] = "connected"
	default:
		health["nats"] = "disconnected"
		degraded = true
	}

	if degraded {
		health["status"] = "degraded"
	}

	writeJSON(w, health)
}

// handleMetrics returns transcription and transport performance metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"performance": s.deps.Performance.GetPerformanceStatus(),
	}
	if s.deps.NATS != nil {
		response["nats"] = s.deps.NATS.GetStats()
	}
	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write response")
	}
}
