/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api exposes the fleet over HTTP: REST reads and mutations plus a
// websocket stream of live updates.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/fleetwatch/pkg/alerts"
	"github.com/carverauto/fleetwatch/pkg/broadcast"
	"github.com/carverauto/fleetwatch/pkg/httpx"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/state"
)

const (
	defaultReadTimeout = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// CycleRunner triggers monitoring work on demand and accepts runtime
// adjustments to the fleet cycle period.
type CycleRunner interface {
	TriggerFleetCycle() error
	TriggerRefresh(ip string) error
	SetInterval(d time.Duration)
}

// Server is the HTTP surface of the engine.
type Server struct {
	store       *state.Store
	registry    *registry.Registry
	cycles      CycleRunner
	broadcaster *broadcast.Broadcaster
	alerts      *alerts.Service
	router      *mux.Router
	handler     http.Handler
	logger      logger.Logger
	corsOrigins []string
	started     time.Time

	httpSrv *http.Server
}

func NewServer(store *state.Store, reg *registry.Registry, cycles CycleRunner,
	b *broadcast.Broadcaster, a *alerts.Service, corsOrigins []string, log logger.Logger) *Server {
	s := &Server{
		store:       store,
		registry:    reg,
		cycles:      cycles,
		broadcaster: b,
		alerts:      a,
		router:      mux.NewRouter(),
		logger:      log,
		corsOrigins: corsOrigins,
		started:     time.Now(),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/api/machines", s.handleListMachines).Methods(http.MethodGet)
	s.router.HandleFunc("/api/machines", s.handleAddMachine).Methods(http.MethodPost)
	s.router.HandleFunc("/api/machines/summary", s.handleSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/api/machines/scan", s.handleScan).Methods(http.MethodPost)
	s.router.HandleFunc("/api/machines/{ip}", s.handleGetMachine).Methods(http.MethodGet)
	s.router.HandleFunc("/api/machines/{ip}", s.handleRemoveMachine).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/machines/{ip}/refresh", s.handleRefreshMachine).Methods(http.MethodPost)

	s.router.HandleFunc("/api/alerts", s.handleListAlerts).Methods(http.MethodGet)
	s.router.HandleFunc("/api/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)

	s.router.HandleFunc("/api/settings/scan-interval", s.handleSetScanInterval).Methods(http.MethodPut)

	s.router.HandleFunc("/ws", s.handleWebSocket)

	// CORS wraps the router from outside so preflight requests get answered
	// even when no route matches the OPTIONS method.
	s.handler = httpx.LoggingMiddleware(s.logger)(httpx.CORSMiddleware(s.corsOrigins)(s.router))
}

// Handler exposes the full middleware chain, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener fails or Shutdown is called. Write
// timeouts stay unset so websocket connections are not cut off.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: defaultReadTimeout,
		IdleTimeout: defaultIdleTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")

	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}

	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
