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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"machines":       len(s.store.Snapshot()),
		"viewers":        s.broadcaster.ViewerCount(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListMachines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Summary())
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	m, ok := s.store.Get(ip)
	if !ok {
		writeError(w, "machine not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, m)
}

// handleAddMachine registers a machine by hand. The new host joins the
// fleet immediately with unknown status and a background refresh fills in
// its first observation.
func (s *Server) handleAddMachine(w http.ResponseWriter, r *http.Request) {
	var entry registry.HostEntry

	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if entry.IP == "" {
		writeError(w, "ip is required", http.StatusBadRequest)
		return
	}

	if err := s.registry.Add(entry); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	machines := s.registry.Machines()
	for i := range machines {
		if machines[i].IP == entry.IP {
			s.store.EnsureHost(&machines[i])
			break
		}
	}

	if err := s.cycles.TriggerRefresh(entry.IP); err != nil && !errors.Is(err, scheduler.ErrCycleInProgress) {
		s.logger.Warn().Err(err).Str("ip", entry.IP).Msg("Refresh after add failed to start")
	}

	m, _ := s.store.Get(entry.IP)
	s.writeJSON(w, http.StatusCreated, m)
}

// handleRemoveMachine is the only pruning path. Auto-discovered machines
// that are still live reappear on the next sweep.
func (s *Server) handleRemoveMachine(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	if !s.store.Remove(ip) {
		writeError(w, "machine not found", http.StatusNotFound)
		return
	}

	if err := s.registry.Remove(ip); err != nil && !errors.Is(err, registry.ErrHostNotFound) {
		s.logger.Error().Err(err).Str("ip", ip).Msg("Failed to remove registry entry")
		writeError(w, "failed to persist removal", http.StatusInternalServerError)

		return
	}

	s.alerts.Forget(ip)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "ip": ip})
}

// handleRefreshMachine starts an immediate single-host refresh. A refresh
// already in flight for the same host coalesces; both cases report 202.
func (s *Server) handleRefreshMachine(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	switch err := s.cycles.TriggerRefresh(ip); {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_started", "ip": ip})
	case errors.Is(err, scheduler.ErrCycleInProgress):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_in_progress", "ip": ip})
	case errors.Is(err, scheduler.ErrUnknownHost):
		writeError(w, "machine not found", http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleScan starts a full fleet cycle ahead of schedule.
func (s *Server) handleScan(w http.ResponseWriter, _ *http.Request) {
	switch err := s.cycles.TriggerFleetCycle(); {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan_started"})
	case errors.Is(err, scheduler.ErrCycleInProgress):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan_in_progress"})
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// minScanInterval matches the config validation floor.
const minScanInterval = 10 * time.Second

// handleSetScanInterval hot-reloads the fleet cycle period without a
// restart. The new interval takes effect from the next tick.
func (s *Server) handleSetScanInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScanInterval models.Duration `json:"scan_interval"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.ScanInterval.Duration() < minScanInterval {
		writeError(w, "scan interval must be at least 10s", http.StatusBadRequest)
		return
	}

	s.cycles.SetInterval(body.ScanInterval.Duration())

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":        "updated",
		"scan_interval": body.ScanInterval.Duration().String(),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.alerts.List())
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.alerts.Acknowledge(id); err != nil {
		writeError(w, "alert not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": id})
}
