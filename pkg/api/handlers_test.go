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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/alerts"
	"github.com/carverauto/fleetwatch/pkg/broadcast"
	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
	"github.com/carverauto/fleetwatch/pkg/state"
)

// fakeCycles records trigger calls and returns scripted errors.
type fakeCycles struct {
	fleetErr   error
	refreshErr map[string]error

	fleetCalls   int
	refreshCalls []string
	intervals    []time.Duration
}

func (f *fakeCycles) TriggerFleetCycle() error {
	f.fleetCalls++
	return f.fleetErr
}

func (f *fakeCycles) TriggerRefresh(ip string) error {
	f.refreshCalls = append(f.refreshCalls, ip)

	if err, ok := f.refreshErr[ip]; ok {
		return err
	}

	return nil
}

func (f *fakeCycles) SetInterval(d time.Duration) {
	f.intervals = append(f.intervals, d)
}

type apiFixture struct {
	server *Server
	store  *state.Store
	alerts *alerts.Service
	cycles *fakeCycles
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := logger.NewTestLogger()

	regPath := filepath.Join(t.TempDir(), "machines.yml")
	require.NoError(t, os.WriteFile(regPath, []byte("machines:\n  - ip: 10.0.0.1\n    name: node-1\n"), 0o600))

	reg, err := registry.Load(regPath, log)
	require.NoError(t, err)

	store := state.NewStore(log)

	machines := reg.Machines()
	for i := range machines {
		store.EnsureHost(&machines[i])
	}

	store.Apply(state.ApplyResult{IP: "10.0.0.1", Seq: 1, Reachable: true, CollectionOK: true,
		Metrics: &models.SystemMetrics{Hostname: "node-1"}, ScanTime: time.Now()})

	b := broadcast.NewBroadcaster(func() ([]models.Machine, *models.NetworkSummary) {
		summary := store.Summary()
		return store.Snapshot(), &summary
	}, 8, log)

	alertSvc := alerts.NewService(config.DefaultAlertThresholds(), log)
	cycles := &fakeCycles{refreshErr: map[string]error{}}

	return &apiFixture{
		server: NewServer(store, reg, cycles, b, alertSvc, nil, log),
		store:  store,
		alerts: alertSvc,
		cycles: cycles,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()

	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestListMachines(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/machines", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var machines []models.Machine

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "10.0.0.1", machines[0].IP)
	assert.Equal(t, models.StatusOnline, machines[0].Status)
}

func TestGetMachine(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/machines/10.0.0.1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var m models.Machine

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "node-1", m.Name)

	rec = f.do(t, http.MethodGet, "/api/machines/192.0.2.1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummary(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/machines/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sum models.NetworkSummary

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.TotalMachines)
	assert.Equal(t, 1, sum.Online)
}

func TestAddMachine(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/machines", `{"ip":"10.0.0.7","name":"new-node"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	m, ok := f.store.Get("10.0.0.7")
	require.True(t, ok)
	assert.Equal(t, "new-node", m.Name)
	assert.Equal(t, models.StatusUnknown, m.Status)

	// Add kicks off a background refresh for the new host.
	assert.Contains(t, f.cycles.refreshCalls, "10.0.0.7")
}

func TestAddMachineValidation(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/machines", `{"name":"no-ip"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/machines", `{"ip":"bogus"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/machines", `not json`).Code)
}

func TestRemoveMachine(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/machines/10.0.0.1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := f.store.Get("10.0.0.1")
	assert.False(t, ok)

	rec = f.do(t, http.MethodDelete, "/api/machines/10.0.0.1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshMachine(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/machines/10.0.0.1/refresh", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A refresh already in flight still reports accepted.
	f.cycles.refreshErr["10.0.0.1"] = scheduler.ErrCycleInProgress
	rec = f.do(t, http.MethodPost, "/api/machines/10.0.0.1/refresh", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.cycles.refreshErr["192.0.2.1"] = scheduler.ErrUnknownHost
	rec = f.do(t, http.MethodPost, "/api/machines/192.0.2.1/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScan(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/machines/scan", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.cycles.fleetCalls)

	f.cycles.fleetErr = scheduler.ErrCycleInProgress
	rec = f.do(t, http.MethodPost, "/api/machines/scan", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "scan_in_progress", body["status"])
}

func TestAlertsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	raised := f.alerts.Evaluate([]models.Machine{{IP: "10.0.0.9", Status: models.StatusOffline}})
	require.Len(t, raised, 1)

	rec := f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []models.Alert

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = f.do(t, http.MethodPost, "/api/alerts/"+list[0].ID+"/ack", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/alerts/nope/ack", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetScanInterval(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/settings/scan-interval", `{"scan_interval":"30s"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "30s", body["scan_interval"])

	require.Len(t, f.cycles.intervals, 1)
	assert.Equal(t, 30*time.Second, f.cycles.intervals[0])
}

func TestSetScanIntervalValidation(t *testing.T) {
	f := newAPIFixture(t)

	// Below the configured floor.
	rec := f.do(t, http.MethodPut, "/api/settings/scan-interval", `{"scan_interval":"5s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/settings/scan-interval", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.cycles.intervals)
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 1, body["machines"], 0.001)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodOptions, "/api/machines", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
