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

// Package alerts evaluates fleet records against usage thresholds and keeps
// a bounded history of the violations it raised.
package alerts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	maxAlerts = 200

	metricCPU     = "cpu"
	metricMemory  = "memory"
	metricDisk    = "disk"
	metricOffline = "offline"
)

var ErrAlertNotFound = errors.New("alert not found")

// Service holds the alert history. An alert for a given machine and metric
// stays active, and is not re-raised, until the metric recovers below its
// warning threshold; a severity escalation replaces the active alert.
type Service struct {
	thresholds config.AlertThresholds
	logger     logger.Logger

	mu     sync.RWMutex
	alerts []models.Alert // newest first
	active map[string]models.AlertSeverity
}

func NewService(thresholds config.AlertThresholds, log logger.Logger) *Service {
	return &Service{
		thresholds: thresholds,
		logger:     log,
		active:     make(map[string]models.AlertSeverity),
	}
}

// Evaluate inspects the current fleet records and returns the alerts newly
// raised by this pass.
func (s *Service) Evaluate(machines []models.Machine) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raised []models.Alert

	for i := range machines {
		m := &machines[i]
		raised = append(raised, s.evaluateMachine(m)...)
	}

	if len(raised) > 0 {
		// Newest first, capped.
		s.alerts = append(raised, s.alerts...)
		if len(s.alerts) > maxAlerts {
			s.alerts = s.alerts[:maxAlerts]
		}
	}

	return raised
}

func (s *Service) evaluateMachine(m *models.Machine) []models.Alert {
	var raised []models.Alert

	if m.Status == models.StatusOffline {
		if a := s.raise(m, metricOffline, models.SeverityCritical, 0, 0,
			fmt.Sprintf("%s is offline", displayName(m)),
			fmt.Sprintf("%s (%s) is not responding to probes", displayName(m), m.IP)); a != nil {
			raised = append(raised, *a)
		}
	} else {
		s.recover(m.IP, metricOffline)
	}

	if m.Metrics == nil || m.Status == models.StatusOffline {
		return raised
	}

	if a := s.checkUsage(m, metricCPU, m.Metrics.CPU.UsagePercent,
		s.thresholds.CPUWarning, s.thresholds.CPUCritical); a != nil {
		raised = append(raised, *a)
	}

	if a := s.checkUsage(m, metricMemory, m.Metrics.Memory.UsagePercent,
		s.thresholds.MemoryWarning, s.thresholds.MemoryCritical); a != nil {
		raised = append(raised, *a)
	}

	// Disks alert per mount point so one full volume does not mask another.
	for j := range m.Metrics.Disks {
		d := &m.Metrics.Disks[j]

		metric := metricDisk + ":" + d.MountPoint
		if a := s.checkUsage(m, metric, d.UsagePercent,
			s.thresholds.DiskWarning, s.thresholds.DiskCritical); a != nil {
			raised = append(raised, *a)
		}
	}

	return raised
}

func (s *Service) checkUsage(m *models.Machine, metric string, value, warning, critical float64) *models.Alert {
	switch {
	case value >= critical:
		return s.raise(m, metric, models.SeverityCritical, value, critical,
			fmt.Sprintf("%s usage critical on %s", metric, displayName(m)),
			fmt.Sprintf("%s usage at %.1f%% (threshold %.0f%%)", metric, value, critical))
	case value >= warning:
		return s.raise(m, metric, models.SeverityWarning, value, warning,
			fmt.Sprintf("%s usage high on %s", metric, displayName(m)),
			fmt.Sprintf("%s usage at %.1f%% (threshold %.0f%%)", metric, value, warning))
	default:
		s.recover(m.IP, metric)
		return nil
	}
}

// raise records an alert unless one of the same severity is already active
// for this machine and metric.
func (s *Service) raise(m *models.Machine, metric string, severity models.AlertSeverity,
	value, threshold float64, title, message string) *models.Alert {
	key := m.IP + "|" + metric

	if current, ok := s.active[key]; ok && current == severity {
		return nil
	}

	s.active[key] = severity

	a := models.Alert{
		ID:          uuid.New().String(),
		Severity:    severity,
		MachineIP:   m.IP,
		MachineName: m.Name,
		Title:       title,
		Message:     message,
		Metric:      metric,
		Value:       value,
		Threshold:   threshold,
		CreatedAt:   time.Now().UTC(),
	}

	s.logger.Warn().
		Str("ip", m.IP).
		Str("metric", metric).
		Str("severity", string(severity)).
		Float64("value", value).
		Msg("Alert raised")

	return &a
}

func (s *Service) recover(ip, metric string) {
	key := ip + "|" + metric

	if _, ok := s.active[key]; ok {
		delete(s.active, key)
		s.logger.Info().Str("ip", ip).Str("metric", metric).Msg("Alert condition cleared")
	}
}

// Forget clears active alert tracking for a machine removed from the fleet.
func (s *Service) Forget(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := ip + "|"
	for key := range s.active {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.active, key)
		}
	}
}

// Acknowledge marks an alert as seen by an operator.
func (s *Service) Acknowledge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Acknowledged = true
			return nil
		}
	}

	return ErrAlertNotFound
}

// List returns the alert history, newest first.
func (s *Service) List() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.Alert(nil), s.alerts...)
}

func displayName(m *models.Machine) string {
	if m.Name != "" {
		return m.Name
	}

	return m.IP
}
