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

package alerts

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

func newTestService() *Service {
	return NewService(config.DefaultAlertThresholds(), logger.NewTestLogger())
}

func machineWithCPU(usage float64) models.Machine {
	return models.Machine{
		IP:     "10.0.0.1",
		Name:   "node-1",
		Status: models.StatusOnline,
		Metrics: &models.SystemMetrics{
			CPU: models.CPUMetrics{UsagePercent: usage},
		},
	}
}

func TestEvaluateRaisesWarningAndCritical(t *testing.T) {
	s := newTestService()

	raised := s.Evaluate([]models.Machine{machineWithCPU(85)})
	require.Len(t, raised, 1)
	assert.Equal(t, models.SeverityWarning, raised[0].Severity)
	assert.Equal(t, "cpu", raised[0].Metric)
	assert.InDelta(t, 85.0, raised[0].Value, 0.001)

	// Escalation to critical replaces the active warning.
	raised = s.Evaluate([]models.Machine{machineWithCPU(97)})
	require.Len(t, raised, 1)
	assert.Equal(t, models.SeverityCritical, raised[0].Severity)
}

func TestEvaluateDedupesWhileActive(t *testing.T) {
	s := newTestService()

	require.Len(t, s.Evaluate([]models.Machine{machineWithCPU(90)}), 1)

	// Same condition on subsequent cycles: no new alert.
	assert.Empty(t, s.Evaluate([]models.Machine{machineWithCPU(91)}))
	assert.Empty(t, s.Evaluate([]models.Machine{machineWithCPU(89)}))
}

func TestEvaluateReRaisesAfterRecovery(t *testing.T) {
	s := newTestService()

	require.Len(t, s.Evaluate([]models.Machine{machineWithCPU(90)}), 1)

	// Recovery below the warning threshold clears the active condition.
	assert.Empty(t, s.Evaluate([]models.Machine{machineWithCPU(20)}))

	raised := s.Evaluate([]models.Machine{machineWithCPU(90)})
	require.Len(t, raised, 1)
}

func TestEvaluateOfflineAlert(t *testing.T) {
	s := newTestService()

	m := models.Machine{IP: "10.0.0.2", Name: "node-2", Status: models.StatusOffline}

	raised := s.Evaluate([]models.Machine{m})
	require.Len(t, raised, 1)
	assert.Equal(t, models.SeverityCritical, raised[0].Severity)
	assert.Equal(t, "offline", raised[0].Metric)

	// Still offline: deduped.
	assert.Empty(t, s.Evaluate([]models.Machine{m}))

	// Back online: condition clears, a later outage alerts again.
	m.Status = models.StatusOnline
	assert.Empty(t, s.Evaluate([]models.Machine{m}))

	m.Status = models.StatusOffline
	assert.Len(t, s.Evaluate([]models.Machine{m}), 1)
}

func TestEvaluateDisksPerMountPoint(t *testing.T) {
	s := newTestService()

	m := models.Machine{
		IP:     "10.0.0.3",
		Status: models.StatusOnline,
		Metrics: &models.SystemMetrics{
			Disks: []models.DiskMetrics{
				{MountPoint: "/", UsagePercent: 90},
				{MountPoint: "/data", UsagePercent: 96},
			},
		},
	}

	raised := s.Evaluate([]models.Machine{m})
	require.Len(t, raised, 2)
	assert.Equal(t, models.SeverityWarning, raised[0].Severity)
	assert.Equal(t, "disk:/", raised[0].Metric)
	assert.Equal(t, models.SeverityCritical, raised[1].Severity)
	assert.Equal(t, "disk:/data", raised[1].Metric)
}

func TestEvaluateSkipsMetricChecksWhileOffline(t *testing.T) {
	s := newTestService()

	m := machineWithCPU(99)
	m.Status = models.StatusOffline

	raised := s.Evaluate([]models.Machine{m})
	require.Len(t, raised, 1, "only the offline alert, stale metrics are not judged")
	assert.Equal(t, "offline", raised[0].Metric)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	s := newTestService()

	for i := 0; i < maxAlerts+50; i++ {
		m := models.Machine{IP: fmt.Sprintf("10.0.%d.%d", i/250, i%250), Status: models.StatusOffline}
		s.Evaluate([]models.Machine{m})
	}

	history := s.List()
	assert.Len(t, history, maxAlerts)
}

func TestAcknowledge(t *testing.T) {
	s := newTestService()

	raised := s.Evaluate([]models.Machine{machineWithCPU(97)})
	require.Len(t, raised, 1)

	require.NoError(t, s.Acknowledge(raised[0].ID))

	history := s.List()
	require.Len(t, history, 1)
	assert.True(t, history[0].Acknowledged)

	assert.ErrorIs(t, s.Acknowledge("no-such-id"), ErrAlertNotFound)
}

func TestForgetClearsActiveConditions(t *testing.T) {
	s := newTestService()

	require.Len(t, s.Evaluate([]models.Machine{machineWithCPU(90)}), 1)

	s.Forget("10.0.0.1")

	// After forgetting, the same condition raises again.
	assert.Len(t, s.Evaluate([]models.Machine{machineWithCPU(90)}), 1)
}
