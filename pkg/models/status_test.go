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

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name         string
		reachable    bool
		collectionOK bool
		want         Status
	}{
		{"reachable and collected", true, true, StatusOnline},
		{"reachable but collection failed", true, false, StatusDegraded},
		{"unreachable", false, false, StatusOffline},
		{"unreachable with stale collection flag", false, true, StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.reachable, tt.collectionOK))
		})
	}
}

func TestMachineDeepCopyIsolation(t *testing.T) {
	m := &Machine{
		IP:     "10.0.0.5",
		Tags:   []string{"gpu"},
		Status: StatusOnline,
		Metrics: &SystemMetrics{
			Hostname: "node-5",
			Disks:    []DiskMetrics{{MountPoint: "/", UsagePercent: 40}},
			Services: []ServiceStatus{{Name: "docker", Running: true}},
		},
	}

	cp := m.DeepCopy()

	cp.Tags[0] = "edited"
	cp.Metrics.Hostname = "edited"
	cp.Metrics.Disks[0].UsagePercent = 99

	assert.Equal(t, "gpu", m.Tags[0])
	assert.Equal(t, "node-5", m.Metrics.Hostname)
	assert.InDelta(t, 40.0, m.Metrics.Disks[0].UsagePercent, 0.001)
}
