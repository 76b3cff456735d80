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

package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/scan"
)

// fakeProber answers probes from a fixed liveness table; anything not in
// the table is unreachable.
type fakeProber struct {
	alive  map[string]bool
	probed [][]scan.Target
}

func (f *fakeProber) Probe(_ context.Context, targets []scan.Target) (map[string]scan.ProbeResult, error) {
	f.probed = append(f.probed, targets)

	results := make(map[string]scan.ProbeResult, len(targets))
	for _, t := range targets {
		if f.alive[t.Host] {
			results[t.Host] = scan.ProbeResult{Reachable: true}
		} else {
			results[t.Host] = scan.ProbeResult{Reachable: false, Error: "timeout"}
		}
	}

	return results, nil
}

func loadTestRegistry(t *testing.T, yaml string) *registry.Registry {
	t.Helper()

	path := filepath.Join(t.TempDir(), "machines.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	reg, err := registry.Load(path, logger.NewTestLogger())
	require.NoError(t, err)

	return reg
}

const testHostsYAML = `
defaults:
  ssh_user: fleet
  ssh_port: 22
auto_discovery:
  default_role: agent
  exclude_ips:
    - 10.0.0.3
machines:
  - ip: 10.0.0.1
    name: control-plane
    role: control
`

func TestExpandCIDR(t *testing.T) {
	ips, err := ExpandCIDR("10.0.0.0/29")
	require.NoError(t, err)

	// Network and broadcast addresses are dropped.
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"}, ips)
}

func TestExpandCIDRSlash31KeepsBothAddresses(t *testing.T) {
	ips, err := ExpandCIDR("10.0.0.0/31")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0", "10.0.0.1"}, ips)
}

func TestExpandCIDRRejectsInvalid(t *testing.T) {
	_, err := ExpandCIDR("not-a-cidr")
	assert.Error(t, err)
}

func TestDiscoverRegistersNewLiveHosts(t *testing.T) {
	reg := loadTestRegistry(t, testHostsYAML)
	prober := &fakeProber{alive: map[string]bool{"10.0.0.1": true, "10.0.0.9": true}}

	s := New(reg, prober, "10.0.0.0/28", scan.ModeTCP, logger.NewTestLogger())

	d, err := s.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, d.New, 1)
	assert.Equal(t, "10.0.0.9", d.New[0].IP)
	assert.True(t, d.New[0].AutoDiscovered)
	assert.Equal(t, "agent", d.New[0].Role)
	assert.Equal(t, "fleet", d.New[0].SSHUser)

	// Configured host plus the discovered one.
	require.Len(t, d.Machines, 2)
	assert.True(t, d.Reachability["10.0.0.1"].Reachable)
}

func TestDiscoverIsIdempotentAcrossCycles(t *testing.T) {
	reg := loadTestRegistry(t, testHostsYAML)
	prober := &fakeProber{alive: map[string]bool{"10.0.0.9": true}}

	s := New(reg, prober, "10.0.0.0/28", scan.ModeTCP, logger.NewTestLogger())

	d1, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, d1.New, 1)

	// Same host alive on the next sweep: still on the roster, not new again.
	d2, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d2.New)
	assert.Len(t, d2.Machines, len(d1.Machines))
}

func TestDiscoverKeepsVanishedAutoHostsOnRoster(t *testing.T) {
	reg := loadTestRegistry(t, testHostsYAML)
	prober := &fakeProber{alive: map[string]bool{"10.0.0.9": true}}

	s := New(reg, prober, "10.0.0.0/28", scan.ModeTCP, logger.NewTestLogger())

	_, err := s.Discover(context.Background())
	require.NoError(t, err)

	// The host goes dark. It stays on the roster so it can be reported
	// offline instead of silently disappearing.
	prober.alive = map[string]bool{}

	d, err := s.Discover(context.Background())
	require.NoError(t, err)

	found := false

	for _, m := range d.Machines {
		if m.IP == "10.0.0.9" {
			found = true
			assert.True(t, m.AutoDiscovered)
		}
	}

	assert.True(t, found, "auto-discovered host should stay on the roster while dark")
}

func TestDiscoverHonorsExcludes(t *testing.T) {
	reg := loadTestRegistry(t, testHostsYAML)
	prober := &fakeProber{alive: map[string]bool{"10.0.0.3": true}}

	s := New(reg, prober, "10.0.0.0/28", scan.ModeTCP, logger.NewTestLogger())

	d, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.New)

	require.NotEmpty(t, prober.probed)

	for _, t2 := range prober.probed[0] {
		assert.NotEqual(t, "10.0.0.3", t2.Host, "excluded address must not be probed")
	}
}

func TestDiscoverProbesConfiguredHostOutsideSubnet(t *testing.T) {
	reg := loadTestRegistry(t, `
machines:
  - ip: 192.168.50.7
    name: remote
`)
	prober := &fakeProber{alive: map[string]bool{"192.168.50.7": true}}

	s := New(reg, prober, "10.0.0.0/28", scan.ModeTCP, logger.NewTestLogger())

	d, err := s.Discover(context.Background())
	require.NoError(t, err)

	assert.True(t, d.Reachability["192.168.50.7"].Reachable)
}
