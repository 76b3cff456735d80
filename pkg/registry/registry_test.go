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

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const testYAML = `
defaults:
  ssh_user: ops
  ssh_port: 2222
  key_path: /etc/fleetwatch/keys
auto_discovery:
  default_role: worker
  exclude_ips:
    - 10.0.0.254
machines:
  - ip: 10.0.0.1
    name: control-plane
    role: control
    ssh_user: admin
    tags: [critical]
  - ip: 10.0.0.2
`

func writeHostsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "machines.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	reg, err := Load(writeHostsFile(t, testYAML), logger.NewTestLogger())
	require.NoError(t, err)

	machines := reg.Machines()
	require.Len(t, machines, 2)

	// Per-host settings win over defaults.
	assert.Equal(t, "control-plane", machines[0].Name)
	assert.Equal(t, "admin", machines[0].SSHUser)
	assert.Equal(t, 2222, machines[0].SSHPort)
	assert.Equal(t, []string{"critical"}, machines[0].Tags)

	// Bare entry gets defaults and a generated name.
	assert.Equal(t, "Machine-10.0.0.2", machines[1].Name)
	assert.Equal(t, "ops", machines[1].SSHUser)
	assert.Equal(t, "agent", machines[1].Role)

	assert.Equal(t, "worker", reg.AutoDiscovery().DefaultRole)
	assert.Equal(t, []string{"10.0.0.254"}, reg.AutoDiscovery().ExcludeIPs)
	assert.Equal(t, "/etc/fleetwatch/keys", reg.Defaults().KeyPath)
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "missing.yml"), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Empty(t, reg.Machines())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeHostsFile(t, "machines: [this is: not: yaml"), logger.NewTestLogger())
	assert.Error(t, err)
}

func TestAddPersistsAndSurvivesReload(t *testing.T) {
	path := writeHostsFile(t, testYAML)

	reg, err := Load(path, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Add(HostEntry{IP: "10.0.0.9", Name: "gpu-node", Role: "worker"}))

	reloaded, err := Load(path, logger.NewTestLogger())
	require.NoError(t, err)

	machines := reloaded.Machines()
	require.Len(t, machines, 3)
	assert.Equal(t, "gpu-node", machines[2].Name)
}

func TestAddUpsertsExistingEntry(t *testing.T) {
	reg, err := Load(writeHostsFile(t, testYAML), logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Add(HostEntry{IP: "10.0.0.1", Name: "renamed"}))

	machines := reg.Machines()
	require.Len(t, machines, 2)
	assert.Equal(t, "renamed", machines[0].Name)
}

func TestAddRejectsInvalidAddress(t *testing.T) {
	reg, err := Load(writeHostsFile(t, testYAML), logger.NewTestLogger())
	require.NoError(t, err)

	assert.Error(t, reg.Add(HostEntry{IP: "not-an-ip"}))
	assert.Error(t, reg.Add(HostEntry{IP: "fe80::1"}))
}

func TestRemove(t *testing.T) {
	path := writeHostsFile(t, testYAML)

	reg, err := Load(path, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Remove("10.0.0.2"))
	assert.ErrorIs(t, reg.Remove("10.0.0.2"), ErrHostNotFound)

	reloaded, err := Load(path, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Len(t, reloaded.Machines(), 1)
}
