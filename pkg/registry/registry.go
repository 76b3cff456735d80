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

// Package registry stores the configured host inventory in a YAML file.
// The engine reads the registry at the start of each cycle; edits take
// effect on the next cycle.
package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

var (
	ErrHostNotFound   = errors.New("host not found in registry")
	errInvalidAddress = errors.New("host address is not a valid IPv4 address")
)

const (
	defaultSSHUser = "fleet"
	defaultSSHPort = 22
	defaultRole    = "agent"

	fileMode = 0o600
)

// HostEntry is one configured machine in the YAML file.
type HostEntry struct {
	IP            string   `yaml:"ip"`
	Name          string   `yaml:"name,omitempty"`
	Role          string   `yaml:"role,omitempty"`
	SSHUser       string   `yaml:"ssh_user,omitempty"`
	SSHPort       int      `yaml:"ssh_port,omitempty"`
	CredentialRef string   `yaml:"credential_ref,omitempty"`
	Tags          []string `yaml:"tags,omitempty"`
	Description   string   `yaml:"description,omitempty"`
}

// Defaults apply to hosts that omit per-host connection settings and to
// auto-discovered hosts.
type Defaults struct {
	SSHUser string `yaml:"ssh_user,omitempty"`
	SSHPort int    `yaml:"ssh_port,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
}

// AutoDiscovery controls how swept-up unknown addresses are registered.
type AutoDiscovery struct {
	DefaultRole string   `yaml:"default_role,omitempty"`
	ExcludeIPs  []string `yaml:"exclude_ips,omitempty"`
}

type hostsFile struct {
	Defaults      Defaults      `yaml:"defaults"`
	AutoDiscovery AutoDiscovery `yaml:"auto_discovery"`
	Machines      []HostEntry   `yaml:"machines"`
}

// Registry is the persistent known-host inventory.
type Registry struct {
	path   string
	logger logger.Logger

	mu   sync.Mutex
	file hostsFile
}

// Load reads the hosts file. A missing file is not an error: the fleet
// starts empty and fills in from discovery. A present but unparseable file
// is fatal, matching the startup error contract.
func Load(path string, log logger.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: log}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("Hosts file not found, starting with an empty inventory")
			return r, nil
		}

		return nil, fmt.Errorf("failed to read hosts file '%s': %w", path, err)
	}

	if err := yaml.Unmarshal(data, &r.file); err != nil {
		return nil, fmt.Errorf("failed to parse hosts file '%s': %w", path, err)
	}

	log.Info().Int("machines", len(r.file.Machines)).Str("path", path).Msg("Loaded host inventory")

	return r, nil
}

// Defaults returns the connection defaults section.
func (r *Registry) Defaults() Defaults {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.file.Defaults
	if d.SSHUser == "" {
		d.SSHUser = defaultSSHUser
	}

	if d.SSHPort == 0 {
		d.SSHPort = defaultSSHPort
	}

	return d
}

// AutoDiscovery returns the auto-discovery section with defaults filled in.
func (r *Registry) AutoDiscovery() AutoDiscovery {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.file.AutoDiscovery
	if a.DefaultRole == "" {
		a.DefaultRole = defaultRole
	}

	return a
}

// Machines materializes the configured entries as models.Machine values with
// defaults applied. The returned slice is owned by the caller.
func (r *Registry) Machines() []models.Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	defaults := r.file.Defaults

	out := make([]models.Machine, 0, len(r.file.Machines))

	for _, e := range r.file.Machines {
		m := models.Machine{
			IP:            e.IP,
			Name:          e.Name,
			Role:          e.Role,
			SSHUser:       e.SSHUser,
			SSHPort:       e.SSHPort,
			CredentialRef: e.CredentialRef,
			Tags:          append([]string(nil), e.Tags...),
			Description:   e.Description,
			Status:        models.StatusUnknown,
		}

		if m.Name == "" {
			m.Name = "Machine-" + e.IP
		}

		if m.Role == "" {
			m.Role = defaultRole
		}

		if m.SSHUser == "" {
			m.SSHUser = defaults.SSHUser
		}

		if m.SSHUser == "" {
			m.SSHUser = defaultSSHUser
		}

		if m.SSHPort == 0 {
			m.SSHPort = defaults.SSHPort
		}

		if m.SSHPort == 0 {
			m.SSHPort = defaultSSHPort
		}

		out = append(out, m)
	}

	return out
}

// Add inserts or replaces a host entry and persists the file. Adding an
// auto-discovered host here promotes it to a configured one.
func (r *Registry) Add(entry HostEntry) error {
	if net.ParseIP(entry.IP) == nil || net.ParseIP(entry.IP).To4() == nil {
		return errInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := false

	for i := range r.file.Machines {
		if r.file.Machines[i].IP == entry.IP {
			r.file.Machines[i] = entry
			replaced = true

			break
		}
	}

	if !replaced {
		r.file.Machines = append(r.file.Machines, entry)
	}

	return r.saveLocked()
}

// Remove deletes a host entry and persists the file. This is the only
// pruning path; the engine never removes hosts on its own.
func (r *Registry) Remove(ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.file.Machines {
		if r.file.Machines[i].IP == ip {
			r.file.Machines = append(r.file.Machines[:i], r.file.Machines[i+1:]...)
			return r.saveLocked()
		}
	}

	return ErrHostNotFound
}

// saveLocked writes the file atomically: YAML to a temp file in the same
// directory, then rename over the target.
func (r *Registry) saveLocked() error {
	data, err := yaml.Marshal(&r.file)
	if err != nil {
		return fmt.Errorf("failed to marshal hosts file: %w", err)
	}

	dir := filepath.Dir(r.path)

	tmp, err := os.CreateTemp(dir, ".machines-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temp hosts file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to write hosts file: %w", err)
	}

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to chmod hosts file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close hosts file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace hosts file: %w", err)
	}

	return nil
}
