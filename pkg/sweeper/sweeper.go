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

// Package sweeper discovers fleet machines by sweeping the configured
// subnet and unioning the results with the configured inventory.
package sweeper

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/registry"
	"github.com/carverauto/fleetwatch/pkg/scan"
)

// Prober resolves liveness for a batch of targets.
type Prober interface {
	Probe(ctx context.Context, targets []scan.Target) (map[string]scan.ProbeResult, error)
}

// Discovery is the outcome of one sweep: the full roster to monitor this
// cycle, liveness per address, and whichever machines are new this sweep.
type Discovery struct {
	Machines     []models.Machine
	Reachability map[string]scan.ProbeResult
	New          []models.Machine
}

// Sweeper unions the registry's configured machines with addresses found
// live on the subnet. The sweep always covers the whole subnet, not just
// known hosts, so new machines appear without configuration.
type Sweeper struct {
	registry *registry.Registry
	prober   Prober
	subnet   string
	mode     scan.Mode
	logger   logger.Logger

	// known remembers addresses already registered by earlier sweeps so
	// re-discovery stays idempotent across cycles.
	known map[string]bool
}

func New(reg *registry.Registry, prober Prober, subnet string, mode scan.Mode, log logger.Logger) *Sweeper {
	return &Sweeper{
		registry: reg,
		prober:   prober,
		subnet:   subnet,
		mode:     mode,
		logger:   log,
		known:    make(map[string]bool),
	}
}

// Discover sweeps the subnet and merges. Discovery errors abort the cycle
// (the scheduler logs and waits for the next tick); per-host unreachability
// never does.
func (s *Sweeper) Discover(ctx context.Context) (*Discovery, error) {
	configured := s.registry.Machines()
	auto := s.registry.AutoDiscovery()
	defaults := s.registry.Defaults()

	targets, err := s.subnetTargets(configured, auto.ExcludeIPs, defaults.SSHPort)
	if err != nil {
		return nil, err
	}

	reachability, err := s.prober.Probe(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("subnet sweep failed: %w", err)
	}

	d := &Discovery{
		Machines:     configured,
		Reachability: reachability,
	}

	roster := make(map[string]bool, len(configured))
	for i := range configured {
		roster[configured[i].IP] = true
	}

	for ip, result := range reachability {
		if !result.Reachable || roster[ip] || s.known[ip] {
			continue
		}

		m := models.Machine{
			IP:             ip,
			Name:           autoName(ip),
			Role:           auto.DefaultRole,
			SSHUser:        defaults.SSHUser,
			SSHPort:        defaults.SSHPort,
			AutoDiscovered: true,
			Status:         models.StatusUnknown,
		}

		d.New = append(d.New, m)
		d.Machines = append(d.Machines, m)
		s.known[ip] = true

		s.logger.Info().Str("ip", ip).Msg("Discovered new machine")
	}

	// Auto-discovered machines from earlier sweeps stay on the roster even
	// while unreachable; pruning is an operator action.
	for ip := range s.known {
		if !roster[ip] && !containsIP(d.New, ip) {
			d.Machines = append(d.Machines, models.Machine{
				IP:             ip,
				Name:           autoName(ip),
				Role:           auto.DefaultRole,
				SSHUser:        defaults.SSHUser,
				SSHPort:        defaults.SSHPort,
				AutoDiscovered: true,
				Status:         models.StatusUnknown,
			})
		}
	}

	return d, nil
}

// subnetTargets expands the CIDR, minus excluded and network/broadcast
// addresses, into probe targets. Configured hosts outside the subnet are
// probed too.
func (s *Sweeper) subnetTargets(configured []models.Machine, exclude []string, sshPort int) ([]scan.Target, error) {
	ips, err := ExpandCIDR(s.subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", s.subnet, err)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, ip := range exclude {
		excluded[strings.TrimSpace(ip)] = true
	}

	seen := make(map[string]bool, len(ips)+len(configured))

	var targets []scan.Target

	add := func(ip string, port int) {
		if excluded[ip] || seen[ip] {
			return
		}

		seen[ip] = true
		targets = append(targets, scan.Target{Host: ip, Port: port, Mode: s.mode})
	}

	for _, ip := range ips {
		add(ip, sshPort)
	}

	for i := range configured {
		port := configured[i].SSHPort
		if port == 0 {
			port = sshPort
		}

		add(configured[i].IP, port)
	}

	return targets, nil
}

// ExpandCIDR lists the usable host addresses of an IPv4 network. The
// network and broadcast addresses are skipped for prefixes shorter than
// /31.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	ip = ip.Mask(ipnet.Mask).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s: only IPv4 subnets are supported", cidr)
	}

	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones

	var ips []string

	for cur := ip; ipnet.Contains(cur); cur = nextIP(cur) {
		ips = append(ips, cur.String())
	}

	if hostBits > 1 && len(ips) > 2 {
		ips = ips[1 : len(ips)-1] // drop network and broadcast
	}

	return ips, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)

	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}

	return next
}

func autoName(ip string) string {
	parts := strings.Split(ip, ".")
	return "Auto-" + parts[len(parts)-1]
}

func containsIP(machines []models.Machine, ip string) bool {
	for i := range machines {
		if machines[i].IP == ip {
			return true
		}
	}

	return false
}
