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

//go:generate mockgen -destination=mock_collector.go -package=collector github.com/carverauto/fleetwatch/pkg/collector Collector

// Package collector retrieves the metrics bundle from reachable hosts over
// short-lived SSH sessions.
package collector

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

var errNoOutput = errors.New("host returned no output for the inspection bundle")

// Collector retrieves one metrics bundle from one host.
type Collector interface {
	Collect(ctx context.Context, m *models.Machine) (*models.SystemMetrics, error)
}

// SSHCollector runs the versioned inspection bundle over SSH.
type SSHCollector struct {
	cache   *clientCache
	timeout time.Duration
	logger  logger.Logger
}

var _ Collector = (*SSHCollector)(nil)

func NewSSHCollector(resolver CredentialResolver, timeout time.Duration, log logger.Logger) *SSHCollector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SSHCollector{
		cache:   newClientCache(resolver, log),
		timeout: timeout,
		logger:  log,
	}
}

// Collect opens (or reuses) one SSH client and runs the fixed command
// bundle. All failures are CollectionErrors; the caller maps them onto the
// host record without touching any other host.
func (c *SSHCollector) Collect(ctx context.Context, m *models.Machine) (*models.SystemMetrics, error) {
	collectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, cerr := c.cache.get(collectCtx, m)
	if cerr != nil {
		return nil, cerr
	}

	metrics := &models.SystemMetrics{
		Hostname: run(collectCtx, client, cmdHostname),
		OS:       run(collectCtx, client, cmdOSInfo),
		Uptime:   run(collectCtx, client, cmdUptime),
	}

	coresOut := run(collectCtx, client, cmdCores)
	loadOut := run(collectCtx, client, cmdLoadAvg)
	topOut := run(collectCtx, client, cmdCPULine)
	memOut := run(collectCtx, client, cmdMemory)
	diskOut := run(collectCtx, client, cmdDisk)

	if collectCtx.Err() != nil {
		c.cache.drop(m.IP)
		return nil, newCollectionError(KindTimeout, collectCtx.Err())
	}

	// A host that answers the dial but produces nothing for the whole core
	// bundle is not parseable; refuse rather than store an empty snapshot.
	if metrics.Hostname == "" && coresOut == "" && memOut == "" && diskOut == "" {
		c.cache.drop(m.IP)
		return nil, newCollectionError(KindParseFailure, errNoOutput)
	}

	if metrics.Hostname == "" {
		metrics.Hostname = m.IP
	}

	metrics.CPU = parseCPU(coresOut, loadOut, topOut)
	metrics.Memory = parseMemory(memOut)
	metrics.Disks = parseDisks(diskOut)

	metrics.Services = parseServices(
		run(collectCtx, client, cmdDockerService),
		run(collectCtx, client, cmdAgentProcs),
	)

	metrics.Containers = parseContainers(
		run(collectCtx, client, cmdDockerPS),
		run(collectCtx, client, cmdDockerStats),
	)

	return metrics, nil
}

// Close shuts down all cached SSH connections.
func (c *SSHCollector) Close() {
	c.cache.closeAll()
}

// HostResult pairs one machine with its collection outcome.
type HostResult struct {
	IP      string
	Metrics *models.SystemMetrics
	Err     error
}

// FleetCollect fans collection out over the reachable machines with a
// bounded concurrency ceiling. Results stream as hosts complete; one host's
// failure never blocks or fails another's collection.
func FleetCollect(ctx context.Context, c Collector, machines []models.Machine, limit int64) <-chan HostResult {
	if limit <= 0 {
		limit = 1
	}

	results := make(chan HostResult, len(machines))
	sem := semaphore.NewWeighted(limit)

	go func() {
		defer close(results)

		for i := range machines {
			m := machines[i]

			if err := sem.Acquire(ctx, 1); err != nil {
				results <- HostResult{IP: m.IP, Err: newCollectionError(KindTimeout, err)}
				continue
			}

			go func() {
				defer sem.Release(1)

				metrics, err := c.Collect(ctx, &m)
				results <- HostResult{IP: m.IP, Metrics: metrics, Err: err}
			}()
		}

		// Wait for in-flight collections before closing.
		_ = sem.Acquire(context.Background(), limit)
	}()

	return results
}
