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

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const cpuSampleInterval = 500 * time.Millisecond

// LocalCollector gathers the metrics bundle for the machine fleetwatch
// itself runs on, without an SSH round trip.
type LocalCollector struct {
	logger logger.Logger
}

var _ Collector = (*LocalCollector)(nil)

func NewLocalCollector(log logger.Logger) *LocalCollector {
	return &LocalCollector{logger: log}
}

// Collect reads local system state. Individual probe failures degrade the
// matching sub-field, same contract as the remote parsers.
func (c *LocalCollector) Collect(ctx context.Context, _ *models.Machine) (*models.SystemMetrics, error) {
	metrics := &models.SystemMetrics{}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, newCollectionError(KindParseFailure, err)
	}

	metrics.Hostname = info.Hostname
	metrics.OS = fmt.Sprintf("%s %s", info.OS, info.KernelVersion)
	metrics.Uptime = (time.Duration(info.Uptime) * time.Second).String()

	metrics.CPU = c.localCPU(ctx)
	metrics.Memory = c.localMemory(ctx)
	metrics.Disks = c.localDisks(ctx)

	return metrics, nil
}

func (c *LocalCollector) localCPU(ctx context.Context) models.CPUMetrics {
	m := models.CPUMetrics{Cores: 1}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		m.Cores = cores
	}

	if percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err == nil && len(percents) > 0 {
		m.UsagePercent = round1(percents[0])
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAvg1 = avg.Load1
		m.LoadAvg5 = avg.Load5
		m.LoadAvg15 = avg.Load15
	}

	return m
}

func (c *LocalCollector) localMemory(ctx context.Context) models.MemoryMetrics {
	var m models.MemoryMetrics

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("local memory probe failed")
		return m
	}

	m.TotalGB = round2(float64(vm.Total) / bytesPerGB)
	m.UsedGB = round2(float64(vm.Used) / bytesPerGB)
	m.AvailableGB = round2(float64(vm.Available) / bytesPerGB)
	m.UsagePercent = round1(vm.UsedPercent)

	return m
}

func (c *LocalCollector) localDisks(ctx context.Context) []models.DiskMetrics {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.logger.Debug().Err(err).Msg("local disk probe failed")
		return nil
	}

	var disks []models.DiskMetrics

	for _, p := range partitions {
		if skipMount(p.Mountpoint) {
			continue
		}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}

		disks = append(disks, models.DiskMetrics{
			TotalGB:      round2(float64(usage.Total) / bytesPerGB),
			UsedGB:       round2(float64(usage.Used) / bytesPerGB),
			AvailableGB:  round2(float64(usage.Free) / bytesPerGB),
			UsagePercent: round1(usage.UsedPercent),
			MountPoint:   p.Mountpoint,
		})
	}

	return disks
}
