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
	"bufio"
	"math"
	"strconv"
	"strings"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// Parsers are defensive by contract: malformed or missing command output
// degrades to an empty or partial sub-field. A parse problem in one metric
// never fails the collection bundle.

const (
	bytesPerGB = 1024 * 1024 * 1024

	// df values below this are assumed to be KB blocks (df -k fallback).
	dfKBThreshold = 1_000_000
)

// parseCPU fills CPU metrics from nproc, /proc/loadavg and the top CPU line.
// Load-derived usage is the coarse estimate; the top idle percentage
// overrides it when present.
func parseCPU(coresOut, loadavgOut, topOut string) models.CPUMetrics {
	m := models.CPUMetrics{Cores: 1}

	if cores, err := strconv.Atoi(strings.TrimSpace(coresOut)); err == nil && cores > 0 {
		m.Cores = cores
	}

	if loadavgOut != "" {
		// BSD sysctl wraps the values in braces.
		cleaned := strings.NewReplacer("{", "", "}", "").Replace(loadavgOut)

		fields := strings.Fields(cleaned)
		if len(fields) >= 3 {
			m.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
			m.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
			m.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)

			m.UsagePercent = round1(m.LoadAvg1 / math.Max(float64(m.Cores), 1) * 100)
		}
	}

	if idle, ok := parseTopIdle(topOut); ok {
		m.UsagePercent = round1(100 - idle)
	}

	return m
}

// parseTopIdle extracts the idle percentage from a `top -bn1` Cpu(s) line,
// e.g. "%Cpu(s):  3.1 us,  1.0 sy, ... 94.2 id, ...".
func parseTopIdle(line string) (float64, bool) {
	if line == "" || !strings.Contains(line, "id") {
		return 0, false
	}

	for _, part := range strings.Split(line, ",") {
		if !strings.Contains(part, "id") {
			continue
		}

		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}

		idle, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, false
		}

		return idle, true
	}

	return 0, false
}

// parseMemory parses `free -b` output.
func parseMemory(freeOut string) models.MemoryMetrics {
	var m models.MemoryMetrics

	scanner := bufio.NewScanner(strings.NewReader(freeOut))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Mem:") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			break
		}

		total, err1 := strconv.ParseInt(fields[1], 10, 64)
		used, err2 := strconv.ParseInt(fields[2], 10, 64)

		if err1 != nil || err2 != nil || total <= 0 {
			break
		}

		available := total - used
		if len(fields) >= 7 {
			if avail, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
				available = avail
			}
		}

		m.TotalGB = round2(float64(total) / bytesPerGB)
		m.UsedGB = round2(float64(used) / bytesPerGB)
		m.AvailableGB = round2(float64(available) / bytesPerGB)
		m.UsagePercent = round1(float64(used) / float64(total) * 100)

		break
	}

	return m
}

// parseDisks parses `df -B1` (or `df -k`) output into per-mount usage.
// Pseudo filesystems are skipped by mount point prefix.
func parseDisks(dfOut string) []models.DiskMetrics {
	var disks []models.DiskMetrics

	scanner := bufio.NewScanner(strings.NewReader(dfOut))

	first := true
	for scanner.Scan() {
		line := scanner.Text()

		if first {
			// header
			first = false
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		total, err1 := strconv.ParseInt(fields[1], 10, 64)
		used, err2 := strconv.ParseInt(fields[2], 10, 64)
		avail, err3 := strconv.ParseInt(fields[3], 10, 64)

		if err1 != nil || err2 != nil || err3 != nil || total <= 0 {
			continue
		}

		mount := fields[5]
		if skipMount(mount) {
			continue
		}

		// df -k reports 1K blocks; heuristically rescale small totals.
		divisor := float64(bytesPerGB)
		if total < dfKBThreshold {
			divisor = 1024 * 1024
		}

		disks = append(disks, models.DiskMetrics{
			TotalGB:      round2(float64(total) / divisor),
			UsedGB:       round2(float64(used) / divisor),
			AvailableGB:  round2(float64(avail) / divisor),
			UsagePercent: round1(float64(used) / float64(total) * 100),
			MountPoint:   mount,
		})
	}

	return disks
}

func skipMount(mount string) bool {
	for _, prefix := range []string{"/dev", "/proc", "/sys", "/run", "/boot/efi"} {
		if mount == prefix || strings.HasPrefix(mount, prefix+"/") {
			return true
		}
	}

	return false
}

// parseServices interprets the docker service probe and the agent process
// listing.
func parseServices(dockerOut, procsOut string) []models.ServiceStatus {
	services := []models.ServiceStatus{{
		Name:    "docker",
		Running: strings.Contains(dockerOut, "active") && !strings.Contains(dockerOut, "inactive"),
	}}

	for _, line := range strings.Split(strings.TrimSpace(procsOut), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		name := fields[1]
		if len(name) > 50 {
			name = name[:50]
		}

		services = append(services, models.ServiceStatus{
			Name:    name,
			Running: true,
			PID:     pid,
		})
	}

	return services
}

// parseContainers joins `docker ps` lines with `docker stats` usage by
// container name.
func parseContainers(psOut, statsOut string) []models.ContainerInfo {
	stats := make(map[string]models.ContainerInfo)

	for _, line := range strings.Split(strings.TrimSpace(statsOut), "\n") {
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}

		name := strings.TrimSpace(parts[0])

		cpu, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[1]), "%"), 64)
		memPct, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[3]), "%"), 64)

		stats[name] = models.ContainerInfo{
			CPUPercent:    cpu,
			MemoryUsage:   strings.TrimSpace(parts[2]),
			MemoryPercent: memPct,
		}
	}

	var containers []models.ContainerInfo

	for _, line := range strings.Split(strings.TrimSpace(psOut), "\n") {
		if !strings.Contains(line, "|") {
			continue
		}

		parts := strings.SplitN(line, "|", 3)
		name := strings.TrimSpace(parts[0])

		c := models.ContainerInfo{Name: name, Status: "stopped"}

		if len(parts) > 1 && strings.Contains(parts[1], "Up") {
			c.Status = "running"
		}

		if len(parts) > 2 {
			command := strings.Trim(strings.TrimSpace(parts[2]), `"`)
			if len(command) > 80 {
				command = command[:80]
			}

			c.Command = command
		}

		if st, ok := stats[name]; ok {
			c.CPUPercent = st.CPUPercent
			c.MemoryUsage = st.MemoryUsage
			c.MemoryPercent = st.MemoryPercent
		}

		containers = append(containers, c)
	}

	return containers
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
