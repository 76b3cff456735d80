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

// The inspection bundle is a fixed, versioned set of read-only commands.
// Changing any command is a bundle version bump: parsers and commands move
// together.
const bundleVersion = 1

const (
	cmdHostname = "hostname"
	cmdOSInfo   = "uname -s -r 2>/dev/null || cat /etc/os-release 2>/dev/null | head -1"
	cmdUptime   = "uptime -p 2>/dev/null || uptime"
	cmdCores    = "nproc 2>/dev/null || sysctl -n hw.ncpu 2>/dev/null"
	cmdLoadAvg  = "cat /proc/loadavg 2>/dev/null || sysctl -n vm.loadavg 2>/dev/null"
	cmdCPULine  = "top -bn1 2>/dev/null | grep 'Cpu(s)' | head -1"
	cmdMemory   = "free -b 2>/dev/null"
	cmdDisk     = "df -B1 2>/dev/null || df -k 2>/dev/null"

	cmdDockerService = "systemctl is-active docker 2>/dev/null || " +
		"pgrep -x dockerd >/dev/null && echo active || echo inactive"
	cmdAgentProcs = "pgrep -af 'fleet' 2>/dev/null || echo ''"

	cmdDockerPS    = "docker ps --format '{{.Names}}|{{.Status}}|{{.Command}}' 2>/dev/null || echo ''"
	cmdDockerStats = "docker stats --no-stream --format " +
		"'{{.Names}}|{{.CPUPerc}}|{{.MemUsage}}|{{.MemPerc}}' 2>/dev/null || echo ''"
)
