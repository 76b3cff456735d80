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

// Package models defines the shared data model for the fleet state engine.
package models

import "time"

// Machine is the unit of fleet state: the host identity plus the most
// recently observed record for it. Machines are keyed by IP in the state
// store; identity fields are set at configuration or discovery time and do
// not change afterwards.
type Machine struct {
	// Identity
	IP             string   `json:"ip"`
	Name           string   `json:"name,omitempty"`
	Role           string   `json:"role,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Description    string   `json:"description,omitempty"`
	SSHUser        string   `json:"ssh_user,omitempty"`
	SSHPort        int      `json:"ssh_port,omitempty"`
	CredentialRef  string   `json:"credential_ref,omitempty"`
	AutoDiscovered bool     `json:"auto_discovered"`

	// Observed state. Status is derived from Reachable and CollectionOK on
	// every apply; it is never written directly by a collector.
	Reachable    bool           `json:"reachable"`
	CollectionOK bool           `json:"collection_ok"`
	Status       Status         `json:"status"`
	Metrics      *SystemMetrics `json:"metrics,omitempty"`
	LastSeen     time.Time      `json:"last_seen,omitempty"`
	LastScan     time.Time      `json:"last_scan,omitempty"`
	LastError    string         `json:"last_error,omitempty"`

	// Seq is the cycle sequence number of the last applied observation.
	// Results tagged with an older sequence are discarded.
	Seq uint64 `json:"-"`
}

// DeepCopy returns an independent copy of the machine so snapshot readers
// never alias store-owned memory.
func (m *Machine) DeepCopy() *Machine {
	if m == nil {
		return nil
	}

	out := *m

	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}

	out.Metrics = m.Metrics.DeepCopy()

	return &out
}

// SystemMetrics is the fixed bundle retrieved by one successful collection.
type SystemMetrics struct {
	Hostname   string          `json:"hostname,omitempty"`
	OS         string          `json:"os,omitempty"`
	Uptime     string          `json:"uptime,omitempty"`
	CPU        CPUMetrics      `json:"cpu"`
	Memory     MemoryMetrics   `json:"memory"`
	Disks      []DiskMetrics   `json:"disks,omitempty"`
	Services   []ServiceStatus `json:"services,omitempty"`
	Containers []ContainerInfo `json:"containers,omitempty"`
}

func (sm *SystemMetrics) DeepCopy() *SystemMetrics {
	if sm == nil {
		return nil
	}

	out := *sm

	if sm.Disks != nil {
		out.Disks = append([]DiskMetrics(nil), sm.Disks...)
	}

	if sm.Services != nil {
		out.Services = append([]ServiceStatus(nil), sm.Services...)
	}

	if sm.Containers != nil {
		out.Containers = append([]ContainerInfo(nil), sm.Containers...)
	}

	return &out
}

type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Cores        int     `json:"cores"`
	LoadAvg1     float64 `json:"load_avg_1m"`
	LoadAvg5     float64 `json:"load_avg_5m"`
	LoadAvg15    float64 `json:"load_avg_15m"`
}

type MemoryMetrics struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	AvailableGB  float64 `json:"available_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

type DiskMetrics struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	AvailableGB  float64 `json:"available_gb"`
	UsagePercent float64 `json:"usage_percent"`
	MountPoint   string  `json:"mount_point"`
}

// ServiceStatus reports whether an expected service or agent process is
// running on the host.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// ContainerInfo describes a workload container observed on the host,
// including per-container resource usage when the runtime reports it.
type ContainerInfo struct {
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	Command       string  `json:"command,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   string  `json:"memory_usage,omitempty"`
	MemoryPercent float64 `json:"memory_percent"`
}

// NetworkSummary aggregates fleet state for dashboard consumers. Usage
// averages cover online hosts only.
type NetworkSummary struct {
	TotalMachines    int       `json:"total_machines"`
	Online           int       `json:"online"`
	Offline          int       `json:"offline"`
	Degraded         int       `json:"degraded"`
	Unknown          int       `json:"unknown"`
	AvgCPUUsage      float64   `json:"avg_cpu_usage"`
	AvgMemoryUsage   float64   `json:"avg_memory_usage"`
	AvgDiskUsage     float64   `json:"avg_disk_usage"`
	ActiveContainers int       `json:"active_containers"`
	LastScan         time.Time `json:"last_scan"`
}
