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

package config

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

var (
	errSubnetRequired    = errors.New("network subnet is required")
	errSubnetInvalid     = errors.New("network subnet is not a valid CIDR")
	errHostsFileRequired = errors.New("hosts file path is required")
	errIntervalTooShort  = errors.New("scan interval must be at least 10s")
	errProbeModeInvalid  = errors.New(`probe mode must be "ping" or "tcp"`)
)

const (
	defaultListenAddr         = ":8000"
	defaultProbeMode          = "ping"
	defaultScanInterval       = 60 * time.Second
	defaultProbeTimeout       = 2 * time.Second
	defaultProbeConcurrency   = 64
	defaultSweepTimeout       = 2 * time.Minute
	defaultCollectTimeout     = 30 * time.Second
	defaultCollectConcurrency = 8
)

// FleetWatchConfig is the service configuration for the fleetwatch server.
type FleetWatchConfig struct {
	ListenAddr string `json:"listen_addr"`

	// Subnet is the CIDR swept by discovery. HostIP, when set, names the
	// machine fleetwatch itself runs on; it is collected locally instead of
	// over SSH.
	Subnet string `json:"subnet"`
	HostIP string `json:"host_ip,omitempty"`

	// HostsFile is the YAML registry of known machines and credentials.
	HostsFile string `json:"hosts_file"`

	// ProbeMode selects how liveness is checked: "ping" (default) or "tcp"
	// against the host's SSH port.
	ProbeMode string `json:"probe_mode,omitempty"`

	ScanInterval       models.Duration `json:"scan_interval"`
	ProbeTimeout       models.Duration `json:"probe_timeout"`
	ProbeConcurrency   int             `json:"probe_concurrency"`
	SweepTimeout       models.Duration `json:"sweep_timeout"`
	CollectTimeout     models.Duration `json:"collect_timeout"`
	CollectConcurrency int             `json:"collect_concurrency"`

	CORSOrigins []string `json:"cors_origins,omitempty"`

	Alerts AlertThresholds `json:"alerts"`

	Logging *logger.Config `json:"logging,omitempty"`
}

// AlertThresholds are the usage percentages that trigger warning and
// critical alerts.
type AlertThresholds struct {
	CPUWarning     float64 `json:"cpu_warning"`
	CPUCritical    float64 `json:"cpu_critical"`
	MemoryWarning  float64 `json:"memory_warning"`
	MemoryCritical float64 `json:"memory_critical"`
	DiskWarning    float64 `json:"disk_warning"`
	DiskCritical   float64 `json:"disk_critical"`
}

func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		CPUWarning:     80,
		CPUCritical:    95,
		MemoryWarning:  85,
		MemoryCritical: 95,
		DiskWarning:    85,
		DiskCritical:   95,
	}
}

// Validate implements Validator and fills defaults for optional knobs.
func (c *FleetWatchConfig) Validate() error {
	if c.Subnet == "" {
		return errSubnetRequired
	}

	if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
		return errSubnetInvalid
	}

	if c.HostsFile == "" {
		return errHostsFileRequired
	}

	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if c.ScanInterval == 0 {
		c.ScanInterval = models.Duration(defaultScanInterval)
	}

	if c.ScanInterval.Duration() < 10*time.Second {
		return errIntervalTooShort
	}

	switch c.ProbeMode {
	case "":
		c.ProbeMode = defaultProbeMode
	case "ping", "tcp":
	default:
		return errProbeModeInvalid
	}

	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = models.Duration(defaultProbeTimeout)
	}

	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = defaultProbeConcurrency
	}

	if c.SweepTimeout == 0 {
		c.SweepTimeout = models.Duration(defaultSweepTimeout)
	}

	if c.CollectTimeout == 0 {
		c.CollectTimeout = models.Duration(defaultCollectTimeout)
	}

	if c.CollectConcurrency <= 0 {
		c.CollectConcurrency = defaultCollectConcurrency
	}

	if c.Alerts == (AlertThresholds{}) {
		c.Alerts = DefaultAlertThresholds()
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	// Deploy-time overrides without editing the config file.
	if subnet := os.Getenv("FLEETWATCH_SUBNET"); subnet != "" {
		if _, _, err := net.ParseCIDR(subnet); err != nil {
			return errSubnetInvalid
		}

		c.Subnet = subnet
	}

	if addr := os.Getenv("FLEETWATCH_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}

	return nil
}
