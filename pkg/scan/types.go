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

//go:generate mockgen -destination=mock_scan.go -package=scan github.com/carverauto/fleetwatch/pkg/scan Scanner

// Package scan implements host liveness probing with bounded concurrency.
package scan

import (
	"context"
	"time"
)

// Mode selects how a target is probed.
type Mode string

const (
	// ModeTCP dials the target's TCP port (normally the SSH port).
	ModeTCP Mode = "tcp"
	// ModePing shells out to the system ping binary, one echo per probe.
	ModePing Mode = "ping"
)

// Target is one address to probe.
type Target struct {
	Host string
	Port int
	Mode Mode
}

// Result is the outcome of probing one target. Unreachable targets are
// normal results, carrying the reason in Error; Scan never fails a batch
// because hosts are down.
type Result struct {
	Target    Target
	Available bool
	RespTime  time.Duration
	Error     string
}

// Scanner probes a batch of targets and streams results as they complete.
type Scanner interface {
	Scan(ctx context.Context, targets []Target) (<-chan Result, error)
	Stop() error
}
