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

package scan

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const (
	defaultPingTimeout     = 1 * time.Second
	defaultPingConcurrency = 64

	// Slack on top of ping's own -W deadline so the subprocess gets to
	// report before the context kills it.
	pingContextSlack = 1 * time.Second
)

// PingScanner probes with one ICMP echo per target via the system ping
// binary. Raw-socket ICMP needs privileges the service does not usually
// have; a subprocess per probe is cheap at fleet scale and the worker pool
// bounds it.
type PingScanner struct {
	timeout     time.Duration
	concurrency int
	cancel      context.CancelFunc
	logger      logger.Logger
}

var _ Scanner = (*PingScanner)(nil)

func NewPingScanner(timeout time.Duration, concurrency int, log logger.Logger) *PingScanner {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	if concurrency <= 0 {
		concurrency = defaultPingConcurrency
	}

	return &PingScanner{
		timeout:     timeout,
		concurrency: concurrency,
		logger:      log,
	}
}

func (s *PingScanner) Scan(ctx context.Context, targets []Target) (<-chan Result, error) {
	pingTargets := filterTargets(targets, ModePing)
	if len(pingTargets) == 0 {
		ch := make(chan Result)
		close(ch)

		return ch, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	resultCh := make(chan Result, len(pingTargets))
	workCh := make(chan Target, s.concurrency*workChannelMultiplier)

	var wg sync.WaitGroup

	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.worker(scanCtx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)

		for _, t := range pingTargets {
			select {
			case <-scanCtx.Done():
				return
			case workCh <- t:
			}
		}
	}()

	go func() {
		wg.Wait()

		close(resultCh)
	}()

	return resultCh, nil
}

func (s *PingScanner) worker(ctx context.Context, workCh <-chan Target, resultCh chan<- Result) {
	for t := range workCh {
		result := Result{Target: t}

		avail, rtt, err := s.ping(ctx, t.Host)
		result.Available = avail
		result.RespTime = rtt

		if err != nil {
			result.Error = probeErrorString(err)
		}

		select {
		case <-ctx.Done():
			return
		case resultCh <- result:
		}
	}
}

func (s *PingScanner) ping(ctx context.Context, host string) (bool, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout+pingContextSlack)
	defer cancel()

	deadlineSecs := int(s.timeout.Seconds())
	if deadlineSecs < 1 {
		deadlineSecs = 1
	}

	start := time.Now()

	cmd := exec.CommandContext(probeCtx, "ping", "-c", "1", "-W", strconv.Itoa(deadlineSecs), host)

	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if probeCtx.Err() != nil {
			return false, elapsed, probeCtx.Err()
		}

		// Non-zero exit means no echo reply; that is an ordinary
		// unreachable result.
		return false, elapsed, nil
	}

	return true, elapsed, nil
}

func (s *PingScanner) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	return nil
}
