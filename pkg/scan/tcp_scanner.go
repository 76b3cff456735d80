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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const (
	defaultTCPTimeout     = 2 * time.Second
	defaultTCPConcurrency = 64

	workChannelMultiplier = 2
)

// TCPScanner reports a target reachable when its TCP port accepts a
// connection. Fleet machines are monitored over SSH, so probing the SSH
// port answers the question that matters for collection.
type TCPScanner struct {
	timeout     time.Duration
	concurrency int
	cancel      context.CancelFunc
	logger      logger.Logger
}

var _ Scanner = (*TCPScanner)(nil)

func NewTCPScanner(timeout time.Duration, concurrency int, log logger.Logger) *TCPScanner {
	if timeout <= 0 {
		timeout = defaultTCPTimeout
	}

	if concurrency <= 0 {
		concurrency = defaultTCPConcurrency
	}

	return &TCPScanner{
		timeout:     timeout,
		concurrency: concurrency,
		logger:      log,
	}
}

func (s *TCPScanner) Scan(ctx context.Context, targets []Target) (<-chan Result, error) {
	tcpTargets := filterTargets(targets, ModeTCP)
	if len(tcpTargets) == 0 {
		ch := make(chan Result)
		close(ch)

		return ch, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	resultCh := make(chan Result, len(tcpTargets))
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

		for _, t := range tcpTargets {
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

func (s *TCPScanner) worker(ctx context.Context, workCh <-chan Target, resultCh chan<- Result) {
	for t := range workCh {
		result := Result{Target: t}

		avail, rtt, err := s.checkPort(ctx, t.Host, t.Port)
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

func (s *TCPScanner) checkPort(ctx context.Context, host string, port int) (bool, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	var dialer net.Dialer

	conn, err := dialer.DialContext(probeCtx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		if probeCtx.Err() != nil {
			return false, time.Since(start), probeCtx.Err()
		}

		return false, time.Since(start), err
	}

	defer func(conn net.Conn) {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Str("host", host).Msg("failed to close probe connection")
		}
	}(conn)

	return true, time.Since(start), nil
}

func (s *TCPScanner) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	return nil
}

func filterTargets(targets []Target, mode Mode) []Target {
	var filtered []Target

	for _, t := range targets {
		if t.Mode == mode {
			filtered = append(filtered, t)
		}
	}

	return filtered
}

func probeErrorString(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	return err.Error()
}
