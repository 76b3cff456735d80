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
	"time"
)

const timeoutReason = "timeout"

// ProbeResult is the liveness verdict for one address.
type ProbeResult struct {
	Reachable bool
	RespTime  time.Duration
	Error     string
}

// Prober runs a scanner over a batch of targets under a hard batch deadline.
// Every submitted target gets a verdict: anything not resolved when the
// deadline hits is reported unreachable with Error="timeout", so a stuck
// probe can never extend a cycle past its ceiling.
type Prober struct {
	scanner      Scanner
	batchTimeout time.Duration
}

func NewProber(scanner Scanner, batchTimeout time.Duration) *Prober {
	return &Prober{scanner: scanner, batchTimeout: batchTimeout}
}

// Probe resolves liveness for every target. The returned map is keyed by
// target host and always has one entry per distinct host.
func (p *Prober) Probe(ctx context.Context, targets []Target) (map[string]ProbeResult, error) {
	results := make(map[string]ProbeResult, len(targets))
	for _, t := range targets {
		results[t.Host] = ProbeResult{Reachable: false, Error: timeoutReason}
	}

	if len(targets) == 0 {
		return results, nil
	}

	batchCtx := ctx

	var cancel context.CancelFunc

	if p.batchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, p.batchTimeout)
		defer cancel()
	}

	resultCh, err := p.scanner.Scan(batchCtx, targets)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-batchCtx.Done():
			// Remaining hosts keep their timeout verdict.
			return results, nil
		case r, ok := <-resultCh:
			if !ok {
				return results, nil
			}

			results[r.Target.Host] = ProbeResult{
				Reachable: r.Available,
				RespTime:  r.RespTime,
				Error:     r.Error,
			}
		}
	}
}
