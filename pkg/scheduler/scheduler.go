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

// Package scheduler drives the monitoring loop: periodic fleet cycles and
// on-demand single-host refreshes, with at most one cycle in flight per
// scope at any time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/fleetwatch/pkg/alerts"
	"github.com/carverauto/fleetwatch/pkg/broadcast"
	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/scan"
	"github.com/carverauto/fleetwatch/pkg/state"
	"github.com/carverauto/fleetwatch/pkg/sweeper"
)

const (
	scopeFleet  = "fleet"
	stopTimeout = 10 * time.Second
)

var (
	// ErrCycleInProgress means a cycle for the requested scope is already
	// running; the request coalesces into it rather than queueing.
	ErrCycleInProgress = errors.New("cycle already in progress")

	// ErrUnknownHost means the requested address is not in the fleet.
	ErrUnknownHost = errors.New("unknown host")
)

// Discoverer resolves the roster and reachability for one fleet cycle.
type Discoverer interface {
	Discover(ctx context.Context) (*sweeper.Discovery, error)
}

// Config are the scheduler's cycle knobs.
type Config struct {
	Interval           time.Duration
	CollectConcurrency int64
	// HostIP is the engine's own address; its metrics come from the local
	// collector instead of SSH.
	HostIP    string
	ProbeMode scan.Mode
	SSHPort   int
}

// Deps are the collaborators a scheduler drives.
type Deps struct {
	Discoverer  Discoverer
	Prober      sweeper.Prober
	Store       *state.Store
	Collector   collector.Collector
	Local       collector.Collector
	Broadcaster *broadcast.Broadcaster
	Alerts      *alerts.Service
	Clock       Clock
	Logger      logger.Logger
}

// Scheduler owns cycle sequencing. Every cycle takes a fleet-wide sequence
// number; the store discards results older than what it already holds, so
// an overlapping manual refresh can never roll state backwards.
type Scheduler struct {
	cfg  Config
	deps Deps

	seq atomic.Uint64

	mu      sync.Mutex
	running map[string]bool

	ticker    Ticker
	reloadCh  chan time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}

	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		running:  make(map[string]bool),
		reloadCh: make(chan time.Duration, 1),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic loop until the context ends or Stop is called.
// The first fleet cycle runs immediately so viewers have state before the
// first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ticker = s.deps.Clock.Ticker(s.cfg.Interval)

	defer func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
	}()

	s.deps.Logger.Info().Dur("interval", s.cfg.Interval).Msg("Starting fleet scheduler")

	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.RunFleetCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.deps.Logger.Error().Err(err).Msg("Initial fleet cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.ticker.Chan():
			s.wg.Add(1)

			go func() {
				defer s.wg.Done()

				err := s.RunFleetCycle(ctx)
				if errors.Is(err, ErrCycleInProgress) {
					s.deps.Logger.Debug().Msg("Fleet cycle still running, tick skipped")
				} else if err != nil {
					s.deps.Logger.Error().Err(err).Msg("Fleet cycle failed")
				}
			}()
		case newInterval := <-s.reloadCh:
			// Hot-reload: update ticker interval
			if s.ticker != nil {
				s.ticker.Stop()
			}
			s.ticker = s.deps.Clock.Ticker(newInterval)
			s.deps.Logger.Info().Dur("interval", newInterval).Msg("Scan interval hot-reloaded")
		}
	}
}

// Stop shuts the loop down and waits for in-flight cycles, up to a bound.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	waitCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-waitCtx.Done():
		return waitCtx.Err()
	case <-finished:
		return nil
	}
}

// SetInterval hot-reloads the fleet cycle period.
func (s *Scheduler) SetInterval(d time.Duration) {
	select {
	case s.reloadCh <- d:
	default:
	}
}

// tryAcquire claims a scope. Concurrent requests for a busy scope coalesce:
// the caller gets ErrCycleInProgress and relies on the running cycle.
func (s *Scheduler) tryAcquire(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[scope] {
		return false
	}

	s.running[scope] = true

	return true
}

func (s *Scheduler) release(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, scope)
}

// RunFleetCycle executes one full discover/collect/reconcile pass, unless
// one is already in flight.
func (s *Scheduler) RunFleetCycle(ctx context.Context) error {
	if !s.tryAcquire(scopeFleet) {
		return ErrCycleInProgress
	}
	defer s.release(scopeFleet)

	return s.fleetCycle(ctx)
}

// TriggerFleetCycle claims the fleet scope and runs the cycle in the
// background. Callers get ErrCycleInProgress immediately when a cycle is
// already running and can treat their request as coalesced into it.
func (s *Scheduler) TriggerFleetCycle() error {
	if !s.tryAcquire(scopeFleet) {
		return ErrCycleInProgress
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.release(scopeFleet)

		if err := s.fleetCycle(context.Background()); err != nil {
			s.deps.Logger.Error().Err(err).Msg("Triggered fleet cycle failed")
		}
	}()

	return nil
}

func (s *Scheduler) fleetCycle(ctx context.Context) error {
	seq := s.seq.Add(1)
	start := s.deps.Clock.Now()

	d, err := s.deps.Discoverer.Discover(ctx)
	if err != nil {
		// The previous cycle's state stands until the next tick.
		return err
	}

	for i := range d.Machines {
		s.deps.Store.EnsureHost(&d.Machines[i])
	}

	changed := make(map[string]bool)
	scanTime := s.deps.Clock.Now()

	var reachable []int

	for i := range d.Machines {
		m := &d.Machines[i]

		probe, ok := d.Reachability[m.IP]
		if ok && probe.Reachable {
			reachable = append(reachable, i)
			continue
		}

		if s.deps.Store.Apply(state.ApplyResult{
			IP:        m.IP,
			Seq:       seq,
			Reachable: false,
			Err:       probe.Error,
			ScanTime:  scanTime,
		}) {
			changed[m.IP] = true
		}
	}

	s.collectAndApply(ctx, seq, d.Machines, reachable, scanTime, changed)

	s.publishCycle(changed, len(d.New))

	s.deps.Logger.Info().
		Uint64("seq", seq).
		Int("machines", len(d.Machines)).
		Int("reachable", len(reachable)).
		Int("changed", len(changed)).
		Int("new", len(d.New)).
		Dur("elapsed", s.deps.Clock.Now().Sub(start)).
		Msg("Fleet cycle complete")

	return nil
}

// collectAndApply gathers metrics from the reachable subset and reconciles
// each result into the store. The engine's own host uses the local
// collector; everything else goes over SSH.
func (s *Scheduler) collectAndApply(ctx context.Context, seq uint64,
	machines []models.Machine, reachable []int, scanTime time.Time, changed map[string]bool) {
	var remote []models.Machine

	for _, i := range reachable {
		m := machines[i]

		if m.IP == s.cfg.HostIP {
			metrics, err := s.deps.Local.Collect(ctx, &m)
			s.applyCollection(seq, m.IP, metrics, err, scanTime, changed)

			continue
		}

		remote = append(remote, m)
	}

	if len(remote) == 0 {
		return
	}

	results := collector.FleetCollect(ctx, s.deps.Collector, remote, s.cfg.CollectConcurrency)
	for r := range results {
		s.applyCollection(seq, r.IP, r.Metrics, r.Err, scanTime, changed)
	}
}

func (s *Scheduler) applyCollection(seq uint64, ip string,
	metrics *models.SystemMetrics, err error, scanTime time.Time, changed map[string]bool) {
	if s.deps.Store.Apply(state.ApplyResult{
		IP:           ip,
		Seq:          seq,
		Reachable:    true,
		CollectionOK: err == nil,
		Metrics:      metrics,
		Err:          errString(err),
		ScanTime:     scanTime,
	}) {
		changed[ip] = true
	}
}

// publishCycle pushes the cycle's outcome to viewers: changed records when
// there are any, the fleet summary every cycle, and any new alerts.
func (s *Scheduler) publishCycle(changed map[string]bool, newMachines int) {
	if len(changed) > 0 || newMachines > 0 {
		var hosts []models.Machine

		for ip := range changed {
			if m, ok := s.deps.Store.Get(ip); ok {
				hosts = append(hosts, *m)
			}
		}

		s.deps.Broadcaster.Publish(broadcast.Message{
			Type:         broadcast.TypeStateUpdate,
			ChangedHosts: hosts,
		})
	}

	summary := s.deps.Store.Summary()
	s.deps.Broadcaster.Publish(broadcast.Message{
		Type:    broadcast.TypeSummaryUpdate,
		Summary: &summary,
	})

	if raised := s.deps.Alerts.Evaluate(s.deps.Store.Snapshot()); len(raised) > 0 {
		s.deps.Broadcaster.Publish(broadcast.Message{
			Type:   broadcast.TypeAlertsUpdate,
			Alerts: raised,
		})
	}
}

// RefreshHost runs an immediate probe-and-collect cycle for one machine.
// A refresh already running for the same address coalesces; refreshes for
// different machines, and the fleet cycle, proceed independently.
func (s *Scheduler) RefreshHost(ctx context.Context, ip string) error {
	m, ok := s.deps.Store.Get(ip)
	if !ok {
		return ErrUnknownHost
	}

	if !s.tryAcquire(ip) {
		return ErrCycleInProgress
	}
	defer s.release(ip)

	return s.refreshHost(ctx, ip, m)
}

// TriggerRefresh claims the host scope and refreshes in the background.
// Like TriggerFleetCycle, a busy scope reports ErrCycleInProgress and the
// caller coalesces into the running refresh.
func (s *Scheduler) TriggerRefresh(ip string) error {
	m, ok := s.deps.Store.Get(ip)
	if !ok {
		return ErrUnknownHost
	}

	if !s.tryAcquire(ip) {
		return ErrCycleInProgress
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.release(ip)

		if err := s.refreshHost(context.Background(), ip, m); err != nil {
			s.deps.Logger.Error().Err(err).Str("ip", ip).Msg("Triggered host refresh failed")
		}
	}()

	return nil
}

func (s *Scheduler) refreshHost(ctx context.Context, ip string, m *models.Machine) error {
	seq := s.seq.Add(1)
	scanTime := s.deps.Clock.Now()

	port := m.SSHPort
	if port == 0 {
		port = s.cfg.SSHPort
	}

	probes, err := s.deps.Prober.Probe(ctx, []scan.Target{{Host: ip, Port: port, Mode: s.cfg.ProbeMode}})
	if err != nil {
		return err
	}

	changed := make(map[string]bool)

	probe := probes[ip]
	if !probe.Reachable {
		if s.deps.Store.Apply(state.ApplyResult{
			IP:        ip,
			Seq:       seq,
			Reachable: false,
			Err:       probe.Error,
			ScanTime:  scanTime,
		}) {
			changed[ip] = true
		}
	} else {
		c := s.deps.Collector
		if ip == s.cfg.HostIP {
			c = s.deps.Local
		}

		metrics, cerr := c.Collect(ctx, m)
		s.applyCollection(seq, ip, metrics, cerr, scanTime, changed)
	}

	s.publishCycle(changed, 0)

	s.deps.Logger.Info().Str("ip", ip).Uint64("seq", seq).Msg("Host refresh complete")

	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
