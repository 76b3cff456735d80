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

// Package state holds the authoritative in-memory fleet state. Every
// observation lands here through Apply; nothing else mutates machine
// records.
package state

import (
	"hash/fnv"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const shardCount = 8

// ApplyResult carries the outcome of one probe/collection attempt for one
// host, tagged with the cycle sequence number that produced it.
type ApplyResult struct {
	IP           string
	Seq          uint64
	Reachable    bool
	CollectionOK bool
	Metrics      *models.SystemMetrics
	Err          string
	ScanTime     time.Time
}

// Store is the authoritative fleet state map.
type Store struct {
	shards [shardCount]*shard
	logger logger.Logger
}

// shard partitions records by IP hash so concurrent applies for different
// hosts do not contend on one lock.
type shard struct {
	mu      sync.RWMutex
	records map[string]*models.Machine
}

func NewStore(log logger.Logger) *Store {
	s := &Store{logger: log}

	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*models.Machine)}
	}

	return s
}

func (s *Store) shardFor(ip string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))

	return s.shards[h.Sum32()%shardCount]
}

// EnsureHost creates the record for a machine if it does not exist yet. New
// records start in StatusUnknown until their first cycle completes. Identity
// fields of existing records are refreshed from configuration, observed
// fields are left alone.
func (s *Store) EnsureHost(m *models.Machine) (created bool) {
	sh := s.shardFor(m.IP)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[m.IP]; ok {
		existing.Name = m.Name
		existing.Role = m.Role
		existing.Tags = append([]string(nil), m.Tags...)
		existing.Description = m.Description
		existing.SSHUser = m.SSHUser
		existing.SSHPort = m.SSHPort
		existing.CredentialRef = m.CredentialRef
		existing.AutoDiscovered = m.AutoDiscovered

		return false
	}

	rec := m.DeepCopy()
	rec.Status = models.StatusUnknown
	sh.records[m.IP] = rec

	return true
}

// Apply is the sole mutation path for observations. It recomputes the
// derived status, refuses results older than the last applied sequence, and
// preserves the previous metrics snapshot when a collection fails. The
// return value reports whether anything observable changed, which is what
// decides broadcasting.
func (s *Store) Apply(r ApplyResult) (changed bool) {
	sh := s.shardFor(r.IP)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[r.IP]
	if !ok {
		// Observations for unknown hosts are dropped; hosts enter the
		// store via EnsureHost only.
		s.logger.Warn().Str("ip", r.IP).Msg("Dropping observation for unregistered host")
		return false
	}

	if r.Seq < rec.Seq {
		s.logger.Debug().
			Str("ip", r.IP).
			Uint64("seq", r.Seq).
			Uint64("current_seq", rec.Seq).
			Msg("Discarding stale cycle result")

		return false
	}

	before := observedView{
		reachable:    rec.Reachable,
		collectionOK: rec.CollectionOK,
		status:       rec.Status,
		lastError:    rec.LastError,
		metrics:      rec.Metrics,
	}

	rec.Seq = r.Seq
	rec.Reachable = r.Reachable
	rec.CollectionOK = r.Reachable && r.CollectionOK
	rec.Status = models.DeriveStatus(rec.Reachable, rec.CollectionOK)
	rec.LastScan = r.ScanTime
	rec.LastError = r.Err

	if rec.Reachable {
		rec.LastSeen = r.ScanTime
	}

	if rec.CollectionOK && r.Metrics != nil {
		rec.Metrics = r.Metrics.DeepCopy()
	}
	// On failure the previous metrics snapshot stays: stale-but-present
	// beats erasing known-good data.

	after := observedView{
		reachable:    rec.Reachable,
		collectionOK: rec.CollectionOK,
		status:       rec.Status,
		lastError:    rec.LastError,
		metrics:      rec.Metrics,
	}

	return !before.equal(after)
}

// observedView is the observable subset of a record compared to decide
// whether an apply changed anything.
type observedView struct {
	reachable    bool
	collectionOK bool
	status       models.Status
	lastError    string
	metrics      *models.SystemMetrics
}

func (a observedView) equal(b observedView) bool {
	if a.reachable != b.reachable || a.collectionOK != b.collectionOK ||
		a.status != b.status || a.lastError != b.lastError {
		return false
	}

	return reflect.DeepEqual(a.metrics, b.metrics)
}

// Get returns a copy of one record.
func (s *Store) Get(ip string) (*models.Machine, bool) {
	sh := s.shardFor(ip)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[ip]
	if !ok {
		return nil, false
	}

	return rec.DeepCopy(), true
}

// Remove deletes a record. Only explicit host deletion calls this; cycles
// never prune.
func (s *Store) Remove(ip string) bool {
	sh := s.shardFor(ip)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.records[ip]; !ok {
		return false
	}

	delete(sh.records, ip)

	return true
}

// Snapshot returns all records sorted by IP, deep-copied so readers never
// alias store memory.
func (s *Store) Snapshot() []models.Machine {
	var out []models.Machine

	for _, sh := range s.shards {
		sh.mu.RLock()

		for _, rec := range sh.records {
			out = append(out, *rec.DeepCopy())
		}

		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })

	return out
}

// Summary aggregates the snapshot for dashboard consumers.
func (s *Store) Summary() models.NetworkSummary {
	machines := s.Snapshot()

	summary := models.NetworkSummary{
		TotalMachines: len(machines),
		LastScan:      time.Now().UTC(),
	}

	var (
		cpuSum, memSum, diskSum float64
		diskCount, onlineCount  int
	)

	for i := range machines {
		m := &machines[i]

		switch m.Status {
		case models.StatusOnline:
			summary.Online++
		case models.StatusOffline:
			summary.Offline++
		case models.StatusDegraded:
			summary.Degraded++
		case models.StatusUnknown:
			summary.Unknown++
		}

		if m.Status != models.StatusOnline || m.Metrics == nil {
			continue
		}

		onlineCount++
		cpuSum += m.Metrics.CPU.UsagePercent
		memSum += m.Metrics.Memory.UsagePercent

		if len(m.Metrics.Disks) > 0 {
			diskSum += m.Metrics.Disks[0].UsagePercent
			diskCount++
		}

		for _, c := range m.Metrics.Containers {
			if c.Status == "running" {
				summary.ActiveContainers++
			}
		}
	}

	if onlineCount > 0 {
		summary.AvgCPUUsage = round1(cpuSum / float64(onlineCount))
		summary.AvgMemoryUsage = round1(memSum / float64(onlineCount))
	}

	if diskCount > 0 {
		summary.AvgDiskUsage = round1(diskSum / float64(diskCount))
	}

	return summary
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
