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

// Package broadcast fans fleet state changes out to attached live viewers.
// Each viewer has an independent bounded queue; a slow consumer loses its
// oldest updates instead of slowing the publisher or its peers.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	// TypeSnapshot is the full-fleet payload a viewer gets on attach.
	TypeSnapshot = "snapshot"
	// TypeStateUpdate carries only the records a cycle changed.
	TypeStateUpdate = "state_update"
	// TypeSummaryUpdate refreshes the fleet-wide rollup.
	TypeSummaryUpdate = "summary_update"
	// TypeAlertsUpdate carries newly raised alerts.
	TypeAlertsUpdate = "alerts_update"

	defaultViewerQueueSize = 16
)

// Message is one payload pushed to viewers.
type Message struct {
	Type         string                 `json:"type"`
	Hosts        []models.Machine       `json:"hosts,omitempty"`
	ChangedHosts []models.Machine       `json:"changed_hosts,omitempty"`
	Summary      *models.NetworkSummary `json:"summary,omitempty"`
	Alerts       []models.Alert         `json:"alerts,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Viewer is one attached live consumer. Read messages from C until it is
// closed, then stop.
type Viewer struct {
	ID string

	c      chan Message
	closed bool
	mu     sync.Mutex
}

// C is the viewer's receive channel.
func (v *Viewer) C() <-chan Message {
	return v.c
}

// enqueue delivers without ever blocking: when the queue is full the oldest
// undelivered message is dropped so the newest state wins.
func (v *Viewer) enqueue(msg Message) (dropped bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false
	}

	for {
		select {
		case v.c <- msg:
			return dropped
		default:
			select {
			case <-v.c:
				dropped = true
			default:
			}
		}
	}
}

func (v *Viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.closed {
		v.closed = true
		close(v.c)
	}
}

// SnapshotFunc produces the full-fleet payload for newly attached viewers.
type SnapshotFunc func() ([]models.Machine, *models.NetworkSummary)

// Broadcaster maintains the set of attached viewers.
type Broadcaster struct {
	snapshot  SnapshotFunc
	queueSize int
	logger    logger.Logger

	mu      sync.RWMutex
	viewers map[string]*Viewer
}

func NewBroadcaster(snapshot SnapshotFunc, queueSize int, log logger.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultViewerQueueSize
	}

	return &Broadcaster{
		snapshot:  snapshot,
		queueSize: queueSize,
		logger:    log,
		viewers:   make(map[string]*Viewer),
	}
}

// Attach registers a viewer and queues the full snapshot as its first
// message, so a viewer joining mid-fleet never starts from deltas. The
// snapshot is taken and the viewer registered under the same lock Publish
// takes, so an update concurrent with Attach is either already in the
// snapshot or delivered to the queue; it can never fall between the two.
func (b *Broadcaster) Attach() *Viewer {
	v := &Viewer{
		ID: uuid.New().String(),
		c:  make(chan Message, b.queueSize),
	}

	b.mu.Lock()

	hosts, summary := b.snapshot()
	v.enqueue(Message{
		Type:      TypeSnapshot,
		Hosts:     hosts,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	})

	b.viewers[v.ID] = v
	count := len(b.viewers)
	b.mu.Unlock()

	b.logger.Info().Str("viewer_id", v.ID).Int("viewers", count).Msg("Viewer attached")

	return v
}

// Detach removes a viewer and closes its channel. Safe to call more than
// once and never disturbs other viewers.
func (b *Broadcaster) Detach(v *Viewer) {
	b.mu.Lock()

	_, ok := b.viewers[v.ID]
	if ok {
		delete(b.viewers, v.ID)
	}

	count := len(b.viewers)
	b.mu.Unlock()

	if !ok {
		return
	}

	v.close()

	b.logger.Info().Str("viewer_id", v.ID).Int("viewers", count).Msg("Viewer detached")
}

// Publish enqueues a message to every attached viewer. The publishing path
// never blocks on any viewer.
func (b *Broadcaster) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	viewers := make([]*Viewer, 0, len(b.viewers))

	for _, v := range b.viewers {
		viewers = append(viewers, v)
	}
	b.mu.RUnlock()

	for _, v := range viewers {
		if v.enqueue(msg) {
			b.logger.Debug().Str("viewer_id", v.ID).Msg("Dropped oldest update for slow viewer")
		}
	}
}

// ViewerCount reports how many viewers are attached.
func (b *Broadcaster) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.viewers)
}
