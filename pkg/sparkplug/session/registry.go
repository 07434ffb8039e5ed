// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
)

// Snapshot is an immutable copy of a session, safe to share between goroutines.
type Snapshot struct {
	Identity       EdgeNodeIdentity
	Phase          Phase
	PhaseSince     time.Time
	BirthSeq       uint8
	LastSeq        uint8
	BdSeq          uint64
	HasBdSeq       bool
	LastSeen       time.Time
	RebirthPending bool
	Metrics        map[string]payload.Metric
	Devices        map[string]Device
}

func (s *Session) publish() {
	snap := &Snapshot{
		Identity:       s.id,
		Phase:          s.Phase(),
		PhaseSince:     s.phaseSince,
		BirthSeq:       s.birthSeq,
		LastSeq:        s.lastSeq,
		BdSeq:          s.bdSeq,
		HasBdSeq:       s.hasBdSeq,
		LastSeen:       s.lastSeen,
		RebirthPending: s.rebirthPending,
		Metrics:        copyMetrics(s.metrics),
		Devices:        make(map[string]Device, len(s.devices)),
	}
	for id, d := range s.devices {
		snap.Devices[id] = Device{ID: d.ID, Phase: d.Phase, LastSeen: d.LastSeen, Metrics: copyMetrics(d.Metrics)}
	}
	s.snapshot.Store(snap)
}

// Snapshot returns the state published by the last transition. It never blocks.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Registry maps node identities to sessions.
//
// The map itself is copy-on-write behind an atomic pointer so lookups and
// diagnostic reads never take a lock; Register and Unregister serialise on mu.
// Each session is mutated only by the worker that owns its identity.
type Registry struct {
	sessions atomic.Pointer[map[string]*Session]
	mu       sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Session)
	r.sessions.Store(&empty)
	return r
}

// Get returns the session for id.
func (r *Registry) Get(id EdgeNodeIdentity) (*Session, bool) {
	s, ok := (*r.sessions.Load())[id.Key()]
	return s, ok
}

// Register returns the session for id, creating an OFFLINE one when the
// identity is seen for the first time.
func (r *Registry) Register(id EdgeNodeIdentity) (*Session, bool) {
	if s, ok := r.Get(id); ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.sessions.Load()
	if s, ok := current[id.Key()]; ok {
		return s, false
	}

	s := New(id)
	next := make(map[string]*Session, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id.Key()] = s
	r.sessions.Store(&next)
	return s, true
}

// Unregister moves the session to OFFLINE and removes it.
func (r *Registry) Unregister(id EdgeNodeIdentity) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.sessions.Load()
	s, ok := current[id.Key()]
	if !ok {
		return Transition{}, false
	}

	next := make(map[string]*Session, len(current))
	for k, v := range current {
		if k != id.Key() {
			next[k] = v
		}
	}
	r.sessions.Store(&next)
	return s.Unregister(), true
}

// Sessions returns all registered sessions ordered by key.
func (r *Registry) Sessions() []*Session {
	current := *r.sessions.Load()
	out := make([]*Session, 0, len(current))
	for _, s := range current {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Key() < out[j].id.Key() })
	return out
}

// Snapshot returns the published state of one session.
func (r *Registry) Snapshot(id EdgeNodeIdentity) (Snapshot, bool) {
	s, ok := r.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Snapshots returns the published state of every session ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	sessions := r.Sessions()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(*r.sessions.Load())
}
