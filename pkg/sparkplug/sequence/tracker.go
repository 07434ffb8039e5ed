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

// Package sequence tracks Sparkplug B sequence numbers.
//
// Sequence numbers are tracked at NODE scope: NBIRTH, NDATA, DBIRTH, DDATA and
// DDEATH from one edge node share a single 0..255 wrapping counter. A birth
// establishes the baseline; any other value than (last+1) mod 256 is a gap and
// freezes the node until its next NBIRTH.
package sequence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

// ErrSequenceGap reports an integrity violation that requires a rebirth.
var ErrSequenceGap = errors.New("sparkplug sequence gap")

// Verdict is the outcome of observing one sequence number.
type Verdict int

const (
	// Continue means the message carried the expected sequence number.
	Continue Verdict = iota
	// Gap means the sequence is broken; the node stays frozen until rebirth.
	Gap
	// Reset means a birth re-established the baseline.
	Reset
	// Skipped means the message type does not take part in sequencing (STATE, NDEATH, commands).
	Skipped
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Gap:
		return "gap"
	case Reset:
		return "reset"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// MaxSeq is the largest Sparkplug sequence number.
const MaxSeq = 255

type nodeSeq struct {
	last    uint8
	birthed bool
	frozen  bool
}

// Tracker validates inbound sequence continuity per node key.
type Tracker struct {
	nodes map[string]*nodeSeq
	mu    sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[string]*nodeSeq)}
}

// Participates reports whether mt carries a node-scoped sequence number.
// NDEATH carries only bdSeq and commands are sequenced by their sender.
func Participates(mt topic.MessageType) bool {
	switch mt {
	case topic.NodeBirth, topic.NodeData, topic.DeviceBirth, topic.DeviceData, topic.DeviceDeath:
		return true
	}
	return false
}

// Observe checks seq for the node identified by key. Values above 255 are
// never valid and count as a gap.
func (t *Tracker) Observe(key string, mt topic.MessageType, seq uint64) Verdict {
	if !Participates(mt) {
		return Skipped
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[key]
	if !ok {
		n = &nodeSeq{}
		t.nodes[key] = n
	}

	if mt == topic.NodeBirth {
		if seq > MaxSeq {
			*n = nodeSeq{frozen: true}
			return Gap
		}
		*n = nodeSeq{last: uint8(seq), birthed: true}
		return Reset
	}

	if !n.birthed || n.frozen {
		n.frozen = true
		return Gap
	}
	if seq > MaxSeq || uint8(seq) != n.last+1 {
		n.frozen = true
		return Gap
	}
	n.last = uint8(seq)
	return Continue
}

// Expected returns the next sequence number the node must send. ok is false
// when the node has no valid baseline (never birthed, or frozen).
func (t *Tracker) Expected(key string) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[key]
	if !ok || !n.birthed || n.frozen {
		return 0, false
	}
	return n.last + 1, true
}

// Frozen reports whether key is waiting for a rebirth.
func (t *Tracker) Frozen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[key]
	return ok && n.frozen
}

// Forget drops all state for key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, key)
}

// Len returns the number of tracked nodes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// GapError describes a detected gap for logging and error returns.
func GapError(key string, expected uint8, got uint64) error {
	return fmt.Errorf("%w: node %s expected %d, got %d", ErrSequenceGap, key, expected, got)
}
