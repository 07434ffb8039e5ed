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

// Package session implements the Sparkplug B edge node lifecycle as seen by
// a host application.
//
// A Session moves between three phases:
//
//	OFFLINE --birth--> BIRTHED --death|disconnect|gap--> STALE --birth--> BIRTHED
//	any --unregister--> OFFLINE
//
// Devices live inside their node's session. When the node leaves BIRTHED every
// device becomes STALE in the same transition, and a new NBIRTH clears the
// device set so devices must re-announce themselves with DBIRTH.
//
// A Session is mutated by exactly one goroutine (the worker owning its
// identity). Readers on other goroutines use Snapshot, which is published
// atomically after every transition.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/sequence"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

// Phase is the lifecycle phase of a node or device.
type Phase string

const (
	Offline Phase = "OFFLINE"
	Birthed Phase = "BIRTHED"
	Stale   Phase = "STALE"
)

// FSM events.
const (
	EventBirth      = "birth"
	EventData       = "data"
	EventDeath      = "death"
	EventDisconnect = "disconnect"
	EventGap        = "gap"
	EventUnregister = "unregister"
)

// BdSeqMetric is the NBIRTH/NDEATH metric pairing a birth with its will.
const BdSeqMetric = "bdSeq"

// EdgeNodeIdentity addresses one edge node.
type EdgeNodeIdentity struct {
	GroupID    string
	EdgeNodeID string
}

// Key returns group/edgeNode.
func (id EdgeNodeIdentity) Key() string { return topic.NodeKey(id.GroupID, id.EdgeNodeID) }

func (id EdgeNodeIdentity) String() string { return id.Key() }

// Validate checks that both parts can be placed in a topic.
func (id EdgeNodeIdentity) Validate() error {
	if err := topic.ValidateID("group_id", id.GroupID); err != nil {
		return err
	}
	return topic.ValidateID("edge_node_id", id.EdgeNodeID)
}

// IdentityOf returns the node identity a topic belongs to.
func IdentityOf(t topic.Topic) EdgeNodeIdentity {
	return EdgeNodeIdentity{GroupID: t.GroupID, EdgeNodeID: t.EdgeNodeID}
}

// DeviceIdentity addresses one device under an edge node.
type DeviceIdentity struct {
	Node     EdgeNodeIdentity
	DeviceID string
}

// Key returns group/edgeNode/device, or the node key when DeviceID is empty.
func (id DeviceIdentity) Key() string {
	return topic.DeviceKey(id.Node.GroupID, id.Node.EdgeNodeID, id.DeviceID)
}

func (id DeviceIdentity) String() string { return id.Key() }

// Device is the host-side view of one device.
type Device struct {
	ID       string
	Phase    Phase
	LastSeen time.Time
	Metrics  map[string]payload.Metric
}

type aliasEntry struct {
	name     string
	dataType payload.DataType
}

// Transition describes the effect of one message on a session.
type Transition struct {
	Identity EdgeNodeIdentity
	Event    string
	From     Phase
	To       Phase

	// DeviceID is set for device-level messages.
	DeviceID   string
	DeviceFrom Phase
	DeviceTo   Phase

	// RebirthRequired is set at most once per integrity violation.
	RebirthRequired bool
	// DevicesStaled lists the devices forced to STALE by this transition, sorted.
	DevicesStaled []string
	// Metrics are the message metrics with aliases resolved and datatypes taken from the birth.
	Metrics []payload.Metric
	// Rejected names metrics dropped because their value contradicts the birth datatype.
	Rejected []string

	// Ignored is set when the message had no effect, with Reason explaining why.
	Ignored bool
	Reason  string
}

// Changed reports whether the node phase changed.
func (t Transition) Changed() bool { return t.From != t.To }

// Session is the host-side state of one edge node.
type Session struct {
	id  EdgeNodeIdentity
	fsm *fsm.FSM

	birthSeq       uint8
	lastSeq        uint8
	bdSeq          uint64
	hasBdSeq       bool
	lastSeen       time.Time
	phaseSince     time.Time
	rebirthPending bool

	metrics map[string]payload.Metric
	devices map[string]*Device
	// aliases is keyed by scope: "" for node metrics, else the device id.
	aliases map[string]map[uint64]aliasEntry

	snapshot atomic.Pointer[Snapshot]
}

// New creates an OFFLINE session for id.
func New(id EdgeNodeIdentity) *Session {
	s := &Session{
		id:         id,
		metrics:    make(map[string]payload.Metric),
		devices:    make(map[string]*Device),
		aliases:    make(map[string]map[uint64]aliasEntry),
		phaseSince: time.Now(),
	}

	s.fsm = fsm.NewFSM(
		string(Offline),
		fsm.Events{
			{Name: EventBirth, Src: []string{string(Offline), string(Birthed), string(Stale)}, Dst: string(Birthed)},
			{Name: EventData, Src: []string{string(Birthed)}, Dst: string(Birthed)},
			{Name: EventDeath, Src: []string{string(Birthed)}, Dst: string(Stale)},
			{Name: EventDisconnect, Src: []string{string(Birthed)}, Dst: string(Stale)},
			{Name: EventGap, Src: []string{string(Birthed)}, Dst: string(Stale)},
			{Name: EventUnregister, Src: []string{string(Offline), string(Birthed), string(Stale)}, Dst: string(Offline)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, _ *fsm.Event) {
				s.phaseSince = time.Now()
			},
		},
	)

	s.publish()
	return s
}

// Identity returns the node identity of the session.
func (s *Session) Identity() EdgeNodeIdentity { return s.id }

// Phase returns the current node phase.
func (s *Session) Phase() Phase { return Phase(s.fsm.Current()) }

// fire runs an FSM event. Self-transitions (BIRTHED -> BIRTHED) are success.
func (s *Session) fire(event string) error {
	err := s.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("session %s: event %s in phase %s: %w", s.id, event, s.Phase(), err)
}

func (s *Session) begin(event, deviceID string) Transition {
	t := Transition{Identity: s.id, Event: event, From: s.Phase(), DeviceID: deviceID}
	if d, ok := s.devices[deviceID]; ok && deviceID != "" {
		t.DeviceFrom = d.Phase
	} else if deviceID != "" {
		t.DeviceFrom = Offline
	}
	return t
}

func (s *Session) finish(t Transition) Transition {
	t.To = s.Phase()
	if t.DeviceID != "" {
		if d, ok := s.devices[t.DeviceID]; ok {
			t.DeviceTo = d.Phase
		} else {
			t.DeviceTo = Offline
		}
	}
	s.publish()
	return t
}

func (s *Session) ignore(t Transition, reason string) Transition {
	t.Ignored = true
	t.Reason = reason
	t.To = t.From
	t.DeviceTo = t.DeviceFrom
	return t
}

// requestRebirth marks a violation and reports whether this is the first one
// since the last birth.
func (s *Session) requestRebirth() bool {
	if s.rebirthPending {
		return false
	}
	s.rebirthPending = true
	return true
}

// staleAll forces every device to STALE and returns their ids, sorted.
func (s *Session) staleAll(ts time.Time) []string {
	var staled []string
	for id, d := range s.devices {
		if d.Phase == Stale {
			continue
		}
		d.Phase = Stale
		d.LastSeen = ts
		staled = append(staled, id)
	}
	sort.Strings(staled)
	return staled
}

// ApplyBirth handles a valid NBIRTH: records the birth sequence and bdSeq,
// clears the device set and rebuilds the node alias table. Any previous phase
// is allowed; STALE -> BIRTHED re-initialises exactly like OFFLINE -> BIRTHED.
func (s *Session) ApplyBirth(seq uint8, metrics []payload.Metric, ts time.Time) Transition {
	t := s.begin(EventBirth, "")
	if err := s.fire(EventBirth); err != nil {
		return s.ignore(t, err.Error())
	}

	s.birthSeq = seq
	s.lastSeq = seq
	s.lastSeen = ts
	s.rebirthPending = false
	s.hasBdSeq = false
	s.devices = make(map[string]*Device)
	s.aliases = make(map[string]map[uint64]aliasEntry)
	s.metrics = make(map[string]payload.Metric, len(metrics))

	for _, m := range metrics {
		if m.Name == BdSeqMetric {
			if v, ok := bdSeqValue(m); ok {
				s.bdSeq, s.hasBdSeq = v, true
			}
		}
	}
	s.storeBirthMetrics("", s.metrics, metrics)

	t.Metrics = metrics
	return s.finish(t)
}

// ApplyData handles NDATA (deviceID == "") and DDATA.
//
// With a Continue verdict on a BIRTHED node the metrics are stored. A Gap
// moves the node to STALE and requests one rebirth. Data reaching a node that
// is not BIRTHED cannot be trusted either and requests a rebirth unless one is
// already outstanding.
func (s *Session) ApplyData(deviceID string, verdict sequence.Verdict, seq uint8, metrics []payload.Metric, ts time.Time) Transition {
	t := s.begin(EventData, deviceID)

	if verdict == sequence.Gap {
		return s.gap(t, "sequence gap", ts)
	}
	if s.Phase() != Birthed {
		t.RebirthRequired = s.requestRebirth()
		return s.ignore(t, fmt.Sprintf("data while %s", s.Phase()))
	}

	target := s.metrics
	if deviceID != "" {
		d, ok := s.devices[deviceID]
		if !ok {
			// Tracked implicitly; without a DBIRTH there is no alias table.
			d = &Device{ID: deviceID, Phase: Birthed, Metrics: make(map[string]payload.Metric)}
			s.devices[deviceID] = d
			t.Reason = fmt.Sprintf("device %q sent data without DBIRTH", deviceID)
		}
		d.LastSeen = ts
		target = d.Metrics
	}

	if err := s.fire(EventData); err != nil {
		return s.ignore(t, err.Error())
	}

	s.lastSeq = seq
	s.lastSeen = ts
	t.Metrics, t.Rejected = s.resolve(deviceID, target, metrics)
	for _, m := range t.Metrics {
		target[m.Key()] = m
	}
	return s.finish(t)
}

// ApplyDeviceBirth handles DBIRTH. A DBIRTH for a device that is already
// BIRTHED re-initialises it. A DBIRTH on a node that is not BIRTHED is a
// protocol violation and requests a rebirth.
func (s *Session) ApplyDeviceBirth(deviceID string, verdict sequence.Verdict, seq uint8, metrics []payload.Metric, ts time.Time) Transition {
	t := s.begin(EventData, deviceID)

	if verdict == sequence.Gap {
		return s.gap(t, "sequence gap on DBIRTH", ts)
	}
	if s.Phase() != Birthed {
		t.RebirthRequired = s.requestRebirth()
		return s.ignore(t, fmt.Sprintf("DBIRTH while node %s", s.Phase()))
	}
	if err := s.fire(EventData); err != nil {
		return s.ignore(t, err.Error())
	}

	d := &Device{
		ID:       deviceID,
		Phase:    Birthed,
		LastSeen: ts,
		Metrics:  make(map[string]payload.Metric, len(metrics)),
	}
	s.devices[deviceID] = d
	delete(s.aliases, deviceID)
	s.storeBirthMetrics(deviceID, d.Metrics, metrics)

	s.lastSeq = seq
	s.lastSeen = ts
	t.Metrics = metrics
	return s.finish(t)
}

// ApplyDeviceDeath handles DDEATH by removing the device.
func (s *Session) ApplyDeviceDeath(deviceID string, verdict sequence.Verdict, seq uint8, ts time.Time) Transition {
	t := s.begin(EventData, deviceID)

	if verdict == sequence.Gap {
		return s.gap(t, "sequence gap on DDEATH", ts)
	}
	if s.Phase() != Birthed {
		t.RebirthRequired = s.requestRebirth()
		return s.ignore(t, fmt.Sprintf("DDEATH while node %s", s.Phase()))
	}
	if _, ok := s.devices[deviceID]; !ok {
		return s.ignore(t, fmt.Sprintf("DDEATH for unknown device %q", deviceID))
	}
	if err := s.fire(EventData); err != nil {
		return s.ignore(t, err.Error())
	}

	delete(s.devices, deviceID)
	delete(s.aliases, deviceID)
	s.lastSeq = seq
	s.lastSeen = ts
	return s.finish(t)
}

// ApplyNodeDeath handles NDEATH. A death whose bdSeq does not match the
// current birth belongs to an earlier MQTT session (a late will) and is
// ignored. Otherwise the node and all devices become STALE together and a
// rebirth is requested.
func (s *Session) ApplyNodeDeath(metrics []payload.Metric, ts time.Time) Transition {
	t := s.begin(EventDeath, "")

	if s.Phase() != Birthed {
		return s.ignore(t, fmt.Sprintf("NDEATH while %s", s.Phase()))
	}
	if m, ok := findMetric(metrics, BdSeqMetric); ok && s.hasBdSeq {
		if v, ok := bdSeqValue(m); ok && v != s.bdSeq {
			return s.ignore(t, fmt.Sprintf("NDEATH bdSeq %d does not match birth bdSeq %d", v, s.bdSeq))
		}
	}

	if err := s.fire(EventDeath); err != nil {
		return s.ignore(t, err.Error())
	}
	s.lastSeen = ts
	t.DevicesStaled = s.staleAll(ts)
	t.RebirthRequired = s.requestRebirth()
	return s.finish(t)
}

// ApplyDisconnect handles loss of the transport: a BIRTHED node can no longer
// be trusted to be current. The rebirth it requires can only be sent once the
// transport is back.
func (s *Session) ApplyDisconnect(ts time.Time) Transition {
	t := s.begin(EventDisconnect, "")

	if s.Phase() != Birthed {
		return s.ignore(t, fmt.Sprintf("disconnect while %s", s.Phase()))
	}
	if err := s.fire(EventDisconnect); err != nil {
		return s.ignore(t, err.Error())
	}
	t.DevicesStaled = s.staleAll(ts)
	t.RebirthRequired = s.requestRebirth()
	return s.finish(t)
}

// ApplyGap marks an integrity violation detected outside a data message, for
// example an NBIRTH carrying an invalid sequence number.
func (s *Session) ApplyGap(reason string, ts time.Time) Transition {
	return s.gap(s.begin(EventGap, ""), reason, ts)
}

func (s *Session) gap(t Transition, reason string, ts time.Time) Transition {
	t.Event = EventGap
	t.Reason = reason
	t.RebirthRequired = s.requestRebirth()

	if s.Phase() != Birthed {
		t.To = t.From
		t.DeviceTo = t.DeviceFrom
		s.publish()
		return t
	}
	if err := s.fire(EventGap); err != nil {
		return s.ignore(t, err.Error())
	}
	t.DevicesStaled = s.staleAll(ts)
	return s.finish(t)
}

// Unregister resets the session to OFFLINE and forgets all devices.
func (s *Session) Unregister() Transition {
	t := s.begin(EventUnregister, "")
	if err := s.fire(EventUnregister); err != nil {
		return s.ignore(t, err.Error())
	}

	s.devices = make(map[string]*Device)
	s.aliases = make(map[string]map[uint64]aliasEntry)
	s.metrics = make(map[string]payload.Metric)
	s.rebirthPending = false
	s.hasBdSeq = false
	return s.finish(t)
}

// RebirthPending reports whether a rebirth was requested and no birth has arrived yet.
func (s *Session) RebirthPending() bool { return s.rebirthPending }

// Device returns a copy of the device state.
func (s *Session) Device(deviceID string) (Device, bool) {
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return Device{ID: d.ID, Phase: d.Phase, LastSeen: d.LastSeen, Metrics: copyMetrics(d.Metrics)}, true
}

func (s *Session) storeBirthMetrics(scope string, target map[string]payload.Metric, metrics []payload.Metric) {
	table := make(map[uint64]aliasEntry)
	for _, m := range metrics {
		if m.Name == "" {
			continue
		}
		target[m.Name] = m
		if m.HasAlias {
			table[m.Alias] = aliasEntry{name: m.Name, dataType: m.DataType}
		}
	}
	s.aliases[scope] = table
}

// resolve fills in names for alias-only metrics and applies the birth datatype
// to metrics sent without one.
func (s *Session) resolve(scope string, known map[string]payload.Metric, metrics []payload.Metric) ([]payload.Metric, []string) {
	table := s.aliases[scope]
	out := make([]payload.Metric, 0, len(metrics))
	var rejected []string

	for _, m := range metrics {
		dt := m.DataType
		if m.Name == "" && m.HasAlias {
			if e, ok := table[m.Alias]; ok {
				m.Name = e.name
				dt = e.dataType
			}
		} else if birth, ok := known[m.Name]; ok && dt == payload.Unknown {
			dt = birth.DataType
		}

		if dt != payload.Unknown && m.DataType == payload.Unknown {
			typed, err := m.Coerce(dt)
			if err != nil {
				rejected = append(rejected, m.Key())
				continue
			}
			m = typed
		}
		out = append(out, m)
	}
	return out, rejected
}

func findMetric(metrics []payload.Metric, name string) (payload.Metric, bool) {
	for _, m := range metrics {
		if m.Name == name {
			return m, true
		}
	}
	return payload.Metric{}, false
}

func bdSeqValue(m payload.Metric) (uint64, bool) {
	switch v := m.Value.(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	case uint32:
		return uint64(v), true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func copyMetrics(in map[string]payload.Metric) map[string]payload.Metric {
	out := make(map[string]payload.Metric, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
