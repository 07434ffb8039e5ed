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

package engine

import (
	"time"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

// EventKind classifies host events.
type EventKind string

const (
	EventMetric  EventKind = "metric"
	EventBirth   EventKind = "birth"
	EventDeath   EventKind = "death"
	EventStale   EventKind = "stale"
	EventState   EventKind = "state"
	EventCommand EventKind = "command"
)

// STATE payloads of a Sparkplug host application.
const (
	StateOnline  = "ONLINE"
	StateOffline = "OFFLINE"
)

// Event is what the host reports after processing one message or
// connection change.
type Event struct {
	Kind     EventKind
	Identity session.EdgeNodeIdentity
	DeviceID string

	MessageType topic.MessageType
	Topic       string
	Seq         uint64
	HasSeq      bool
	// Timestamp is the payload timestamp in milliseconds.
	Timestamp uint64
	BdSeq     uint64
	HasBdSeq  bool

	// Metrics carry resolved names and birth datatypes.
	Metrics []payload.Metric
	// Devices lists the devices forced to STALE together with the node.
	Devices []string
	Phase   session.Phase

	// Online is set for STATE events; Identity.EdgeNodeID then holds the host id.
	Online bool
	Reason string

	ReceivedAt time.Time
}

// Target returns the device identity the event refers to.
func (e Event) Target() session.DeviceIdentity {
	return session.DeviceIdentity{Node: e.Identity, DeviceID: e.DeviceID}
}
