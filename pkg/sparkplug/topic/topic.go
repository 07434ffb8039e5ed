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

// Package topic parses and constructs Sparkplug B MQTT topics.
//
// # Topic Structure
//
// Sparkplug B topics follow this format:
//
//	spBv1.0/<group_id>/<message_type>/<edge_node_id>[/<device_id>]
//
// Where:
//   - group_id: logical grouping of edge nodes (e.g. "FactoryA")
//   - message_type: one of NBIRTH, NDEATH, NDATA, NCMD, DBIRTH, DDEATH, DDATA, DCMD
//   - edge_node_id: the edge node within the group
//   - device_id: present for device-level message types only
//
// Host application STATE messages use a separate form:
//
//	spBv1.0/STATE/<host_id>           (Sparkplug 3.0)
//	spBv1.0/<group_id>/STATE/<host_id> (legacy)
//
// All functions in this package are pure.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Namespace is the fixed first token of every Sparkplug B topic.
const Namespace = "spBv1.0"

const separator = "/"

var (
	// ErrMalformedTopic is returned when a topic string is not a valid Sparkplug B topic.
	ErrMalformedTopic = errors.New("malformed sparkplug topic")
	// ErrInvalidIdentity is returned when an identifier cannot be placed in a topic.
	ErrInvalidIdentity = errors.New("invalid sparkplug identity")
)

// MessageType is the Sparkplug B verb carried in the third topic token.
type MessageType string

const (
	NodeBirth     MessageType = "NBIRTH"
	NodeDeath     MessageType = "NDEATH"
	NodeData      MessageType = "NDATA"
	NodeCommand   MessageType = "NCMD"
	DeviceBirth   MessageType = "DBIRTH"
	DeviceDeath   MessageType = "DDEATH"
	DeviceData    MessageType = "DDATA"
	DeviceCommand MessageType = "DCMD"
	State         MessageType = "STATE"
)

var messageTypes = map[MessageType]struct{}{
	NodeBirth: {}, NodeDeath: {}, NodeData: {}, NodeCommand: {},
	DeviceBirth: {}, DeviceDeath: {}, DeviceData: {}, DeviceCommand: {},
	State: {},
}

// Valid reports whether mt is one of the defined Sparkplug B message types.
func (mt MessageType) Valid() bool {
	_, ok := messageTypes[mt]
	return ok
}

func (mt MessageType) IsBirth() bool   { return mt == NodeBirth || mt == DeviceBirth }
func (mt MessageType) IsDeath() bool   { return mt == NodeDeath || mt == DeviceDeath }
func (mt MessageType) IsData() bool    { return mt == NodeData || mt == DeviceData }
func (mt MessageType) IsCommand() bool { return mt == NodeCommand || mt == DeviceCommand }

// IsNodeLevel reports whether mt addresses an edge node (N* types).
func (mt MessageType) IsNodeLevel() bool {
	return mt == NodeBirth || mt == NodeDeath || mt == NodeData || mt == NodeCommand
}

// IsDeviceLevel reports whether mt addresses a device (D* types).
func (mt MessageType) IsDeviceLevel() bool {
	return mt == DeviceBirth || mt == DeviceDeath || mt == DeviceData || mt == DeviceCommand
}

func (mt MessageType) String() string { return string(mt) }

// Topic is the parsed form of a Sparkplug B topic.
// For STATE topics EdgeNodeID holds the host id and GroupID may be empty.
type Topic struct {
	MessageType MessageType
	GroupID     string
	EdgeNodeID  string
	DeviceID    string
}

// NodeKey returns the node-level key (group/edgeNode). Sequence numbers are
// tracked at node scope, so every message type from a node shares this key.
func (t Topic) NodeKey() string {
	return NodeKey(t.GroupID, t.EdgeNodeID)
}

// DeviceKey returns group/edgeNode/device, or the node key for node-level topics.
func (t Topic) DeviceKey() string {
	return DeviceKey(t.GroupID, t.EdgeNodeID, t.DeviceID)
}

// String rebuilds the topic. It does not validate.
func (t Topic) String() string {
	if t.MessageType == State {
		if t.GroupID == "" {
			return Namespace + separator + string(State) + separator + t.EdgeNodeID
		}
		return Namespace + separator + t.GroupID + separator + string(State) + separator + t.EdgeNodeID
	}
	s := Namespace + separator + t.GroupID + separator + string(t.MessageType) + separator + t.EdgeNodeID
	if t.DeviceID != "" {
		s += separator + t.DeviceID
	}
	return s
}

// Parse splits a topic into its Sparkplug components. It never returns a
// partially filled Topic: on any error the zero value is returned.
func Parse(raw string) (Topic, error) {
	if raw == "" {
		return Topic{}, fmt.Errorf("%w: topic is empty", ErrMalformedTopic)
	}

	parts := strings.Split(raw, separator)
	if parts[0] != Namespace {
		return Topic{}, fmt.Errorf("%w: namespace must be %s, got %q", ErrMalformedTopic, Namespace, parts[0])
	}
	for i, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("%w: empty token at index %d in %q", ErrMalformedTopic, i, raw)
		}
	}

	// spBv1.0/STATE/<host_id>
	if len(parts) == 3 {
		if MessageType(parts[1]) != State {
			return Topic{}, fmt.Errorf("%w: expected STATE in 3-token topic %q", ErrMalformedTopic, raw)
		}
		return Topic{MessageType: State, EdgeNodeID: parts[2]}, nil
	}

	if len(parts) != 4 && len(parts) != 5 {
		return Topic{}, fmt.Errorf("%w: expected 4 or 5 tokens, got %d in %q", ErrMalformedTopic, len(parts), raw)
	}

	mt := MessageType(parts[2])
	if !mt.Valid() {
		return Topic{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedTopic, parts[2])
	}

	t := Topic{
		MessageType: mt,
		GroupID:     parts[1],
		EdgeNodeID:  parts[3],
	}
	if len(parts) == 5 {
		t.DeviceID = parts[4]
	}

	if err := checkLevel(mt, t.DeviceID); err != nil {
		return Topic{}, fmt.Errorf("%w: %v in %q", ErrMalformedTopic, err, raw)
	}

	return t, nil
}

func checkLevel(mt MessageType, deviceID string) error {
	switch {
	case mt == State && deviceID != "":
		return errors.New("STATE topic cannot carry a device id")
	case mt.IsNodeLevel() && deviceID != "":
		return fmt.Errorf("%s cannot carry a device id", mt)
	case mt.IsDeviceLevel() && deviceID == "":
		return fmt.Errorf("%s requires a device id", mt)
	}
	return nil
}

// Build constructs a topic. deviceID must be empty for node-level message
// types and set for device-level ones. For STATE, edgeNodeID is the host id
// and groupID may be empty (Sparkplug 3.0 form).
func Build(groupID, edgeNodeID string, mt MessageType, deviceID string) (string, error) {
	if !mt.Valid() {
		return "", fmt.Errorf("%w: unknown message type %q", ErrMalformedTopic, mt)
	}
	if err := checkLevel(mt, deviceID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTopic, err)
	}

	if mt != State || groupID != "" {
		if err := ValidateID("group_id", groupID); err != nil {
			return "", err
		}
	}
	if err := ValidateID("edge_node_id", edgeNodeID); err != nil {
		return "", err
	}
	if deviceID != "" {
		if err := ValidateID("device_id", deviceID); err != nil {
			return "", err
		}
	}

	return Topic{MessageType: mt, GroupID: groupID, EdgeNodeID: edgeNodeID, DeviceID: deviceID}.String(), nil
}

// MustBuild is Build for identities that were validated beforehand.
func MustBuild(groupID, edgeNodeID string, mt MessageType, deviceID string) string {
	t, err := Build(groupID, edgeNodeID, mt, deviceID)
	if err != nil {
		panic(err)
	}
	return t
}

// ValidateID checks that id is non-empty and free of MQTT separator and wildcard characters.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidIdentity, field)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: %s %q contains '/', '+' or '#'", ErrInvalidIdentity, field, id)
	}
	return nil
}

// NodeKey creates the node-level key used for session and sequence tracking.
func NodeKey(groupID, edgeNodeID string) string {
	if groupID == "" || edgeNodeID == "" {
		return ""
	}
	return groupID + separator + edgeNodeID
}

// DeviceKey creates a unified device key. Format: <group>/<edge>/<device>, device == "" for node-level.
func DeviceKey(groupID, edgeNodeID, deviceID string) string {
	if deviceID == "" {
		return NodeKey(groupID, edgeNodeID)
	}
	return groupID + separator + edgeNodeID + separator + deviceID
}

// SubscriptionFilter returns the wildcard filter covering every message of a
// group, or of all groups when groupID is empty.
func SubscriptionFilter(groupID string) string {
	if groupID == "" {
		return Namespace + "/+/#"
	}
	return Namespace + separator + groupID + "/#"
}

// StateTopic returns the Sparkplug 3.0 host application STATE topic.
func StateTopic(hostID string) string {
	return Namespace + separator + string(State) + separator + hostID
}
