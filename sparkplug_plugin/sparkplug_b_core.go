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

package sparkplug_plugin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
)

// Values of the event_type metadata key on status messages.
const (
	eventTypeNodeOffline   = "node_offline"
	eventTypeDeviceOffline = "device_offline"
	eventTypeNodeStale     = "node_stale"
	eventTypeStateChange   = "state_change"
)

// MessageProcessor turns host events into benthos messages: one message per
// metric for births, data and commands, one JSON status message otherwise.
type MessageProcessor struct {
	logger *service.Logger
}

func NewMessageProcessor(logger *service.Logger) *MessageProcessor {
	return &MessageProcessor{logger: logger}
}

// EventBatch converts e. An event without metrics yields an empty batch.
func (mp *MessageProcessor) EventBatch(e engine.Event) service.MessageBatch {
	switch e.Kind {
	case engine.EventMetric, engine.EventBirth, engine.EventCommand:
		return mp.CreateSplitMessages(e)
	case engine.EventDeath:
		name, eventType := "NodeOffline", eventTypeNodeOffline
		if e.DeviceID != "" {
			name, eventType = "DeviceOffline", eventTypeDeviceOffline
		}
		return mp.statusMessage(e, name, eventType, nil)
	case engine.EventStale:
		return mp.statusMessage(e, "NodeStale", eventTypeNodeStale, nil)
	case engine.EventState:
		state := engine.StateOffline
		if e.Online {
			state = engine.StateOnline
		}
		batch := mp.statusMessage(e, "StateChange", eventTypeStateChange, map[string]any{
			"host_id": e.Identity.EdgeNodeID,
			"state":   state,
		})
		for _, msg := range batch {
			msg.MetaSet("spb_state", state)
		}
		return batch
	}
	return nil
}

// CreateSplitMessages emits one message per metric with the metric as JSON
// body {"name","alias","value","datatype"}.
func (mp *MessageProcessor) CreateSplitMessages(e engine.Event) service.MessageBatch {
	batch := make(service.MessageBatch, 0, len(e.Metrics))
	for _, m := range e.Metrics {
		body, err := json.Marshal(m)
		if err != nil {
			mp.logger.Errorf("Failed to marshal metric %s on %s: %v", m.Key(), e.Topic, err)
			continue
		}

		msg := service.NewMessage(body)
		mp.setCommonMetadata(msg, e)
		msg.MetaSet("spb_metric_name", m.Key())
		msg.MetaSet("spb_datatype", m.DataType.String())
		if m.HasAlias {
			msg.MetaSet("spb_alias", strconv.FormatUint(m.Alias, 10))
		}
		if m.IsHistorical {
			msg.MetaSet("spb_is_historical", "true")
		}
		batch = append(batch, msg)
	}
	return batch
}

func (mp *MessageProcessor) statusMessage(e engine.Event, name, eventType string, extra map[string]any) service.MessageBatch {
	event := map[string]any{
		"event":        name,
		"group_id":     e.Identity.GroupID,
		"edge_node_id": e.Identity.EdgeNodeID,
		"timestamp_ms": e.ReceivedAt.UnixMilli(),
	}
	if e.Identity.GroupID != "" {
		event["device_key"] = e.Target().Key()
	}
	if e.DeviceID != "" {
		event["device_id"] = e.DeviceID
	}
	if len(e.Devices) > 0 {
		event["devices"] = e.Devices
	}
	if e.Reason != "" {
		event["reason"] = e.Reason
	}
	for k, v := range extra {
		event[k] = v
	}

	body, err := json.Marshal(event)
	if err != nil {
		mp.logger.Errorf("Failed to marshal %s event: %v", name, err)
		return nil
	}

	msg := service.NewMessage(body)
	mp.setCommonMetadata(msg, e)
	msg.MetaSet("event_type", eventType)
	return service.MessageBatch{msg}
}

func (mp *MessageProcessor) setCommonMetadata(msg *service.Message, e engine.Event) {
	if e.MessageType != "" {
		msg.MetaSet("spb_message_type", e.MessageType.String())
	}
	if e.Topic != "" {
		msg.MetaSet("spb_topic", e.Topic)
	}
	if e.Identity.GroupID != "" {
		msg.MetaSet("spb_group_id", e.Identity.GroupID)
		msg.MetaSet("spb_device_key", e.Target().Key())
	}
	msg.MetaSet("spb_edge_node_id", e.Identity.EdgeNodeID)
	if e.DeviceID != "" {
		msg.MetaSet("spb_device_id", e.DeviceID)
	}
	if e.HasSeq {
		msg.MetaSet("spb_sequence", strconv.FormatUint(e.Seq, 10))
	}
	if e.Timestamp != 0 {
		msg.MetaSet("spb_timestamp", strconv.FormatUint(e.Timestamp, 10))
	}
	if e.HasBdSeq {
		msg.MetaSet("spb_bdseq", strconv.FormatUint(e.BdSeq, 10))
	}
	if e.Phase != "" {
		msg.MetaSet("spb_phase", strings.ToLower(string(e.Phase)))
	}
}

// TypeConverter maps benthos message values onto Sparkplug metrics.
type TypeConverter struct{}

func NewTypeConverter() *TypeConverter { return &TypeConverter{} }

// Metric builds a metric named name from value. typeName selects the
// datatype; an empty typeName infers it from the value.
func (tc *TypeConverter) Metric(name, typeName string, value any) (payload.Metric, error) {
	dt := payload.InferDataType(value)
	if typeName != "" {
		var ok bool
		if dt, ok = payload.ParseDataType(strings.ToLower(typeName)); !ok {
			return payload.Metric{}, fmt.Errorf("%w: unknown type %q for metric %s", payload.ErrTypeMismatch, typeName, name)
		}
	}
	if value == nil {
		return payload.Metric{Name: name, DataType: dt, IsNull: true}, nil
	}
	typed, err := payload.Convert(value, dt)
	if err != nil {
		return payload.Metric{}, err
	}
	return payload.NewMetric(name, dt, typed)
}
