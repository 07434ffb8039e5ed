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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
)

func outputConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("3.0.0").
		Summary("Sparkplug B MQTT output acting as Edge Node").
		Description(`The Sparkplug B output acts as an Edge Node. On connect it registers an NDEATH last
will, publishes NBIRTH (seq 0, bdSeq, Node Control/Rebirth) and the DBIRTH of the configured
device. Each message then becomes a DDATA, or an NDATA when no device_id is configured.

When the tag_name metadata key is set, the message carries that single metric, read from the
field named by its value_from (or "value" for an undeclared metric). Otherwise every configured
metric whose value_from field is present in the JSON body is published.
A metric seen for the first time is announced with a new birth before it is published.
Rebirth commands (NCMD Node Control/Rebirth) are answered automatically.`).
		Field(mqttField("benthos-sparkplug-output")).
		Field(service.NewObjectField("identity",
			service.NewStringField("group_id").
				Description("Sparkplug Group ID (e.g., 'FactoryA')").
				Example("FactoryA"),
			service.NewStringField("edge_node_id").
				Description("Edge Node ID within the group (e.g., 'Line3')").
				Example("Line3"),
			service.NewStringField("device_id").
				Description("Device ID under the edge node (optional, if not specified acts as node-level)").
				Default("")).
			Description("Sparkplug identity configuration")).
		Field(service.NewObjectListField("metrics",
			service.NewStringField("name").
				Description("Metric name as it will appear in BIRTH messages"),
			service.NewStringField("type").
				Description("Data type: int8, int16, int32, int64, uint8, uint16, uint32, uint64, float, double, boolean, string").
				Default("double"),
			service.NewStringField("value_from").
				Description("Field name in the message to extract value from").
				Default("value")).
			Description("Metric definitions for BIRTH messages").
			Default([]any{})).
		Field(service.NewBoolField("use_aliases").
			Description("Assign an alias to every metric in the births and publish data by alias only").
			Default(false).
			Advanced())
}

func init() {
	err := service.RegisterOutput(
		"sparkplug_b",
		outputConfigSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			output, err := newSparkplugOutput(conf, mgr)
			if err != nil {
				return nil, 0, err
			}
			return output, 1, nil // sequence numbers require in-order publishing
		})
	if err != nil {
		panic(err)
	}
}

type sparkplugOutput struct {
	config    OutputConfig
	logger    *service.Logger
	mgr       *service.Resources
	newClient clientFactory
	converter *TypeConverter

	edge *engine.Edge
	mu   sync.Mutex

	messagesPublished *service.MetricCounter
	publishErrors     *service.MetricCounter
}

func parseOutputConfig(conf *service.ParsedConfig) (OutputConfig, error) {
	var config OutputConfig

	var err error
	if config.MQTT, err = parseMQTT(conf); err != nil {
		return config, err
	}

	identityConf := conf.Namespace("identity")
	if config.Identity.GroupID, err = identityConf.FieldString("group_id"); err != nil {
		return config, err
	}
	if config.Identity.EdgeNodeID, err = identityConf.FieldString("edge_node_id"); err != nil {
		return config, err
	}
	config.Identity.DeviceID, _ = identityConf.FieldString("device_id")

	metricConfs, err := conf.FieldObjectList("metrics")
	if err != nil {
		return config, err
	}
	for _, mc := range metricConfs {
		var m MetricConfig
		if m.Name, err = mc.FieldString("name"); err != nil {
			return config, err
		}
		if m.Type, err = mc.FieldString("type"); err != nil {
			return config, err
		}
		m.Type = strings.ToLower(m.Type)
		if m.ValueFrom, err = mc.FieldString("value_from"); err != nil {
			return config, err
		}
		config.Metrics = append(config.Metrics, m)
	}

	if config.UseAliases, err = conf.FieldBool("use_aliases"); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	edgeCfg := config.Edge()
	edgeCfg.ApplyDefaults()
	if err := edgeCfg.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func newSparkplugOutput(conf *service.ParsedConfig, mgr *service.Resources) (*sparkplugOutput, error) {
	config, err := parseOutputConfig(conf)
	if err != nil {
		return nil, err
	}
	return &sparkplugOutput{
		config:            config,
		logger:            mgr.Logger(),
		mgr:               mgr,
		newClient:         newPahoClient,
		converter:         NewTypeConverter(),
		messagesPublished: mgr.Metrics().NewCounter("messages_published"),
		publishErrors:     mgr.Metrics().NewCounter("publish_errors"),
	}, nil
}

func (s *sparkplugOutput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edge != nil {
		return nil
	}

	client, err := s.newClient(s.config.MQTT.Transport(), s.mgr)
	if err != nil {
		return fmt.Errorf("failed to create MQTT client: %w", err)
	}
	edge, err := engine.NewEdge(s.config.Edge(), client, s.mgr)
	if err != nil {
		return err
	}

	if err := s.start(ctx, edge); err != nil {
		if cerr := edge.Close(ctx); cerr != nil {
			s.logger.Warnf("Failed to close Sparkplug edge node after a failed connect: %v", cerr)
		}
		return err
	}
	s.edge = edge
	s.logger.Infof("Sparkplug output connected as %s", edge.Identity())
	return nil
}

// start declares the configured metrics, born with a null value until the
// first message, and starts edge.
func (s *sparkplugOutput) start(ctx context.Context, edge *engine.Edge) error {
	deviceID := s.config.Identity.DeviceID
	for _, mc := range s.config.Metrics {
		dt, _ := payload.ParseDataType(mc.Type)
		if err := edge.SetMetrics(ctx, deviceID, payload.Metric{Name: mc.Name, DataType: dt, IsNull: true}); err != nil {
			return err
		}
	}
	return edge.Start(ctx)
}

func (s *sparkplugOutput) current() *engine.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edge
}

func (s *sparkplugOutput) Write(ctx context.Context, msg *service.Message) error {
	edge := s.current()
	if edge == nil {
		return service.ErrNotConnected
	}

	metrics, err := s.extractMetrics(msg)
	if err != nil {
		s.publishErrors.Incr(1)
		return err
	}
	if len(metrics) == 0 {
		s.logger.Debug("No metrics to publish in message")
		return nil
	}

	if _, err := edge.Publish(ctx, s.config.Identity.DeviceID, metrics...); err != nil {
		s.logger.Errorf("Failed to publish DATA message: %v", err)
		s.publishErrors.Incr(1)
		return err
	}
	s.messagesPublished.Incr(1)
	return nil
}

// extractMetrics reads the metric named by the tag_name metadata key or,
// without it, every configured metric found in the message body.
func (s *sparkplugOutput) extractMetrics(msg *service.Message) ([]payload.Metric, error) {
	structured, err := msg.AsStructured()
	if err != nil {
		return nil, fmt.Errorf("failed to get structured message data: %w", err)
	}
	fields, _ := structured.(map[string]any)

	if tagName, ok := msg.MetaGet("tag_name"); ok && tagName != "" {
		typeName, valueFrom := "", "value"
		for _, mc := range s.config.Metrics {
			if mc.Name == tagName {
				typeName, valueFrom = mc.Type, mc.ValueFrom
				break
			}
		}
		value, exists := fields[valueFrom]
		if !exists {
			s.logger.Debugf("tag_name %s found but message has no %q field", tagName, valueFrom)
			return nil, nil
		}
		m, err := s.converter.Metric(tagName, typeName, value)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", tagName, err)
		}
		return []payload.Metric{m}, nil
	}

	var metrics []payload.Metric
	for _, mc := range s.config.Metrics {
		value, exists := fields[mc.ValueFrom]
		if !exists {
			continue
		}
		m, err := s.converter.Metric(mc.Name, mc.Type, value)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", mc.Name, err)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func (s *sparkplugOutput) Close(ctx context.Context) error {
	s.mu.Lock()
	edge := s.edge
	s.edge = nil
	s.mu.Unlock()
	if edge == nil {
		return nil
	}

	if err := edge.Close(ctx); err != nil {
		return err
	}
	s.logger.Info("Sparkplug output closed")
	return nil
}
