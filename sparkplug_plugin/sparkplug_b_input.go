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
	"errors"
	"fmt"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
)

func inputConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("3.0.0").
		Summary("Sparkplug B host application input").
		Description(`The Sparkplug B input is a Sparkplug host application. It tracks the session of
every edge node it sees, validates sequence numbers and emits one message per metric.

SPARKPLUG B HOST MODES:
- secondary_passive (default): read-only consumer, never sends rebirth commands
- secondary_active: sends rebirth commands when a node's state cannot be trusted
- primary: additionally owns spBv1.0/STATE/<host_id> with an OFFLINE last will

Births, data and commands become one message per metric with a JSON body
{"name","alias","value","datatype"}. Deaths, stale nodes and STATE changes become JSON
status messages with an event_type metadata key.`).
		Field(mqttField("benthos-sparkplug-input")).
		Field(service.NewObjectField("identity",
			service.NewStringField("group_id").
				Description("Sparkplug Group ID of this host (informational)").
				Example("FactoryA").
				Default(""),
			service.NewStringField("edge_node_id").
				Description("For Primary Host: used as host_id for STATE topic (spBv1.0/STATE/<host_id>). For Secondary Host: optional.").
				Example("PrimaryHost").
				Default("")).
			Description("Sparkplug identity configuration").
			Optional()).
		Field(service.NewStringField("role").
			Description("Sparkplug Host mode: 'secondary_passive' (default), 'secondary_active', or 'primary'").
			Default(string(engine.RoleSecondaryPassive))).
		Field(service.NewObjectField("subscription",
			service.NewStringListField("groups").
				Description("Specific groups to subscribe to. Empty means all groups (+)").
				Example([]string{"benthos", "factory1", "test"}).
				Default([]string{})).
			Description("Subscription filtering configuration").
			Optional()).
		Field(service.NewIntField("workers").
			Description("Number of workers processing edge nodes in parallel. Messages of one node are always processed in order.").
			Default(engine.DefaultWorkers).
			Advanced()).
		Field(service.NewDurationField("rebirth_interval").
			Description("Minimum interval between two rebirth requests to the same edge node").
			Default(engine.DefaultRebirthInterval.String()).
			Advanced())
}

func init() {
	err := service.RegisterBatchInput(
		"sparkplug_b",
		inputConfigSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchInput, error) {
			return newSparkplugInput(conf, mgr)
		})
	if err != nil {
		panic(err)
	}
}

type sparkplugInput struct {
	config    InputConfig
	logger    *service.Logger
	mgr       *service.Resources
	newClient clientFactory
	processor *MessageProcessor

	host *engine.Host
	mu   sync.Mutex

	messagesEmitted *service.MetricCounter
}

func parseInputConfig(conf *service.ParsedConfig) (InputConfig, error) {
	var config InputConfig

	var err error
	if config.MQTT, err = parseMQTT(conf); err != nil {
		return config, err
	}

	if conf.Contains("identity") {
		identityConf := conf.Namespace("identity")
		config.Identity.GroupID, _ = identityConf.FieldString("group_id")
		config.Identity.EdgeNodeID, _ = identityConf.FieldString("edge_node_id")
	}

	roleStr, err := conf.FieldString("role")
	if err != nil {
		return config, fmt.Errorf("failed to parse role: %w", err)
	}
	if config.Role, err = engine.ParseRole(roleStr); err != nil {
		return config, err
	}

	if conf.Contains("subscription") {
		groups, err := conf.Namespace("subscription").FieldStringList("groups")
		if err == nil {
			config.Subscription.Groups = groups
		}
	}

	if config.Workers, err = conf.FieldInt("workers"); err != nil {
		return config, err
	}
	if config.RebirthInterval, err = conf.FieldDuration("rebirth_interval"); err != nil {
		return config, err
	}

	hostCfg := config.Host()
	hostCfg.ApplyDefaults()
	if err := hostCfg.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func newSparkplugInput(conf *service.ParsedConfig, mgr *service.Resources) (*sparkplugInput, error) {
	config, err := parseInputConfig(conf)
	if err != nil {
		return nil, err
	}
	return &sparkplugInput{
		config:          config,
		logger:          mgr.Logger(),
		mgr:             mgr,
		newClient:       newPahoClient,
		processor:       NewMessageProcessor(mgr.Logger()),
		messagesEmitted: mgr.Metrics().NewCounter("messages_emitted"),
	}, nil
}

func (s *sparkplugInput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != nil {
		return nil
	}

	s.logger.Infof("Connecting Sparkplug B input (role: %s)", s.config.Role)
	client, err := s.newClient(s.config.MQTT.Transport(), s.mgr)
	if err != nil {
		return fmt.Errorf("failed to create MQTT client: %w", err)
	}
	host, err := engine.NewHost(s.config.Host(), client, s.mgr)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		_ = host.Close(ctx)
		return err
	}
	s.host = host
	return nil
}

func (s *sparkplugInput) current() *engine.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *sparkplugInput) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	host := s.current()
	if host == nil {
		return nil, nil, service.ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case e, ok := <-host.Events():
			if !ok {
				return nil, nil, service.ErrEndOfInput
			}
			batch := s.processor.EventBatch(e)
			if len(batch) == 0 {
				continue
			}
			s.messagesEmitted.Incr(int64(len(batch)))
			return batch, func(ctx context.Context, err error) error { return nil }, nil
		}
	}
}

func (s *sparkplugInput) Close(ctx context.Context) error {
	s.mu.Lock()
	host := s.host
	s.host = nil
	s.mu.Unlock()
	if host == nil {
		return nil
	}

	err := host.Close(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("Sparkplug input closed")
	return nil
}
