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
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

func processorConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("3.0.0").
		Summary("Decodes Sparkplug B protobuf payloads and resolves metric aliases using BIRTH packets").
		Description(`The Sparkplug B decoder turns MQTT messages carrying Sparkplug B payloads into one
message per metric, in the same format as the sparkplug_b input but without session tracking or
sequence validation.

The processor expects the MQTT topic in the mqtt_topic metadata key (added by the mqtt input).
Aliases announced in NBIRTH/DBIRTH messages are cached per device and used to name and type the
alias-only metrics of later DATA and CMD messages.`).
		Field(service.NewBoolField("drop_birth_messages").
			Description("Whether to drop BIRTH messages after caching their aliases").
			Default(false)).
		Field(service.NewBoolField("strict_topic_validation").
			Description("Whether to drop messages without a valid Sparkplug topic instead of passing them through unchanged").
			Default(false)).
		Field(service.NewIntField("cache_size").
			Description("Maximum number of devices whose aliases are cached").
			Default(engine.DefaultRebirthCacheSize).
			Advanced())
}

func init() {
	err := service.RegisterProcessor(
		"sparkplug_b_decode",
		processorConfigSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			dropBirthMessages, err := conf.FieldBool("drop_birth_messages")
			if err != nil {
				return nil, err
			}
			strictTopicValidation, err := conf.FieldBool("strict_topic_validation")
			if err != nil {
				return nil, err
			}
			cacheSize, err := conf.FieldInt("cache_size")
			if err != nil {
				return nil, err
			}
			return newSparkplugProcessor(dropBirthMessages, strictTopicValidation, cacheSize, mgr)
		})
	if err != nil {
		panic(err)
	}
}

type sparkplugProcessor struct {
	dropBirthMessages     bool
	strictTopicValidation bool
	logger                *service.Logger
	converter             *MessageProcessor
	aliasCache            *lru.Cache // device key -> map[uint64]payload.Metric

	messagesProcessed *service.MetricCounter
	messagesDropped   *service.MetricCounter
	messagesErrored   *service.MetricCounter
	aliasResolutions  *service.MetricCounter
	topicParseErrors  *service.MetricCounter
}

func newSparkplugProcessor(dropBirthMessages, strictTopicValidation bool, cacheSize int, mgr *service.Resources) (*sparkplugProcessor, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	metrics := mgr.Metrics()
	return &sparkplugProcessor{
		dropBirthMessages:     dropBirthMessages,
		strictTopicValidation: strictTopicValidation,
		logger:                mgr.Logger(),
		converter:             NewMessageProcessor(mgr.Logger()),
		aliasCache:            cache,
		messagesProcessed:     metrics.NewCounter("messages_processed"),
		messagesDropped:       metrics.NewCounter("messages_dropped"),
		messagesErrored:       metrics.NewCounter("messages_errored"),
		aliasResolutions:      metrics.NewCounter("alias_resolutions"),
		topicParseErrors:      metrics.NewCounter("topic_parse_errors"),
	}, nil
}

func (s *sparkplugProcessor) passOrDrop(m *service.Message, reason string) (service.MessageBatch, error) {
	if s.strictTopicValidation {
		s.logger.Debugf("%s, dropping message", reason)
		s.messagesDropped.Incr(1)
		return nil, nil
	}
	s.logger.Debugf("%s, passing through unchanged", reason)
	s.messagesProcessed.Incr(1)
	return service.MessageBatch{m}, nil
}

func (s *sparkplugProcessor) Process(ctx context.Context, m *service.Message) (service.MessageBatch, error) {
	rawTopic, exists := m.MetaGet("mqtt_topic")
	if !exists {
		return s.passOrDrop(m, "Message missing mqtt_topic metadata")
	}
	t, err := topic.Parse(rawTopic)
	if err != nil {
		s.topicParseErrors.Incr(1)
		return s.passOrDrop(m, err.Error())
	}
	if t.MessageType == topic.State {
		return s.passOrDrop(m, "STATE message carries no Sparkplug payload")
	}

	body, err := m.AsBytes()
	if err != nil {
		s.messagesErrored.Incr(1)
		s.messagesDropped.Incr(1)
		return nil, nil
	}
	p, err := payload.Decode(body)
	if err != nil {
		// Malformed payloads are dropped so the pipeline keeps flowing.
		s.logger.Errorf("Failed to decode Sparkplug payload from topic %s: %v", rawTopic, err)
		s.messagesErrored.Incr(1)
		s.messagesDropped.Incr(1)
		return nil, nil
	}

	key := t.DeviceKey()
	metrics := p.Metrics
	switch {
	case t.MessageType.IsBirth():
		s.cacheAliases(key, metrics)
		if s.dropBirthMessages {
			s.messagesDropped.Incr(1)
			return nil, nil
		}
	case t.MessageType.IsData() || t.MessageType.IsCommand():
		metrics = s.resolveAliases(key, metrics)
	}

	e := engine.Event{
		Identity:    session.IdentityOf(t),
		DeviceID:    t.DeviceID,
		MessageType: t.MessageType,
		Topic:       rawTopic,
		Seq:         p.Seq,
		HasSeq:      p.HasSeq,
		Timestamp:   p.Timestamp,
		Metrics:     metrics,
		ReceivedAt:  time.Now(),
	}
	batch := s.converter.CreateSplitMessages(e)
	for _, msg := range batch {
		msg.MetaSet("mqtt_topic", rawTopic)
	}
	if t.MessageType.IsDeath() {
		batch = s.converter.EventBatch(engine.Event{
			Kind:        engine.EventDeath,
			Identity:    e.Identity,
			DeviceID:    e.DeviceID,
			MessageType: e.MessageType,
			Topic:       rawTopic,
			ReceivedAt:  e.ReceivedAt,
		})
	}

	s.messagesProcessed.Incr(1)
	return batch, nil
}

// cacheAliases stores the alias to metric mapping of a BIRTH.
func (s *sparkplugProcessor) cacheAliases(deviceKey string, metrics []payload.Metric) {
	aliases := make(map[uint64]payload.Metric)
	for _, m := range metrics {
		if m.HasAlias && m.Name != "" {
			aliases[m.Alias] = m
		}
	}
	s.aliasCache.Add(deviceKey, aliases)
	if len(aliases) > 0 {
		s.logger.Debugf("Cached %d aliases for device %s", len(aliases), deviceKey)
	}
}

// resolveAliases names and types alias-only metrics from the cached BIRTH.
func (s *sparkplugProcessor) resolveAliases(deviceKey string, metrics []payload.Metric) []payload.Metric {
	v, ok := s.aliasCache.Get(deviceKey)
	if !ok {
		return metrics
	}
	aliases := v.(map[uint64]payload.Metric)

	out := make([]payload.Metric, len(metrics))
	for i, m := range metrics {
		out[i] = m
		if m.Name != "" || !m.HasAlias {
			continue
		}
		birth, found := aliases[m.Alias]
		if !found {
			continue
		}
		resolved, err := m.Coerce(birth.DataType)
		if err != nil {
			s.logger.Warnf("Metric %s on %s: %v", birth.Name, deviceKey, err)
			continue
		}
		resolved.Name = birth.Name
		out[i] = resolved
		s.aliasResolutions.Incr(1)
	}
	return out
}

func (s *sparkplugProcessor) Close(ctx context.Context) error {
	s.aliasCache.Purge()
	s.logger.Debug("Sparkplug B processor closed and alias cache cleared")
	return nil
}
