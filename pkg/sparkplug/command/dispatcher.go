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

// Package command routes inbound NCMD/DCMD metrics to handlers and publishes
// outbound Sparkplug messages with the sender's sequence numbers.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/sequence"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

var (
	// ErrUnknownCommand is returned when no handler is registered for a command metric.
	ErrUnknownCommand = errors.New("unknown sparkplug command")
	// ErrHandlerExists is returned when a metric already has a handler for the identity.
	ErrHandlerExists = errors.New("command handler already registered")
)

// RebirthMetricName is the NCMD metric that asks an edge node to rebirth.
const RebirthMetricName = "Node Control/Rebirth"

// Command is a metric interpreted as an actuation request.
type Command struct {
	Target session.DeviceIdentity
	Metric payload.Metric
}

// Handler executes a command. It runs synchronously on the dispatching goroutine.
type Handler func(ctx context.Context, cmd Command) error

// Publisher is the subset of the transport the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Dispatcher holds the handler registry and the outbound sequence counters.
type Dispatcher struct {
	publisher Publisher
	qos       byte
	logger    *service.Logger

	handlers map[string]map[string]Handler // identity key -> metric name -> handler
	counters map[string]*sequence.Counter  // node key -> outbound counter
	mu       sync.RWMutex

	commandsDispatched *service.MetricCounter
	unknownCommands    *service.MetricCounter
	handlerErrors      *service.MetricCounter
	messagesPublished  *service.MetricCounter
	publishFailures    *service.MetricCounter

	now func() time.Time
}

// NewDispatcher creates a dispatcher publishing through publisher at qos.
func NewDispatcher(publisher Publisher, qos byte, mgr *service.Resources) *Dispatcher {
	return &Dispatcher{
		publisher:          publisher,
		qos:                qos,
		logger:             mgr.Logger(),
		handlers:           make(map[string]map[string]Handler),
		counters:           make(map[string]*sequence.Counter),
		commandsDispatched: mgr.Metrics().NewCounter("commands_dispatched"),
		unknownCommands:    mgr.Metrics().NewCounter("unknown_commands"),
		handlerErrors:      mgr.Metrics().NewCounter("command_handler_errors"),
		messagesPublished:  mgr.Metrics().NewCounter("sparkplug_messages_published"),
		publishFailures:    mgr.Metrics().NewCounter("sparkplug_publish_failures"),
		now:                time.Now,
	}
}

// RegisterHandler installs h for metricName on target. Only one handler per
// (identity, metric) is allowed.
func (d *Dispatcher) RegisterHandler(target session.DeviceIdentity, metricName string, h Handler) error {
	if metricName == "" {
		return errors.New("metric name cannot be empty")
	}
	if h == nil {
		return errors.New("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	byMetric, ok := d.handlers[target.Key()]
	if !ok {
		byMetric = make(map[string]Handler)
		d.handlers[target.Key()] = byMetric
	}
	if _, exists := byMetric[metricName]; exists {
		return fmt.Errorf("%w: %s on %s", ErrHandlerExists, metricName, target)
	}
	byMetric[metricName] = h
	return nil
}

// UnregisterHandlers removes every handler of target.
func (d *Dispatcher) UnregisterHandlers(target session.DeviceIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, target.Key())
}

// HasHandlers reports whether any handler is registered for target.
func (d *Dispatcher) HasHandlers(target session.DeviceIdentity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[target.Key()]) > 0
}

// DispatchInbound invokes the handler registered for cmd. A missing handler
// is reported as ErrUnknownCommand and logged; it is not fatal.
func (d *Dispatcher) DispatchInbound(ctx context.Context, cmd Command) error {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Target.Key()][cmd.Metric.Key()]
	d.mu.RUnlock()

	if !ok {
		d.unknownCommands.Incr(1)
		d.logger.Warnf("No handler for command %s on %s", cmd.Metric.Key(), cmd.Target)
		return fmt.Errorf("%w: %s on %s", ErrUnknownCommand, cmd.Metric.Key(), cmd.Target)
	}

	d.commandsDispatched.Incr(1)
	d.logger.Debugf("Dispatching command %s on %s", cmd.Metric.Key(), cmd.Target)
	if err := h(ctx, cmd); err != nil {
		d.handlerErrors.Incr(1)
		return fmt.Errorf("command %s on %s: %w", cmd.Metric.Key(), cmd.Target, err)
	}
	return nil
}

// DispatchAll dispatches every metric of a command payload to target and
// joins the errors.
func (d *Dispatcher) DispatchAll(ctx context.Context, target session.DeviceIdentity, metrics []payload.Metric) error {
	var errs []error
	for _, m := range metrics {
		if err := d.DispatchInbound(ctx, Command{Target: target, Metric: m}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counter returns the outbound sequence counter of a node, shared by every
// message the node publishes.
func (d *Dispatcher) Counter(node session.EdgeNodeIdentity) *sequence.Counter {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.counters[node.Key()]
	if !ok {
		c = sequence.NewCounter()
		d.counters[node.Key()] = c
	}
	return c
}

// PublishOutbound publishes metrics as DDATA (device target) or NDATA (node
// target) tagged with the node's next outbound sequence number.
func (d *Dispatcher) PublishOutbound(ctx context.Context, target session.DeviceIdentity, metrics ...payload.Metric) (payload.Payload, error) {
	mt := topic.NodeData
	if target.DeviceID != "" {
		mt = topic.DeviceData
	}
	return d.Publish(ctx, mt, target, metrics...)
}

// PublishCommand publishes metrics as NCMD or DCMD to target. Commands carry
// the sender's sequence number; receivers do not validate it.
func (d *Dispatcher) PublishCommand(ctx context.Context, target session.DeviceIdentity, metrics ...payload.Metric) (payload.Payload, error) {
	mt := topic.NodeCommand
	if target.DeviceID != "" {
		mt = topic.DeviceCommand
	}
	return d.Publish(ctx, mt, target, metrics...)
}

// RequestRebirth sends the Node Control/Rebirth NCMD to node.
func (d *Dispatcher) RequestRebirth(ctx context.Context, node session.EdgeNodeIdentity) error {
	_, err := d.PublishCommand(ctx, session.DeviceIdentity{Node: node}, RebirthMetric(true))
	return err
}

// Publish encodes metrics for mt and hands them to the transport. Birth,
// data, death and command messages all draw from the node's counter; NDEATH
// is the exception and carries no sequence number.
func (d *Dispatcher) Publish(ctx context.Context, mt topic.MessageType, target session.DeviceIdentity, metrics ...payload.Metric) (payload.Payload, error) {
	t, err := topic.Build(target.Node.GroupID, target.Node.EdgeNodeID, mt, target.DeviceID)
	if err != nil {
		return payload.Payload{}, err
	}
	for _, m := range metrics {
		if err := m.Validate(); err != nil {
			return payload.Payload{}, err
		}
	}

	p := payload.Payload{
		Timestamp: uint64(d.now().UnixMilli()),
		Metrics:   metrics,
	}
	if mt != topic.NodeDeath {
		p = p.WithSeq(d.Counter(target.Node).Next())
	}

	b, err := payload.Encode(p)
	if err != nil {
		return payload.Payload{}, err
	}
	if err := d.publisher.Publish(ctx, t, b, d.qos, false); err != nil {
		d.publishFailures.Incr(1)
		return p, err
	}

	d.messagesPublished.Incr(1)
	d.logger.Tracef("Published %s to %s (seq %d, %d metrics)", mt, t, p.Seq, len(metrics))
	return p, nil
}

// RebirthMetric returns the Node Control/Rebirth boolean metric.
func RebirthMetric(v bool) payload.Metric {
	return payload.BoolMetric(RebirthMetricName, v)
}

// RebirthCommand returns the topic and payload of a rebirth request to node,
// without sending it.
func RebirthCommand(node session.EdgeNodeIdentity) (string, payload.Payload, error) {
	t, err := topic.Build(node.GroupID, node.EdgeNodeID, topic.NodeCommand, "")
	if err != nil {
		return "", payload.Payload{}, err
	}
	return t, payload.Payload{
		Timestamp: uint64(time.Now().UnixMilli()),
		Metrics:   []payload.Metric{RebirthMetric(true)},
	}, nil
}

// IsRebirthRequest reports whether metrics carry Node Control/Rebirth = true.
func IsRebirthRequest(metrics []payload.Metric) bool {
	for _, m := range metrics {
		if m.Name == RebirthMetricName {
			if v, ok := m.Value.(bool); ok && v {
				return true
			}
		}
	}
	return false
}
