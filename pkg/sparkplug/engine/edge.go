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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/command"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/sequence"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("sparkplug edge node not started")

// Source samples the current value of one metric.
type Source func(ctx context.Context) (any, error)

type source struct {
	deviceID string
	name     string
	dataType payload.DataType
	fn       Source
}

// metricSet is the ordered set of metrics announced in one birth, holding
// the last published value of each.
type metricSet struct {
	order  []string
	byName map[string]payload.Metric
}

func newMetricSet() *metricSet {
	return &metricSet{byName: make(map[string]payload.Metric)}
}

func (s *metricSet) get(name string) (payload.Metric, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// set stores m and reports whether the name is new.
func (s *metricSet) set(m payload.Metric) bool {
	_, known := s.byName[m.Name]
	if !known {
		s.order = append(s.order, m.Name)
	}
	s.byName[m.Name] = m
	return !known
}

func (s *metricSet) list() []payload.Metric {
	out := make([]payload.Metric, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

type edgeMetrics struct {
	birthsPublished *service.MetricCounter
	deathsPublished *service.MetricCounter
	rebirths        *service.MetricCounter
	commands        *service.MetricCounter
	sourceErrors    *service.MetricCounter
	stale           *service.MetricGauge
}

func newEdgeMetrics(m *service.Metrics) *edgeMetrics {
	return &edgeMetrics{
		birthsPublished: m.NewCounter("births_published"),
		deathsPublished: m.NewCounter("deaths_published"),
		rebirths:        m.NewCounter("rebirths_performed"),
		commands:        m.NewCounter("commands_received"),
		sourceErrors:    m.NewCounter("source_errors"),
		stale:           m.NewGauge("edge_session_stale"),
	}
}

// Edge is a Sparkplug edge node: it announces itself and its devices with
// births, publishes data, answers rebirth requests and runs command handlers.
// Every MQTT session gets its own bdSeq, also when the transport reconnects
// on its own.
type Edge struct {
	cfg        EdgeConfig
	node       session.EdgeNodeIdentity
	client     transport.Client
	logger     *service.Logger
	metrics    *edgeMetrics
	dispatcher *command.Dispatcher
	bdSeq      *sequence.BirthDeathCounter

	mu          sync.Mutex
	nodeMetrics *metricSet
	devices     map[string]*metricSet
	deviceOrder []string
	aliases     map[string]uint64 // device key + "/" + metric name -> alias
	names       map[string]map[uint64]string
	nextAlias   uint64
	sources     []source

	// publishMu orders births and data so no DATA can interleave with a birth sequence.
	publishMu sync.Mutex

	stale   atomic.Bool
	started bool
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

// NewEdge creates an edge node publishing through client.
func NewEdge(cfg EdgeConfig, client transport.Client, mgr *service.Resources) (*Edge, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid edge configuration: %w", err)
	}
	if client == nil {
		return nil, errors.New("transport client cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Edge{
		cfg:         cfg,
		node:        session.EdgeNodeIdentity{GroupID: cfg.GroupID, EdgeNodeID: cfg.EdgeNodeID},
		client:      client,
		logger:      mgr.Logger(),
		metrics:     newEdgeMetrics(mgr.Metrics()),
		dispatcher:  command.NewDispatcher(client, cfg.QoS, mgr),
		bdSeq:       sequence.NewBirthDeathCounter(),
		nodeMetrics: newMetricSet(),
		devices:     make(map[string]*metricSet),
		aliases:     make(map[string]uint64),
		names:       make(map[string]map[uint64]string),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		now:         time.Now,
	}
	for _, d := range cfg.Devices {
		e.devices[d] = newMetricSet()
		e.deviceOrder = append(e.deviceOrder, d)
	}

	nodeTarget := session.DeviceIdentity{Node: e.node}
	if err := e.dispatcher.RegisterHandler(nodeTarget, command.RebirthMetricName, e.handleRebirth); err != nil {
		return nil, err
	}
	return e, nil
}

// Identity returns the edge node identity.
func (e *Edge) Identity() session.EdgeNodeIdentity { return e.node }

// BdSeq returns the bdSeq of the current MQTT session.
func (e *Edge) BdSeq() uint64 { return e.bdSeq.Current() }

// Stale reports whether the edge session is waiting for a rebirth.
func (e *Edge) Stale() bool { return e.stale.Load() }

func (e *Edge) target(deviceID string) session.DeviceIdentity {
	return session.DeviceIdentity{Node: e.node, DeviceID: deviceID}
}

func aliasKey(deviceID, name string) string { return deviceID + "/" + name }

// declare adds metrics to the birth set of deviceID ("" for the node) and
// reports whether any name was new. Values of known metrics are converted to
// their birth datatype and the converted metrics returned. The caller holds e.mu.
func (e *Edge) declare(deviceID string, metrics []payload.Metric) (bool, []payload.Metric, error) {
	set := e.nodeMetrics
	if deviceID != "" {
		var ok bool
		if set, ok = e.devices[deviceID]; !ok {
			if err := topic.ValidateID("device_id", deviceID); err != nil {
				return false, nil, err
			}
			set = newMetricSet()
			e.devices[deviceID] = set
			e.deviceOrder = append(e.deviceOrder, deviceID)
		}
	}

	added := false
	out := make([]payload.Metric, 0, len(metrics))
	for _, m := range metrics {
		if m.Name == "" {
			return false, nil, fmt.Errorf("metric on %s has no name", e.target(deviceID))
		}
		if m.Name == command.RebirthMetricName || (deviceID == "" && m.Name == session.BdSeqMetric) {
			return false, nil, fmt.Errorf("metric name %q is reserved", m.Name)
		}
		if prev, ok := set.get(m.Name); ok && prev.DataType != m.DataType {
			v, err := payload.Convert(m.Value, prev.DataType)
			if err != nil {
				return false, nil, fmt.Errorf("metric %q on %s: %w", m.Name, e.target(deviceID), err)
			}
			m.DataType, m.Value, m.IsNull = prev.DataType, v, v == nil
		}
		if err := m.Validate(); err != nil {
			return false, nil, err
		}
		out = append(out, m)
		if e.cfg.UseAliases {
			key := aliasKey(deviceID, m.Name)
			alias, ok := e.aliases[key]
			if !ok {
				e.nextAlias++
				alias = e.nextAlias
				e.aliases[key] = alias
				if e.names[deviceID] == nil {
					e.names[deviceID] = make(map[uint64]string)
				}
				e.names[deviceID][alias] = m.Name
			}
			m = m.WithAlias(alias)
		}
		if set.set(m) {
			added = true
		}
	}
	return added, out, nil
}

// SetMetrics declares metrics with their initial values for the birth of
// deviceID, or of the node when deviceID is empty. Declaring a new device on
// a running edge node publishes its DBIRTH.
func (e *Edge) SetMetrics(ctx context.Context, deviceID string, metrics ...payload.Metric) error {
	e.mu.Lock()
	_, existed := e.devices[deviceID]
	added, _, err := e.declare(deviceID, metrics)
	started := e.started
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if !started || !added {
		return nil
	}
	if deviceID == "" {
		return e.Rebirth(ctx)
	}
	if !existed {
		e.logger.Infof("New device %s on %s", deviceID, e.node)
	}
	return e.publishDeviceBirth(ctx, deviceID)
}

// RegisterHandler installs a command handler for metricName on deviceID
// (NCMD when deviceID is empty, DCMD otherwise).
func (e *Edge) RegisterHandler(deviceID, metricName string, h command.Handler) error {
	return e.dispatcher.RegisterHandler(e.target(deviceID), metricName, h)
}

// RegisterSource samples fn every PublishInterval and publishes the value as
// metricName of deviceID. The metric is declared with a null value until the
// first sample.
func (e *Edge) RegisterSource(deviceID, metricName string, dt payload.DataType, fn Source) error {
	if fn == nil {
		return errors.New("source cannot be nil")
	}
	if !dt.Supported() {
		return fmt.Errorf("%w: unsupported datatype %s for %s", payload.ErrTypeMismatch, dt, metricName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("sources must be registered before Start")
	}
	if _, _, err := e.declare(deviceID, []payload.Metric{{Name: metricName, DataType: dt, IsNull: true}}); err != nil {
		return err
	}
	e.sources = append(e.sources, source{deviceID: deviceID, name: metricName, dataType: dt, fn: fn})
	return nil
}

func (e *Edge) deathPayload() ([]byte, error) {
	return payload.Encode(payload.Payload{
		Timestamp: uint64(e.now().UnixMilli()),
		Metrics:   []payload.Metric{payload.UInt64Metric(session.BdSeqMetric, e.bdSeq.Current())},
	})
}

func (e *Edge) will() (*transport.Will, error) {
	body, err := e.deathPayload()
	if err != nil {
		return nil, err
	}
	return &transport.Will{
		Topic:   topic.MustBuild(e.cfg.GroupID, e.cfg.EdgeNodeID, topic.NodeDeath, ""),
		Payload: body,
		QoS:     e.cfg.QoS,
	}, nil
}

// Start registers the NDEATH will, connects, subscribes to commands and
// publishes NBIRTH followed by every DBIRTH.
func (e *Edge) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("edge node already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.connect(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	e.wg.Add(1)
	go e.loop()
	if len(e.sources) > 0 {
		e.wg.Add(1)
		go e.sample()
	}
	return nil
}

func (e *Edge) connect(ctx context.Context) error {
	will, err := e.will()
	if err != nil {
		return err
	}
	if err := e.client.SetWill(will); err != nil {
		return err
	}

	e.logger.Infof("Connecting Sparkplug edge node %s (bdSeq %d)", e.node, e.bdSeq.Current())
	if err := e.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect edge node %s: %w", e.node, err)
	}

	if err := e.announce(ctx); err != nil {
		// A half started session must not keep the client id busy on the broker.
		if cerr := e.client.Close(ctx); cerr != nil {
			e.logger.Warnf("Failed to close transport of %s: %v", e.node, cerr)
		}
		return err
	}
	return nil
}

// announce subscribes to the command topics and publishes the births.
func (e *Edge) announce(ctx context.Context) error {
	ncmd := topic.MustBuild(e.cfg.GroupID, e.cfg.EdgeNodeID, topic.NodeCommand, "")
	dcmd := fmt.Sprintf("%s/%s/%s/%s/+", topic.Namespace, e.cfg.GroupID, topic.DeviceCommand, e.cfg.EdgeNodeID)
	for _, filter := range []string{ncmd, dcmd} {
		if err := e.client.Subscribe(ctx, filter, e.cfg.QoS); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
		e.logger.Debugf("Subscribed to command topic: %s", filter)
	}

	return e.birth(ctx)
}

// Rebirth republishes NBIRTH and every DBIRTH with the sequence reset to 0.
// bdSeq is unchanged: the MQTT session and its will stay the same.
func (e *Edge) Rebirth(ctx context.Context) error {
	e.metrics.rebirths.Incr(1)
	e.logger.Info("Processing node rebirth request - republishing BIRTH messages")
	return e.birth(ctx)
}

// Reconnect ends the current MQTT session with an NDEATH and starts a new one
// with the next bdSeq.
func (e *Edge) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	if err := e.publishDeath(ctx); err != nil {
		e.logger.Warnf("Failed to publish NDEATH before reconnect: %v", err)
	}
	if err := e.client.Close(ctx); err != nil {
		e.logger.Warnf("Failed to close transport before reconnect: %v", err)
	}
	e.bdSeq.Advance()
	return e.connect(ctx)
}

func (e *Edge) birth(ctx context.Context) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mu.Lock()
	nodeMetrics := e.nodeMetrics.list()
	devices := append([]string(nil), e.deviceOrder...)
	e.mu.Unlock()

	e.dispatcher.Counter(e.node).Reset()
	nbirth := make([]payload.Metric, 0, len(nodeMetrics)+2)
	nbirth = append(nbirth,
		payload.UInt64Metric(session.BdSeqMetric, e.bdSeq.Current()),
		command.RebirthMetric(false),
	)
	nbirth = append(nbirth, nodeMetrics...)

	if _, err := e.dispatcher.Publish(ctx, topic.NodeBirth, e.target(""), nbirth...); err != nil {
		e.markStale(err)
		return fmt.Errorf("failed to publish NBIRTH: %w", err)
	}
	e.metrics.birthsPublished.Incr(1)

	for _, d := range devices {
		if err := e.publishDeviceBirthLocked(ctx, d); err != nil {
			return err
		}
	}

	if e.stale.Swap(false) {
		e.metrics.stale.Set(0)
	}
	e.logger.Infof("Published NBIRTH for %s with %d devices (bdSeq %d)", e.node, len(devices), e.bdSeq.Current())
	return nil
}

func (e *Edge) publishDeviceBirth(ctx context.Context, deviceID string) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	return e.publishDeviceBirthLocked(ctx, deviceID)
}

func (e *Edge) publishDeviceBirthLocked(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	set, ok := e.devices[deviceID]
	var metrics []payload.Metric
	if ok {
		metrics = set.list()
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}

	if _, err := e.dispatcher.Publish(ctx, topic.DeviceBirth, e.target(deviceID), metrics...); err != nil {
		e.markStale(err)
		return fmt.Errorf("failed to publish DBIRTH for %s: %w", deviceID, err)
	}
	e.metrics.birthsPublished.Incr(1)
	return nil
}

func (e *Edge) publishDeath(ctx context.Context) error {
	if _, err := e.dispatcher.Publish(ctx, topic.NodeDeath, e.target(""),
		payload.UInt64Metric(session.BdSeqMetric, e.bdSeq.Current())); err != nil {
		return err
	}
	e.metrics.deathsPublished.Incr(1)
	return nil
}

// PublishDeviceDeath announces that deviceID went away and forgets it.
func (e *Edge) PublishDeviceDeath(ctx context.Context, deviceID string) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	if _, err := e.dispatcher.Publish(ctx, topic.DeviceDeath, e.target(deviceID)); err != nil {
		e.markStale(err)
		return err
	}
	e.metrics.deathsPublished.Incr(1)

	e.mu.Lock()
	delete(e.devices, deviceID)
	for i, d := range e.deviceOrder {
		if d == deviceID {
			e.deviceOrder = append(e.deviceOrder[:i], e.deviceOrder[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// Publish sends metrics as DDATA of deviceID, or NDATA when deviceID is
// empty. Metrics not yet announced are added to the birth set and announced
// with a new birth instead of a data message. After a publish failure the
// edge session is stale and the next Publish on a live connection rebirths
// first.
func (e *Edge) Publish(ctx context.Context, deviceID string, metrics ...payload.Metric) (payload.Payload, error) {
	e.mu.Lock()
	started := e.started
	if !started {
		e.mu.Unlock()
		return payload.Payload{}, ErrNotStarted
	}
	if _, ok := e.devices[deviceID]; !ok && deviceID != "" {
		e.mu.Unlock()
		return payload.Payload{}, fmt.Errorf("device %q has no DBIRTH", deviceID)
	}
	added, declared, err := e.declare(deviceID, metrics)
	var wire []payload.Metric
	if err == nil && !added {
		wire = e.wire(deviceID, declared)
	}
	e.mu.Unlock()
	if err != nil {
		return payload.Payload{}, err
	}

	if e.stale.Load() && e.client.IsConnected() {
		// The birth carries the latest values.
		return payload.Payload{}, e.Rebirth(ctx)
	}

	if added {
		e.logger.Infof("Detected new metrics on %s, publishing birth", e.target(deviceID))
		if deviceID == "" {
			return payload.Payload{}, e.Rebirth(ctx)
		}
		return payload.Payload{}, e.publishDeviceBirth(ctx, deviceID)
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	p, err := e.dispatcher.PublishOutbound(ctx, e.target(deviceID), wire...)
	if err != nil {
		e.markStale(err)
		return p, err
	}
	return p, nil
}

// wire returns the on-the-wire form of data metrics: alias only when aliases
// are in use. The caller holds e.mu.
func (e *Edge) wire(deviceID string, metrics []payload.Metric) []payload.Metric {
	if !e.cfg.UseAliases {
		return metrics
	}
	out := make([]payload.Metric, len(metrics))
	for i, m := range metrics {
		if alias, ok := e.aliases[aliasKey(deviceID, m.Name)]; ok {
			m = m.WithAlias(alias)
			m.Name = ""
		}
		out[i] = m
	}
	return out
}

func (e *Edge) markStale(err error) {
	if e.stale.CompareAndSwap(false, true) {
		e.metrics.stale.Set(1)
		e.logger.Errorf("Publish failed, edge session %s is stale until the next birth: %v", e.node, err)
	}
}

func (e *Edge) handleRebirth(ctx context.Context, cmd command.Command) error {
	if v, ok := cmd.Metric.Value.(bool); !ok || !v {
		e.logger.Infof("No valid rebirth request found - looking for '%s' with boolean true", command.RebirthMetricName)
		return nil
	}
	return e.Rebirth(ctx)
}

func (e *Edge) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case m, ok := <-e.client.Messages():
			if !ok {
				return
			}
			e.handleCommand(m)
		case err := <-e.client.Disconnects():
			if e.stale.CompareAndSwap(false, true) {
				e.metrics.stale.Set(1)
			}
			e.logger.Warnf("Edge node %s lost its connection: %v", e.node, err)
		case <-e.client.Reconnects():
			// The restored session still carries the previous will; replace
			// it with a new session under the next bdSeq.
			e.logger.Infof("Edge node %s reconnected, starting a new session", e.node)
			if err := e.Reconnect(e.ctx); err != nil {
				e.logger.Errorf("Failed to start a new session after reconnect: %v", err)
			}
		}
	}
}

func (e *Edge) handleCommand(m transport.Message) {
	t, err := topic.Parse(m.Topic)
	if err != nil || !t.MessageType.IsCommand() || session.IdentityOf(t) != e.node {
		e.logger.Warnf("Ignoring message on %s", m.Topic)
		return
	}
	p, err := payload.Decode(m.Payload)
	if err != nil {
		e.logger.Errorf("Failed to decode %s on %s: %v", t.MessageType, m.Topic, err)
		return
	}
	e.metrics.commands.Incr(1)

	e.mu.Lock()
	names := e.names[t.DeviceID]
	metrics := make([]payload.Metric, len(p.Metrics))
	for i, metric := range p.Metrics {
		if metric.Name == "" && metric.HasAlias {
			if name, ok := names[metric.Alias]; ok {
				metric.Name = name
			}
		}
		metrics[i] = metric
	}
	e.mu.Unlock()

	if err := e.dispatcher.DispatchAll(e.ctx, e.target(t.DeviceID), metrics); err != nil {
		e.logger.Warnf("%s on %s: %v", t.MessageType, m.Topic, err)
	}
}

func (e *Edge) sample() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sampleOnce(e.ctx)
		}
	}
}

// sampleOnce reads every source and publishes one data message per device.
func (e *Edge) sampleOnce(ctx context.Context) {
	byDevice := make(map[string][]payload.Metric)
	var order []string
	now := e.now()

	for _, s := range e.sources {
		v, err := s.fn(ctx)
		if err != nil {
			e.metrics.sourceErrors.Incr(1)
			e.logger.Warnf("Source %s on %s failed: %v", s.name, e.target(s.deviceID), err)
			continue
		}
		typed, err := payload.Convert(v, s.dataType)
		if err != nil {
			e.metrics.sourceErrors.Incr(1)
			e.logger.Warnf("Source %s on %s: %v", s.name, e.target(s.deviceID), err)
			continue
		}
		if _, seen := byDevice[s.deviceID]; !seen {
			order = append(order, s.deviceID)
		}
		byDevice[s.deviceID] = append(byDevice[s.deviceID], payload.Metric{
			Name:     s.name,
			DataType: s.dataType,
			Value:    typed,
			IsNull:   typed == nil,
		}.WithTimestamp(now))
	}

	for _, d := range order {
		if _, err := e.Publish(ctx, d, byDevice[d]...); err != nil {
			e.logger.Debugf("Sampled publish on %s failed: %v", e.target(d), err)
		}
	}
}

// Close publishes NDEATH and disconnects.
func (e *Edge) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		e.closed = true
		e.mu.Unlock()

		close(e.done)
		e.cancel()
		e.wg.Wait()

		if started && e.client.IsConnected() {
			if derr := e.publishDeath(ctx); derr != nil {
				e.logger.Errorf("Failed to publish NDEATH: %v", derr)
			}
		}
		err = e.client.Close(ctx)
		e.logger.Infof("Sparkplug edge node %s closed", e.node)
	})
	return err
}
