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

// Package engine wires the Sparkplug building blocks into a host application
// and an edge node.
//
// The host reads transport messages on a single router goroutine and hands
// each one to the worker that owns its edge node (xxhash of the node key), so
// all messages of one node are handled in delivery order while different
// nodes proceed in parallel. Sessions are only ever mutated by their worker;
// everything else reads published snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/redpanda-data/benthos/v4/public/service"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/command"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/sequence"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("sparkplug engine closed")

const publishTimeout = 5 * time.Second

type hostMetrics struct {
	messagesReceived   *service.MetricCounter
	messagesProcessed  *service.MetricCounter
	messagesDropped    *service.MetricCounter
	messagesDiscarded  *service.MetricCounter
	sequenceGaps       *service.MetricCounter
	birthsProcessed    *service.MetricCounter
	deathsProcessed    *service.MetricCounter
	rebirthsRequested  *service.MetricCounter
	rebirthsSuppressed *service.MetricCounter
	metricsRejected    *service.MetricCounter
	sessionsActive     *service.MetricGauge
}

func newHostMetrics(m *service.Metrics) *hostMetrics {
	return &hostMetrics{
		messagesReceived:   m.NewCounter("messages_received"),
		messagesProcessed:  m.NewCounter("messages_processed"),
		messagesDropped:    m.NewCounter("messages_dropped"),
		messagesDiscarded:  m.NewCounter("messages_discarded"),
		sequenceGaps:       m.NewCounter("sequence_gaps"),
		birthsProcessed:    m.NewCounter("births_processed"),
		deathsProcessed:    m.NewCounter("deaths_processed"),
		rebirthsRequested:  m.NewCounter("rebirths_requested"),
		rebirthsSuppressed: m.NewCounter("rebirths_suppressed"),
		metricsRejected:    m.NewCounter("metrics_rejected"),
		sessionsActive:     m.NewGauge("sessions_active"),
	}
}

type workKind int

const (
	workMessage workKind = iota
	workDisconnect
	workUnregister
	workRebirth
	workReconnect
)

type work struct {
	kind  workKind
	node  session.EdgeNodeIdentity
	topic topic.Topic
	msg   transport.Message
	gen   uint64
	at    time.Time
	reply chan session.Transition
}

// gate lets Unregister cut off messages that are already queued for a node.
// A gate only exists between Unregister and the node's next NBIRTH.
type gate struct {
	mu      sync.Mutex
	gen     uint64
	parked  bool
	retired bool
}

func (g *gate) ticket() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Host is a Sparkplug host application.
type Host struct {
	cfg     HostConfig
	client  transport.Client
	logger  *service.Logger
	metrics *hostMetrics

	registry   *session.Registry
	tracker    *sequence.Tracker
	dispatcher *command.Dispatcher

	limiters   *lru.Cache // node key -> *rate.Limiter
	limitersMu sync.Mutex
	logLimiter *rate.Limiter

	gates  sync.Map // node key -> *gate, only for unregistered nodes
	gens   atomic.Uint64
	queues []chan work
	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
	closed    bool
	stateMu   sync.Mutex
	closeOnce sync.Once

	now func() time.Time
}

// NewHost creates a host on top of client. Nothing happens on the network
// before Start.
func NewHost(cfg HostConfig, client transport.Client, mgr *service.Resources) (*Host, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid host configuration: %w", err)
	}
	if client == nil {
		return nil, errors.New("transport client cannot be nil")
	}

	limiters, err := lru.New(cfg.RebirthCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:        cfg,
		client:     client,
		logger:     mgr.Logger(),
		metrics:    newHostMetrics(mgr.Metrics()),
		registry:   session.NewRegistry(),
		tracker:    sequence.NewTracker(),
		dispatcher: command.NewDispatcher(client, cfg.QoS, mgr),
		limiters:   limiters,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		queues:     make([]chan work, cfg.Workers),
		events:     make(chan Event, cfg.EventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	for i := range h.queues {
		h.queues[i] = make(chan work, cfg.QueueSize)
	}
	return h, nil
}

// Start connects, subscribes and starts processing. A connect failure is
// returned and leaves the host unstarted.
func (h *Host) Start(ctx context.Context) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.started {
		return errors.New("host already started")
	}

	if h.cfg.Role == RolePrimary {
		will := &transport.Will{Topic: h.cfg.StateTopic(), Payload: []byte(StateOffline), QoS: h.cfg.QoS, Retain: true}
		if err := h.client.SetWill(will); err != nil {
			return err
		}
	}

	h.logger.Infof("Starting Sparkplug host (role: %s, workers: %d)", h.cfg.Role, h.cfg.Workers)
	if err := h.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect sparkplug host: %w", err)
	}

	for i := range h.queues {
		h.wg.Add(1)
		go h.worker(h.queues[i])
	}
	h.wg.Add(1)
	go h.route()
	h.started = true

	for _, filter := range h.cfg.SubscriptionFilters() {
		if err := h.client.Subscribe(ctx, filter, h.cfg.QoS); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
		h.logger.Infof("Subscribed to Sparkplug topic: %s", filter)
	}

	if h.cfg.Role == RolePrimary {
		if err := h.publishState(ctx, StateOnline); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the event stream. It must be drained: workers wait for the
// consumer rather than dropping events. The channel is closed by Close.
func (h *Host) Events() <-chan Event { return h.events }

// Snapshot returns the published state of one node.
func (h *Host) Snapshot(node session.EdgeNodeIdentity) (session.Snapshot, bool) {
	return h.registry.Snapshot(node)
}

// Snapshots returns the published state of every node, ordered by key.
func (h *Host) Snapshots() []session.Snapshot { return h.registry.Snapshots() }

// RegisterHandler dispatches commands observed for target to handler.
func (h *Host) RegisterHandler(target session.DeviceIdentity, metricName string, handler command.Handler) error {
	return h.dispatcher.RegisterHandler(target, metricName, handler)
}

// Unregister stops processing for node: messages already queued for it are
// discarded and its session is reset to OFFLINE and removed. The node is
// tracked again once it sends a new NBIRTH. A command handler that is running
// for the node completes first.
func (h *Host) Unregister(ctx context.Context, node session.EdgeNodeIdentity) (session.Transition, error) {
	h.park(node.Key())

	h.stateMu.Lock()
	started, closed := h.started, h.closed
	h.stateMu.Unlock()
	if closed {
		return session.Transition{}, ErrClosed
	}
	if !started {
		return h.unregister(node), nil
	}

	reply := make(chan session.Transition, 1)
	if !h.enqueue(work{kind: workUnregister, node: node, reply: reply}) {
		return session.Transition{}, ErrClosed
	}
	select {
	case tr := <-reply:
		return tr, nil
	case <-ctx.Done():
		return session.Transition{}, ctx.Err()
	case <-h.done:
		return session.Transition{}, ErrClosed
	}
}

// Close stops processing, moves every session to OFFLINE and closes the
// transport. A primary host publishes OFFLINE on its STATE topic first.
func (h *Host) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.stateMu.Lock()
		h.closed = true
		h.stateMu.Unlock()

		close(h.done)
		h.cancel()
		h.wg.Wait()

		for _, s := range h.registry.Sessions() {
			s.Unregister()
			h.tracker.Forget(s.Identity().Key())
		}
		h.metrics.sessionsActive.Set(0)

		if h.cfg.Role == RolePrimary && h.client.IsConnected() {
			if perr := h.publishState(ctx, StateOffline); perr != nil {
				h.logger.Errorf("Failed to publish STATE OFFLINE: %v", perr)
			}
		}
		err = h.client.Close(ctx)
		close(h.events)
		h.logger.Info("Sparkplug host closed")
	})
	return err
}

// park discards everything queued for key so far and everything that follows
// until an NBIRTH.
func (h *Host) park(key string) {
	gen := h.gens.Add(1)
	for {
		v, _ := h.gates.LoadOrStore(key, &gate{})
		g := v.(*gate)
		g.mu.Lock()
		if !g.retired {
			g.gen = gen
			g.parked = true
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
	}
}

func (h *Host) ticket(key string) uint64 {
	if v, ok := h.gates.Load(key); ok {
		return v.(*gate).ticket()
	}
	return 0
}

// admit reports whether a message that got ticket gen may be processed. A
// parked node only accepts a new NBIRTH, which also retires its gate.
func (h *Host) admit(key string, gen uint64, mt topic.MessageType) bool {
	v, ok := h.gates.Load(key)
	if !ok {
		return true
	}
	g := v.(*gate)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retired {
		return true
	}
	if gen != g.gen {
		return false
	}
	if g.parked {
		if mt != topic.NodeBirth {
			return false
		}
		g.retired = true
		h.gates.CompareAndDelete(key, g)
	}
	return true
}

func (h *Host) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(h.queues)))
}

func (h *Host) enqueue(w work) bool {
	select {
	case h.queues[h.shard(w.node.Key())] <- w:
		return true
	case <-h.done:
		return false
	}
}

func (h *Host) emit(e Event) {
	select {
	case h.events <- e:
	case <-h.done:
	}
}

func (h *Host) route() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case m, ok := <-h.client.Messages():
			if !ok {
				return
			}
			h.ingest(m)
		case err := <-h.client.Disconnects():
			h.onDisconnect(err)
		case <-h.client.Reconnects():
			// A drop and the reconnect after it can be ready together.
			select {
			case err := <-h.client.Disconnects():
				h.onDisconnect(err)
			default:
			}
			h.onReconnect()
		}
	}
}

func (h *Host) ingest(m transport.Message) {
	h.metrics.messagesReceived.Incr(1)

	t, err := topic.Parse(m.Topic)
	if err != nil {
		h.drop(m.Topic, err)
		return
	}
	if t.MessageType == topic.State {
		h.handleState(t, m)
		return
	}

	node := session.IdentityOf(t)
	h.enqueue(work{
		kind:  workMessage,
		node:  node,
		topic: t,
		msg:   m,
		gen:   h.ticket(node.Key()),
		at:    h.now(),
	})
}

func (h *Host) drop(topicName string, err error) {
	h.metrics.messagesDropped.Incr(1)
	if h.logLimiter.Allow() {
		h.logger.Warnf("Dropping message on %s: %v", topicName, err)
	}
}

func (h *Host) onDisconnect(err error) {
	h.logger.Errorf("Transport disconnected, marking sessions stale: %v", err)
	for _, s := range h.registry.Sessions() {
		h.enqueue(work{kind: workDisconnect, node: s.Identity(), at: h.now()})
	}
}

// onReconnect sends the rebirth requests that sessions left STALE by the
// disconnect could not send while the transport was down.
func (h *Host) onReconnect() {
	h.logger.Info("Transport reconnected")
	for _, s := range h.registry.Sessions() {
		h.enqueue(work{kind: workReconnect, node: s.Identity(), at: h.now()})
	}
	if h.cfg.Role != RolePrimary {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
	defer cancel()
	if err := h.publishState(ctx, StateOnline); err != nil {
		h.logger.Errorf("Failed to republish STATE ONLINE: %v", err)
	}
}

func (h *Host) publishState(ctx context.Context, state string) error {
	stateTopic := h.cfg.StateTopic()
	if err := h.client.Publish(ctx, stateTopic, []byte(state), h.cfg.QoS, true); err != nil {
		return fmt.Errorf("failed to publish STATE %s: %w", state, err)
	}
	h.logger.Infof("Published STATE %s on topic: %s", state, stateTopic)
	return nil
}

type statePayload struct {
	Online    bool   `json:"online"`
	Timestamp uint64 `json:"timestamp"`
}

// parseState accepts the plain ONLINE/OFFLINE form and the JSON form
// {"online":true,"timestamp":...}.
func parseState(b []byte) (bool, uint64, error) {
	switch strings.TrimSpace(string(b)) {
	case StateOnline:
		return true, 0, nil
	case StateOffline:
		return false, 0, nil
	}
	var p statePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return false, 0, fmt.Errorf("%w: STATE payload: %v", payload.ErrCodec, err)
	}
	return p.Online, p.Timestamp, nil
}

func (h *Host) handleState(t topic.Topic, m transport.Message) {
	online, ts, err := parseState(m.Payload)
	if err != nil {
		h.drop(m.Topic, err)
		return
	}
	h.metrics.messagesProcessed.Incr(1)
	h.logger.Debugf("STATE of host %s: online=%t", t.EdgeNodeID, online)

	// Our own STATE reported OFFLINE while we are running: a will of an
	// earlier connection. Claim the topic again.
	if h.cfg.Role == RolePrimary && t.EdgeNodeID == h.cfg.HostID && !online && !m.Retained {
		ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
		if err := h.publishState(ctx, StateOnline); err != nil {
			h.logger.Errorf("Failed to reclaim STATE topic: %v", err)
		}
		cancel()
	}

	h.emit(Event{
		Kind:        EventState,
		Identity:    session.EdgeNodeIdentity{GroupID: t.GroupID, EdgeNodeID: t.EdgeNodeID},
		MessageType: topic.State,
		Topic:       m.Topic,
		Timestamp:   ts,
		Online:      online,
		ReceivedAt:  h.now(),
	})
}

func (h *Host) worker(queue chan work) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case w := <-queue:
			switch w.kind {
			case workMessage:
				h.handleMessage(w)
			case workDisconnect:
				h.handleDisconnect(w)
			case workUnregister:
				w.reply <- h.unregister(w.node)
			case workRebirth:
				h.retryRebirth(w.node)
			case workReconnect:
				h.handleReconnect(w)
			}
		}
	}
}

func (h *Host) handleMessage(w work) {
	key := w.node.Key()
	mt := w.topic.MessageType
	if !h.admit(key, w.gen, mt) {
		h.metrics.messagesDiscarded.Incr(1)
		h.logger.Tracef("Discarding %s for unregistered node %s", mt, key)
		return
	}

	p, err := payload.Decode(w.msg.Payload)
	if err != nil {
		h.drop(w.msg.Topic, err)
		return
	}
	h.metrics.messagesProcessed.Incr(1)

	if mt.IsCommand() {
		h.handleCommand(w, p)
		return
	}

	s, created := h.registry.Register(w.node)
	if created {
		h.metrics.sessionsActive.Set(int64(h.registry.Len()))
		h.logger.Debugf("Tracking new edge node %s", key)
	}

	seq := p.Seq
	if !p.HasSeq {
		// A sequenced message without seq can never continue the sequence.
		seq = sequence.MaxSeq + 1
	}
	expected, hadBaseline := h.tracker.Expected(key)
	verdict := h.tracker.Observe(key, mt, seq)
	seq8 := uint8(seq)

	var tr session.Transition
	switch mt {
	case topic.NodeBirth:
		if verdict == sequence.Gap {
			tr = s.ApplyGap(fmt.Sprintf("NBIRTH with invalid seq %d", seq), w.at)
		} else {
			tr = s.ApplyBirth(seq8, p.Metrics, w.at)
			h.metrics.birthsProcessed.Incr(1)
		}
	case topic.NodeData, topic.DeviceData:
		tr = s.ApplyData(w.topic.DeviceID, verdict, seq8, p.Metrics, w.at)
	case topic.DeviceBirth:
		tr = s.ApplyDeviceBirth(w.topic.DeviceID, verdict, seq8, p.Metrics, w.at)
		h.metrics.birthsProcessed.Incr(1)
	case topic.DeviceDeath:
		tr = s.ApplyDeviceDeath(w.topic.DeviceID, verdict, seq8, w.at)
		h.metrics.deathsProcessed.Incr(1)
	case topic.NodeDeath:
		tr = s.ApplyNodeDeath(p.Metrics, w.at)
		if !tr.Ignored {
			h.tracker.Forget(key)
		}
		h.metrics.deathsProcessed.Incr(1)
	default:
		return
	}

	if verdict == sequence.Gap {
		h.metrics.sequenceGaps.Incr(1)
		if tr.RebirthRequired {
			if hadBaseline {
				h.logger.Warnf("Sequence gap on %s %s: %v", mt, w.msg.Topic, sequence.GapError(key, expected, seq))
			} else {
				h.logger.Warnf("Sequence gap on %s %s: node has no valid birth", mt, w.msg.Topic)
			}
		}
	}
	if tr.Ignored {
		h.logger.Debugf("%s on %s ignored: %s", mt, w.msg.Topic, tr.Reason)
	} else if tr.Reason != "" {
		h.logger.Debugf("%s on %s: %s", mt, w.msg.Topic, tr.Reason)
	}
	if len(tr.Rejected) > 0 {
		h.metrics.metricsRejected.Incr(int64(len(tr.Rejected)))
		h.logger.Warnf("Rejected metrics %v on %s: value does not match birth datatype", tr.Rejected, w.msg.Topic)
	}

	if tr.RebirthRequired {
		h.requestRebirth(w.node)
	}
	h.emitTransition(w, p, tr)
}

func (h *Host) emitTransition(w work, p payload.Payload, tr session.Transition) {
	e := Event{
		Identity:    w.node,
		DeviceID:    w.topic.DeviceID,
		MessageType: w.topic.MessageType,
		Topic:       w.msg.Topic,
		Seq:         p.Seq,
		HasSeq:      p.HasSeq,
		Timestamp:   p.Timestamp,
		Phase:       tr.To,
		Reason:      tr.Reason,
		ReceivedAt:  w.at,
	}
	if snap, ok := h.registry.Snapshot(w.node); ok && snap.HasBdSeq {
		e.BdSeq, e.HasBdSeq = snap.BdSeq, true
	}

	switch {
	case tr.Event == session.EventGap:
		if !tr.Changed() {
			return
		}
		e.Kind = EventStale
		e.Devices = tr.DevicesStaled
	case tr.Ignored:
		return
	case w.topic.MessageType.IsBirth():
		e.Kind = EventBirth
		e.Metrics = tr.Metrics
	case w.topic.MessageType.IsData():
		e.Kind = EventMetric
		e.Metrics = tr.Metrics
	case w.topic.MessageType.IsDeath():
		e.Kind = EventDeath
		e.Devices = tr.DevicesStaled
	default:
		return
	}
	h.emit(e)
}

func (h *Host) handleCommand(w work, p payload.Payload) {
	target := session.DeviceIdentity{Node: w.node, DeviceID: w.topic.DeviceID}
	h.emit(Event{
		Kind:        EventCommand,
		Identity:    w.node,
		DeviceID:    w.topic.DeviceID,
		MessageType: w.topic.MessageType,
		Topic:       w.msg.Topic,
		Seq:         p.Seq,
		HasSeq:      p.HasSeq,
		Timestamp:   p.Timestamp,
		Metrics:     p.Metrics,
		ReceivedAt:  w.at,
	})

	if !h.dispatcher.HasHandlers(target) {
		return
	}
	if err := h.dispatcher.DispatchAll(h.ctx, target, p.Metrics); err != nil {
		h.logger.Warnf("Command on %s: %v", w.msg.Topic, err)
	}
}

func (h *Host) handleDisconnect(w work) {
	s, ok := h.registry.Get(w.node)
	if !ok {
		return
	}
	tr := s.ApplyDisconnect(w.at)
	h.tracker.Forget(w.node.Key())
	if tr.Ignored {
		return
	}
	h.emit(Event{
		Kind:       EventStale,
		Identity:   w.node,
		Devices:    tr.DevicesStaled,
		Phase:      tr.To,
		Reason:     "transport disconnected",
		ReceivedAt: w.at,
	})
}

func (h *Host) handleReconnect(w work) {
	s, ok := h.registry.Get(w.node)
	if !ok || !s.RebirthPending() {
		return
	}
	h.requestRebirth(w.node)
}

func (h *Host) unregister(node session.EdgeNodeIdentity) session.Transition {
	tr, ok := h.registry.Unregister(node)
	h.tracker.Forget(node.Key())
	h.metrics.sessionsActive.Set(int64(h.registry.Len()))
	if ok {
		h.logger.Infof("Unregistered edge node %s", node)
	}
	return tr
}

func (h *Host) limiter(key string) *rate.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	if l, ok := h.limiters.Get(key); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(h.cfg.RebirthInterval), 1)
	h.limiters.Add(key, l)
	return l
}

// requestRebirth sends one NCMD rebirth. Requests inside RebirthInterval of
// the previous one are deferred to the end of the interval.
func (h *Host) requestRebirth(node session.EdgeNodeIdentity) {
	if h.cfg.Role == RoleSecondaryPassive {
		h.metrics.rebirthsSuppressed.Incr(1)
		h.logger.Debugf("Rebirth request suppressed for %s (secondary_passive mode)", node)
		return
	}

	r := h.limiter(node.Key()).Reserve()
	if delay := r.Delay(); delay > 0 {
		h.metrics.rebirthsSuppressed.Incr(1)
		h.logger.Warnf("Rebirth request to %s rate limited, retrying in %v", node, delay)
		time.AfterFunc(delay, func() {
			h.enqueue(work{kind: workRebirth, node: node})
		})
		return
	}
	h.sendRebirth(node)
}

func (h *Host) retryRebirth(node session.EdgeNodeIdentity) {
	s, ok := h.registry.Get(node)
	if !ok || !s.RebirthPending() {
		return
	}
	h.sendRebirth(node)
}

func (h *Host) sendRebirth(node session.EdgeNodeIdentity) {
	ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
	defer cancel()
	if err := h.dispatcher.RequestRebirth(ctx, node); err != nil {
		h.logger.Errorf("Failed to publish rebirth command to %s: %v", node, err)
		return
	}
	h.metrics.rebirthsRequested.Incr(1)
	h.logger.Infof("Sent rebirth request to %s", node)
}
