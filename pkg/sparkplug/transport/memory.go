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

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Published is one message routed by a MemoryBroker.
type Published struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// MemoryBroker is an in-process MQTT broker with wildcard matching, retained
// messages and wills. Delivery happens under the broker lock, so every
// subscriber sees publishes in one global order.
type MemoryBroker struct {
	clients  map[*MemoryClient]struct{}
	retained map[string]Message
	history  []Published
	mu       sync.Mutex
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		clients:  make(map[*MemoryClient]struct{}),
		retained: make(map[string]Message),
	}
}

// NewClient creates a client attached to b. bufferSize <= 0 uses DefaultBufferSize.
func (b *MemoryBroker) NewClient(clientID string, bufferSize int) *MemoryClient {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryClient{
		id:          clientID,
		broker:      b,
		subs:        make(map[string]byte),
		messages:    make(chan Message, bufferSize),
		disconnects: make(chan error, 1),
		reconnects:  make(chan struct{}, 1),
	}
}

// History returns every message published through the broker, wills included.
func (b *MemoryBroker) History() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.history))
	copy(out, b.history)
	return out
}

// Retained returns the retained message of topic.
func (b *MemoryBroker) Retained(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.retained[topic]
	return m, ok
}

// Drop simulates an unexpected loss of c's connection: the will is published
// and c is told it was disconnected.
func (b *MemoryBroker) Drop(c *MemoryClient, cause error) {
	if cause == nil {
		cause = errors.New("connection reset by broker")
	}

	b.mu.Lock()
	if _, ok := b.clients[c]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c)
	c.setConnected(false)
	if w := c.will; w != nil {
		b.routeLocked(c.id, w.Topic, w.Payload, w.QoS, w.Retain)
	}
	b.mu.Unlock()

	notify(c.disconnects, cause)
}

func (b *MemoryBroker) attach(c *MemoryClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *MemoryBroker) detach(c *MemoryClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

func (b *MemoryBroker) publish(clientID, topic string, payload []byte, qos byte, retain bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked(clientID, topic, payload, qos, retain)
}

func (b *MemoryBroker) routeLocked(clientID, topic string, payload []byte, qos byte, retain bool) {
	body := append([]byte(nil), payload...)
	b.history = append(b.history, Published{ClientID: clientID, Topic: topic, Payload: body, QoS: qos, Retain: retain})
	if retain {
		if len(body) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = Message{Topic: topic, Payload: body, Retained: true}
		}
	}

	for c := range b.clients {
		if c.matches(topic) {
			c.deliver(Message{Topic: topic, Payload: body})
		}
	}
}

func (b *MemoryBroker) subscribe(c *MemoryClient, filter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.retained {
		if MatchTopic(filter, topic) {
			c.deliver(m)
		}
	}
}

// MemoryClient implements Client against a MemoryBroker.
type MemoryClient struct {
	id     string
	broker *MemoryBroker

	will          *Will
	subs          map[string]byte
	connected     bool
	connectedOnce bool
	dropped       int
	mu            sync.Mutex

	messages    chan Message
	disconnects chan error
	reconnects  chan struct{}
}

// Connect attaches the client to the broker. Connecting again after Drop
// counts as a reconnect and restores subscriptions.
func (c *MemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transportErr("connect", err)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	reconnect := c.connectedOnce
	c.connectedOnce = true
	c.mu.Unlock()

	c.broker.attach(c)
	if reconnect {
		notify(c.reconnects, struct{}{})
	}
	return nil
}

func (c *MemoryClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		return transportErr("publish "+topic, err)
	}
	if !c.IsConnected() {
		return transportErr("publish "+topic, errors.New("not connected"))
	}
	c.broker.publish(c.id, topic, payload, qos, retain)
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := ctx.Err(); err != nil {
		return transportErr("subscribe "+filter, err)
	}
	if !c.IsConnected() {
		return transportErr("subscribe "+filter, errors.New("not connected"))
	}
	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()
	c.broker.subscribe(c, filter)
	return nil
}

func (c *MemoryClient) SetWill(w *Will) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("%w: cannot change will of a connected client", ErrTransport)
	}
	c.will = w
	return nil
}

func (c *MemoryClient) Messages() <-chan Message    { return c.messages }
func (c *MemoryClient) Disconnects() <-chan error   { return c.disconnects }
func (c *MemoryClient) Reconnects() <-chan struct{} { return c.reconnects }

func (c *MemoryClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close detaches gracefully; the will is discarded. A later Connect starts
// a new session rather than a reconnect.
func (c *MemoryClient) Close(_ context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.connectedOnce = false
	c.mu.Unlock()
	c.broker.detach(c)
	return nil
}

// Dropped returns the number of deliveries lost to a full buffer.
func (c *MemoryClient) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *MemoryClient) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *MemoryClient) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter := range c.subs {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *MemoryClient) deliver(m Message) {
	select {
	case c.messages <- m:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}
