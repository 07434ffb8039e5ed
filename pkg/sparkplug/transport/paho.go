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
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// clientMetrics holds metrics for MQTT client operations.
type clientMetrics struct {
	ConnectionAttempts *service.MetricCounter
	ConnectionFailures *service.MetricCounter
	ConnectionsActive  *service.MetricGauge
	MessagesPublished  *service.MetricCounter
	MessagesReceived   *service.MetricCounter
	MessagesDropped    *service.MetricCounter
	PublishFailures    *service.MetricCounter
	SubscriptionErrors *service.MetricCounter
}

func newClientMetrics(m *service.Metrics) *clientMetrics {
	return &clientMetrics{
		ConnectionAttempts: m.NewCounter("mqtt_connection_attempts"),
		ConnectionFailures: m.NewCounter("mqtt_connection_failures"),
		ConnectionsActive:  m.NewGauge("mqtt_connections_active"),
		MessagesPublished:  m.NewCounter("mqtt_messages_published"),
		MessagesReceived:   m.NewCounter("mqtt_messages_received"),
		MessagesDropped:    m.NewCounter("mqtt_messages_dropped"),
		PublishFailures:    m.NewCounter("mqtt_publish_failures"),
		SubscriptionErrors: m.NewCounter("mqtt_subscription_errors"),
	}
}

// PahoClient implements Client on top of the Eclipse Paho MQTT client.
// Reconnection after a loss is left to Paho's auto-reconnect; the initial
// connect is retried with exponential backoff bounded by ConnectTimeout.
type PahoClient struct {
	cfg     Config
	logger  *service.Logger
	metrics *clientMetrics

	client mqtt.Client
	subs   map[string]byte
	mu     sync.Mutex

	messages    chan Message
	disconnects chan error
	reconnects  chan struct{}

	closed        atomic.Bool
	connectedOnce atomic.Bool
}

// NewPahoClient validates cfg and prepares a client. No network activity
// happens before Connect.
func NewPahoClient(cfg Config, mgr *service.Resources) (*PahoClient, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sparkplug-" + uuid.New().String()[:8]
	}

	return &PahoClient{
		cfg:         cfg,
		logger:      mgr.Logger(),
		metrics:     newClientMetrics(mgr.Metrics()),
		subs:        make(map[string]byte),
		messages:    make(chan Message, cfg.BufferSize),
		disconnects: make(chan error, 1),
		reconnects:  make(chan struct{}, 1),
	}, nil
}

// ClientID returns the MQTT client id in use.
func (c *PahoClient) ClientID() string { return c.cfg.ClientID }

// SetWill replaces the will. It only takes effect for a client that is not yet connected.
func (c *PahoClient) SetWill(w *Will) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		return fmt.Errorf("%w: cannot change will of a connected client", ErrTransport)
	}
	c.cfg.Will = w
	c.client = nil
	return nil
}

func (c *PahoClient) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	for _, url := range c.cfg.URLs {
		opts.AddBroker(url)
	}

	opts.SetClientID(c.cfg.ClientID)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		if c.cfg.Password != "" {
			opts.SetPassword(c.cfg.Password)
		}
	}

	if w := c.cfg.Will; w != nil && w.Topic != "" {
		opts.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessage)
	return opts
}

// Connect connects to the broker, retrying until ConnectTimeout has elapsed.
// Connecting again after Close starts a new MQTT session.
func (c *PahoClient) Connect(ctx context.Context) error {
	c.closed.Store(false)

	c.mu.Lock()
	if c.client == nil {
		c.client = mqtt.NewClient(c.options())
	}
	client := c.client
	c.mu.Unlock()

	c.logger.Infof("Connecting to MQTT brokers: %v", c.cfg.URLs)

	attempt := func() error {
		c.metrics.ConnectionAttempts.Incr(1)
		token := client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-time.After(c.cfg.ConnectTimeout):
			c.metrics.ConnectionFailures.Incr(1)
			return fmt.Errorf("connection timeout after %v", c.cfg.ConnectTimeout)
		}
		if err := token.Error(); err != nil {
			c.metrics.ConnectionFailures.Incr(1)
			c.logger.Debugf("MQTT connection attempt failed: %v", err)
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = c.cfg.ConnectTimeout

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return transportErr("connect", err)
	}

	c.logger.Info("Successfully connected to MQTT broker")
	return nil
}

func (c *PahoClient) onConnect(client mqtt.Client) {
	c.metrics.ConnectionsActive.Set(1)
	c.logger.Debug("MQTT client connected")

	c.mu.Lock()
	subs := make(map[string]byte, len(c.subs))
	for f, q := range c.subs {
		subs[f] = q
	}
	c.mu.Unlock()

	for filter, qos := range subs {
		token := client.Subscribe(filter, qos, nil)
		if token.Wait() && token.Error() != nil {
			c.metrics.SubscriptionErrors.Incr(1)
			c.logger.Errorf("Failed to restore subscription %s: %v", filter, token.Error())
		}
	}

	if c.connectedOnce.Swap(true) {
		c.logger.Info("MQTT session re-established")
		notify(c.reconnects, struct{}{})
	}
}

func (c *PahoClient) onConnectionLost(_ mqtt.Client, err error) {
	c.metrics.ConnectionsActive.Set(0)
	c.logger.Errorf("MQTT connection lost: %v", err)
	notify(c.disconnects, err)
}

func (c *PahoClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.closed.Load() {
		return
	}

	c.metrics.MessagesReceived.Incr(1)
	select {
	case c.messages <- Message{Topic: msg.Topic(), Payload: msg.Payload(), Retained: msg.Retained()}:
	default:
		c.logger.Warn("Message buffer full, dropping message")
		c.metrics.MessagesDropped.Incr(1)
	}
}

// Publish publishes and waits for the broker acknowledgement (QoS > 0) or ctx.
func (c *PahoClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := c.current()
	if err != nil {
		return err
	}

	token := client.Publish(topic, qos, retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.metrics.PublishFailures.Incr(1)
		return transportErr("publish "+topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		c.metrics.PublishFailures.Incr(1)
		return transportErr("publish "+topic, err)
	}

	c.metrics.MessagesPublished.Incr(1)
	return nil
}

// Subscribe subscribes to filter and remembers it for reconnects.
func (c *PahoClient) Subscribe(ctx context.Context, filter string, qos byte) error {
	client, err := c.current()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()

	token := client.Subscribe(filter, qos, nil)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.metrics.SubscriptionErrors.Incr(1)
		return transportErr("subscribe "+filter, ctx.Err())
	}
	if err := token.Error(); err != nil {
		c.metrics.SubscriptionErrors.Incr(1)
		return transportErr("subscribe "+filter, err)
	}

	c.logger.Debugf("Successfully subscribed to MQTT topic: %s", filter)
	return nil
}

func (c *PahoClient) current() (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("%w: client is not connected", ErrTransport)
	}
	return c.client, nil
}

func (c *PahoClient) Messages() <-chan Message { return c.messages }
func (c *PahoClient) Disconnects() <-chan error { return c.disconnects }
func (c *PahoClient) Reconnects() <-chan struct{} { return c.reconnects }

// IsConnected reports whether the Paho client currently has a session.
func (c *PahoClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Close disconnects, waiting at most until ctx is done for in-flight work.
func (c *PahoClient) Close(ctx context.Context) error {
	c.closed.Store(true)

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	c.connectedOnce.Store(false)
	if client == nil {
		return nil
	}

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 && ms < int64(quiesce) {
			quiesce = uint(ms)
		}
	}
	client.Disconnect(quiesce)
	c.metrics.ConnectionsActive.Set(0)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transportErr("close", ctx.Err())
	}
	return nil
}
