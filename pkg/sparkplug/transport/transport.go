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

// Package transport is the MQTT boundary of the Sparkplug engine. Inbound
// deliveries and connection changes are exposed as channels so the engine
// never runs protocol logic on a transport callback goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTransport wraps every connect, publish and subscribe failure.
var ErrTransport = errors.New("sparkplug transport failure")

// Message is one inbound MQTT delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Will is the MQTT last will registered at connect time.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client is the capability the engines need from an MQTT client.
type Client interface {
	// Connect establishes the session. A failure here is fatal to startup.
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	// Subscribe adds a filter. Filters are restored after a reconnect.
	Subscribe(ctx context.Context, filter string, qos byte) error
	// SetWill replaces the will used by the next Connect.
	SetWill(w *Will) error
	// Messages delivers inbound messages in broker delivery order.
	Messages() <-chan Message
	// Disconnects reports connection losses.
	Disconnects() <-chan error
	// Reconnects reports a session re-established after a loss.
	Reconnects() <-chan struct{}
	IsConnected() bool
	// Close disconnects gracefully; the will is not published.
	Close(ctx context.Context) error
}

// Config holds MQTT connection settings.
type Config struct {
	URLs           []string      `yaml:"urls"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
	// BufferSize is the capacity of the inbound message channel.
	BufferSize int   `yaml:"buffer_size"`
	Will       *Will `yaml:"-"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultBufferSize     = 1000
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Validate checks the settings a broker connection cannot do without.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return errors.New("at least one broker URL is required")
	}
	for _, u := range c.URLs {
		if strings.TrimSpace(u) == "" {
			return errors.New("broker URL cannot be empty")
		}
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("keep alive must be positive, got %v", c.KeepAlive)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", c.ConnectTimeout)
	}
	return nil
}

// MatchTopic reports whether topic matches an MQTT filter with '+' and '#' wildcards.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// notify performs a coalescing send: one pending signal is enough.
func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
