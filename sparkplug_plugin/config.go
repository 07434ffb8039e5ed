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
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

// MQTT transport configuration
type MQTT struct {
	URLs           []string      `yaml:"urls"`
	ClientID       string        `yaml:"client_id"`
	Credentials    Credentials   `yaml:"credentials"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
}

// MQTT credentials
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Sparkplug identity configuration
type Identity struct {
	GroupID    string `yaml:"group_id"`
	EdgeNodeID string `yaml:"edge_node_id"` // host_id for a primary host
	DeviceID   string `yaml:"device_id"`    // output only; empty publishes node-level data
}

// Subscription configuration for host roles
type Subscription struct {
	Groups []string `yaml:"groups"` // Empty means all groups (+)
}

// MetricConfig declares one metric of the output's birth certificate.
type MetricConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	ValueFrom string `yaml:"value_from"`
}

// Transport returns the transport settings of the mqtt block.
func (m MQTT) Transport() transport.Config {
	return transport.Config{
		URLs:           m.URLs,
		ClientID:       m.ClientID,
		Username:       m.Credentials.Username,
		Password:       m.Credentials.Password,
		KeepAlive:      m.KeepAlive,
		ConnectTimeout: m.ConnectTimeout,
		CleanSession:   m.CleanSession,
	}
}

// clientFactory creates the MQTT client of a plugin. Tests replace it.
type clientFactory func(cfg transport.Config, mgr *service.Resources) (transport.Client, error)

func newPahoClient(cfg transport.Config, mgr *service.Resources) (transport.Client, error) {
	return transport.NewPahoClient(cfg, mgr)
}

func mqttField(defaultClientID string) *service.ConfigField {
	return service.NewObjectField("mqtt",
		service.NewStringListField("urls").
			Description("List of MQTT broker URLs to connect to").
			Example([]string{"tcp://localhost:1883", "ssl://broker.hivemq.com:8883"}).
			Default([]string{"tcp://localhost:1883"}),
		service.NewStringField("client_id").
			Description("MQTT client ID").
			Default(defaultClientID),
		service.NewObjectField("credentials",
			service.NewStringField("username").
				Description("MQTT username for authentication").
				Default(""),
			service.NewStringField("password").
				Description("MQTT password for authentication").
				Default("").
				Secret()).
			Description("MQTT authentication credentials").
			Optional(),
		service.NewIntField("qos").
			Description("QoS level for MQTT operations (0, 1, or 2)").
			Default(1).
			Examples(0, 1, 2),
		service.NewDurationField("keep_alive").
			Description("MQTT keep alive interval").
			Default("60s"),
		service.NewDurationField("connect_timeout").
			Description("MQTT connection timeout").
			Default("30s"),
		service.NewBoolField("clean_session").
			Description("MQTT clean session flag").
			Default(true)).
		Description("MQTT transport configuration")
}

func parseMQTT(conf *service.ParsedConfig) (MQTT, error) {
	var m MQTT
	mqttConf := conf.Namespace("mqtt")

	var err error
	if m.URLs, err = mqttConf.FieldStringList("urls"); err != nil {
		return m, err
	}
	if m.ClientID, err = mqttConf.FieldString("client_id"); err != nil {
		return m, err
	}

	qosInt, err := mqttConf.FieldInt("qos")
	if err != nil {
		return m, err
	}
	if qosInt < 0 || qosInt > 2 {
		return m, fmt.Errorf("QoS must be 0, 1, or 2, got %d", qosInt)
	}
	m.QoS = byte(qosInt)

	if m.KeepAlive, err = mqttConf.FieldDuration("keep_alive"); err != nil {
		return m, err
	}
	if m.ConnectTimeout, err = mqttConf.FieldDuration("connect_timeout"); err != nil {
		return m, err
	}
	if m.CleanSession, err = mqttConf.FieldBool("clean_session"); err != nil {
		return m, err
	}

	if mqttConf.Contains("credentials") {
		credsConf := mqttConf.Namespace("credentials")
		m.Credentials.Username, _ = credsConf.FieldString("username")
		m.Credentials.Password, _ = credsConf.FieldString("password")
	}
	return m, nil
}

// InputConfig is the parsed configuration of the sparkplug_b input.
type InputConfig struct {
	MQTT            MQTT          `yaml:"mqtt"`
	Identity        Identity      `yaml:"identity"`
	Role            engine.Role   `yaml:"role"`
	Subscription    Subscription  `yaml:"subscription"`
	Workers         int           `yaml:"workers"`
	RebirthInterval time.Duration `yaml:"rebirth_interval"`
}

// Host returns the host engine configuration.
func (c InputConfig) Host() engine.HostConfig {
	return engine.HostConfig{
		HostID:          c.Identity.EdgeNodeID,
		Role:            c.Role,
		Groups:          c.Subscription.Groups,
		QoS:             c.MQTT.QoS,
		Workers:         c.Workers,
		RebirthInterval: c.RebirthInterval,
	}
}

// OutputConfig is the parsed configuration of the sparkplug_b output.
type OutputConfig struct {
	MQTT       MQTT           `yaml:"mqtt"`
	Identity   Identity       `yaml:"identity"`
	Metrics    []MetricConfig `yaml:"metrics"`
	UseAliases bool           `yaml:"use_aliases"`
}

// Edge returns the edge engine configuration.
func (c OutputConfig) Edge() engine.EdgeConfig {
	cfg := engine.EdgeConfig{
		GroupID:    c.Identity.GroupID,
		EdgeNodeID: c.Identity.EdgeNodeID,
		QoS:        c.MQTT.QoS,
		UseAliases: c.UseAliases,
	}
	if c.Identity.DeviceID != "" {
		cfg.Devices = []string{c.Identity.DeviceID}
	}
	return cfg
}

// Validate checks metric definitions; identities are checked by the engine.
func (c OutputConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Metrics))
	for _, m := range c.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metric name cannot be empty")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("metric %q is defined twice", m.Name)
		}
		seen[m.Name] = struct{}{}
		if _, ok := payload.ParseDataType(m.Type); !ok {
			return fmt.Errorf("metric %q has unknown type %q", m.Name, m.Type)
		}
	}
	return nil
}
