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
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

// Role defines how a host application takes part in the Sparkplug session.
type Role string

const (
	// RoleSecondaryPassive only observes; it never sends rebirth requests.
	RoleSecondaryPassive Role = "secondary_passive"
	// RoleSecondaryActive observes and requests rebirths, without STATE.
	RoleSecondaryActive Role = "secondary_active"
	// RolePrimary additionally owns the retained STATE topic of its host id.
	RolePrimary Role = "primary"
)

// ParseRole validates a role name. The empty string selects the passive default.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "":
		return RoleSecondaryPassive, nil
	case RoleSecondaryPassive, RoleSecondaryActive, RolePrimary:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role '%s': must be 'secondary_passive' (default), 'secondary_active', or 'primary'", s)
}

// Defaults applied by ApplyDefaults.
const (
	DefaultWorkers          = 4
	DefaultQueueSize        = 256
	DefaultEventBuffer      = 1000
	DefaultRebirthInterval  = 5 * time.Second
	DefaultRebirthCacheSize = 4096
	DefaultPublishInterval  = time.Second
)

// HostConfig configures a host application engine.
type HostConfig struct {
	// HostID names the STATE topic of a primary host.
	HostID string `yaml:"host_id"`
	Role   Role   `yaml:"role"`
	// Groups restricts the subscription; empty means every group.
	Groups []string `yaml:"groups"`
	QoS    byte     `yaml:"qos"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int `yaml:"event_buffer"`

	// RebirthInterval is the minimum time between two rebirth requests to one node.
	RebirthInterval time.Duration `yaml:"rebirth_interval"`
	// RebirthCacheSize bounds the number of nodes with a rebirth limiter.
	RebirthCacheSize int `yaml:"rebirth_cache_size"`
}

// ApplyDefaults fills unset fields.
func (c *HostConfig) ApplyDefaults() {
	if c.Role == "" {
		c.Role = RoleSecondaryPassive
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.RebirthInterval <= 0 {
		c.RebirthInterval = DefaultRebirthInterval
	}
	if c.RebirthCacheSize <= 0 {
		c.RebirthCacheSize = DefaultRebirthCacheSize
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *HostConfig) Validate() error {
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.Role == RolePrimary {
		if c.HostID == "" {
			return errors.New("host_id is required for the primary role")
		}
		if err := topic.ValidateID("host_id", c.HostID); err != nil {
			return err
		}
	}
	for _, g := range c.Groups {
		if err := topic.ValidateID("group_id", g); err != nil {
			return err
		}
	}
	if c.QoS > 2 {
		return fmt.Errorf("QoS must be 0, 1, or 2, got %d", c.QoS)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// SubscriptionFilters returns the MQTT filters the host subscribes to.
func (c *HostConfig) SubscriptionFilters() []string {
	if len(c.Groups) == 0 {
		return []string{topic.SubscriptionFilter("")}
	}
	filters := make([]string, 0, len(c.Groups)+1)
	for _, g := range c.Groups {
		filters = append(filters, topic.SubscriptionFilter(g))
	}
	return append(filters, topic.StateTopic("+"))
}

// StateTopic returns the STATE topic owned by a primary host.
func (c *HostConfig) StateTopic() string {
	return topic.StateTopic(c.HostID)
}

// EdgeConfig configures an edge node engine.
type EdgeConfig struct {
	GroupID    string   `yaml:"group_id"`
	EdgeNodeID string   `yaml:"edge_node_id"`
	Devices    []string `yaml:"devices"`
	QoS        byte     `yaml:"qos"`

	// PublishInterval is the sampling period of registered sources.
	PublishInterval time.Duration `yaml:"publish_interval"`
	// UseAliases assigns an alias to every born metric; data messages then
	// carry the alias instead of the name.
	UseAliases bool `yaml:"use_aliases"`
}

// ApplyDefaults fills unset fields.
func (c *EdgeConfig) ApplyDefaults() {
	if c.PublishInterval <= 0 {
		c.PublishInterval = DefaultPublishInterval
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *EdgeConfig) Validate() error {
	if err := topic.ValidateID("group_id", c.GroupID); err != nil {
		return err
	}
	if err := topic.ValidateID("edge_node_id", c.EdgeNodeID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if err := topic.ValidateID("device_id", d); err != nil {
			return err
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("device %q is listed twice", d)
		}
		seen[d] = struct{}{}
	}
	if c.QoS > 2 {
		return fmt.Errorf("QoS must be 0, 1, or 2, got %d", c.QoS)
	}
	return nil
}
