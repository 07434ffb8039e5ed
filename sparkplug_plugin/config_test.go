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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
)

func parseInput(yaml string) (InputConfig, error) {
	conf, err := inputConfigSpec().ParseYAML(yaml, nil)
	if err != nil {
		return InputConfig{}, err
	}
	return parseInputConfig(conf)
}

func parseOutput(yaml string) (OutputConfig, error) {
	conf, err := outputConfigSpec().ParseYAML(yaml, nil)
	if err != nil {
		return OutputConfig{}, err
	}
	return parseOutputConfig(conf)
}

var _ = Describe("Configuration", func() {
	Context("sparkplug_b input", func() {
		It("applies defaults for a minimal config", func() {
			cfg, err := parseInput(`
mqtt:
  urls: ["tcp://localhost:1883"]
`)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MQTT.URLs).To(Equal([]string{"tcp://localhost:1883"}))
			Expect(cfg.MQTT.ClientID).To(Equal("benthos-sparkplug-input"))
			Expect(cfg.MQTT.QoS).To(Equal(byte(1)))
			Expect(cfg.MQTT.KeepAlive).To(Equal(60 * time.Second))
			Expect(cfg.Role).To(Equal(engine.RoleSecondaryPassive))
			Expect(cfg.Workers).To(Equal(engine.DefaultWorkers))
			Expect(cfg.RebirthInterval).To(Equal(engine.DefaultRebirthInterval))
		})

		It("maps a primary host onto the host engine config", func() {
			cfg, err := parseInput(`
mqtt:
  urls: ["tcp://broker:1883"]
  qos: 0
  credentials:
    username: scada
    password: secret
identity:
  edge_node_id: ScadaHost
role: primary
subscription:
  groups: [FactoryA, FactoryB]
workers: 8
rebirth_interval: 2s
`)
			Expect(err).NotTo(HaveOccurred())

			host := cfg.Host()
			Expect(host.HostID).To(Equal("ScadaHost"))
			Expect(host.Role).To(Equal(engine.RolePrimary))
			Expect(host.Groups).To(Equal([]string{"FactoryA", "FactoryB"}))
			Expect(host.QoS).To(Equal(byte(0)))
			Expect(host.Workers).To(Equal(8))
			Expect(host.RebirthInterval).To(Equal(2 * time.Second))

			transportCfg := cfg.MQTT.Transport()
			Expect(transportCfg.Username).To(Equal("scada"))
			Expect(transportCfg.Password).To(Equal("secret"))
		})

		It("requires a host id for the primary role", func() {
			_, err := parseInput(`
mqtt:
  urls: ["tcp://localhost:1883"]
role: primary
`)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown role", func() {
			_, err := parseInput(`
role: observer
`)
			Expect(err).To(MatchError(ContainSubstring("observer")))
		})

		It("rejects an invalid QoS", func() {
			_, err := parseInput(`
mqtt:
  qos: 3
`)
			Expect(err).To(MatchError(ContainSubstring("QoS must be 0, 1, or 2")))
		})

		It("rejects a group id containing MQTT wildcards", func() {
			_, err := parseInput(`
subscription:
  groups: ["Factory/#"]
`)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("sparkplug_b output", func() {
		It("parses identity and metric definitions", func() {
			cfg, err := parseOutput(`
mqtt:
  urls: ["tcp://localhost:1883"]
identity:
  group_id: FactoryA
  edge_node_id: Line3
  device_id: Press
metrics:
  - name: temperature
    type: Double
  - name: running
    type: boolean
    value_from: state
use_aliases: true
`)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MQTT.ClientID).To(Equal("benthos-sparkplug-output"))
			Expect(cfg.Metrics).To(Equal([]MetricConfig{
				{Name: "temperature", Type: "double", ValueFrom: "value"},
				{Name: "running", Type: "boolean", ValueFrom: "state"},
			}))

			edge := cfg.Edge()
			Expect(edge.GroupID).To(Equal("FactoryA"))
			Expect(edge.EdgeNodeID).To(Equal("Line3"))
			Expect(edge.Devices).To(Equal([]string{"Press"}))
			Expect(edge.UseAliases).To(BeTrue())
		})

		It("publishes node-level data without a device id", func() {
			cfg, err := parseOutput(`
identity:
  group_id: FactoryA
  edge_node_id: Line3
`)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Metrics).To(BeEmpty())
			Expect(cfg.Edge().Devices).To(BeEmpty())
		})

		It("requires an edge node id", func() {
			_, err := parseOutput(`
identity:
  group_id: FactoryA
`)
			Expect(err).To(HaveOccurred())
		})

		DescribeTable("rejects invalid metric definitions",
			func(metrics string, want string) {
				_, err := parseOutput(`
identity:
  group_id: FactoryA
  edge_node_id: Line3
metrics:
` + metrics)
				Expect(err).To(MatchError(ContainSubstring(want)))
			},
			Entry("unknown type", "  - name: temperature\n    type: decimal\n", "unknown type"),
			Entry("duplicate name", "  - name: temperature\n  - name: temperature\n", "defined twice"),
			Entry("empty name", "  - name: \"\"\n", "cannot be empty"),
		)

		It("rejects identifiers with reserved characters", func() {
			_, err := parseOutput(`
identity:
  group_id: Factory+A
  edge_node_id: Line3
`)
			Expect(err).To(HaveOccurred())
		})
	})
})
