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
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/engine"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

func newTestInput(yaml string, broker *transport.MemoryBroker) *sparkplugInput {
	conf, err := inputConfigSpec().ParseYAML(yaml, nil)
	Expect(err).NotTo(HaveOccurred())
	in, err := newSparkplugInput(conf, service.MockResources())
	Expect(err).NotTo(HaveOccurred())
	in.newClient = memoryClients(broker)
	return in
}

var _ = Describe("Sparkplug B input", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		broker *transport.MemoryBroker
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		broker = transport.NewMemoryBroker()
	})

	AfterEach(func() {
		cancel()
	})

	It("is not connected before Connect", func() {
		in := newTestInput("mqtt:\n  client_id: host\n", broker)
		_, _, err := in.ReadBatch(ctx)
		Expect(err).To(MatchError(service.ErrNotConnected))
		Expect(in.Close(ctx)).To(Succeed())
	})

	It("returns the transport error when the broker is unreachable", func() {
		in := newTestInput("mqtt:\n  client_id: host\n", broker)
		in.newClient = func(transport.Config, *service.Resources) (transport.Client, error) {
			return nil, transport.ErrTransport
		}
		Expect(in.Connect(ctx)).To(MatchError(transport.ErrTransport))
	})

	Context("connected as a passive host", func() {
		var (
			in   *sparkplugInput
			edge *engine.Edge
		)

		BeforeEach(func() {
			in = newTestInput(`
mqtt:
  client_id: host
subscription:
  groups: [FactoryA]
`, broker)
			Expect(in.Connect(ctx)).To(Succeed())
			// Connect is idempotent.
			Expect(in.Connect(ctx)).To(Succeed())

			var err error
			edge, err = engine.NewEdge(engine.EdgeConfig{
				GroupID:    "FactoryA",
				EdgeNodeID: "Line3",
				Devices:    []string{"Press"},
			}, broker.NewClient("line3", 0), service.MockResources())
			Expect(err).NotTo(HaveOccurred())
			Expect(edge.SetMetrics(ctx, "", payload.StringMetric("firmware", "1.2.0"))).To(Succeed())
			Expect(edge.SetMetrics(ctx, "Press", payload.DoubleMetric("pressure", 1.5))).To(Succeed())
			Expect(edge.Start(ctx)).To(Succeed())
		})

		AfterEach(func() {
			_ = edge.Close(ctx)
			Expect(in.Close(ctx)).To(Succeed())
		})

		It("emits the births of the edge node one message per metric", func() {
			nbirth := byMetricName(readBatch(in, 5*time.Second))
			Expect(nbirth).To(HaveKey("firmware"))
			firmware := nbirth["firmware"]
			Expect(metaOf(firmware, "spb_message_type")).To(Equal("NBIRTH"))
			Expect(metaOf(firmware, "spb_sequence")).To(Equal("0"))
			Expect(metaOf(firmware, "spb_bdseq")).To(Equal("0"))
			Expect(metaOf(firmware, "spb_phase")).To(Equal("birthed"))
			Expect(metaOf(firmware, "spb_datatype")).To(Equal("String"))

			dbirth := readBatch(in, 5*time.Second)
			Expect(dbirth).To(HaveLen(1))
			Expect(metaOf(dbirth[0], "spb_message_type")).To(Equal("DBIRTH"))
			Expect(metaOf(dbirth[0], "spb_device_key")).To(Equal("FactoryA/Line3/Press"))
			Expect(metaOf(dbirth[0], "spb_sequence")).To(Equal("1"))
		})

		It("emits device data and the death of the node", func() {
			readBatch(in, 5*time.Second) // NBIRTH
			readBatch(in, 5*time.Second) // DBIRTH

			_, err := edge.Publish(ctx, "Press", payload.DoubleMetric("pressure", 2.25))
			Expect(err).NotTo(HaveOccurred())

			ddata := readBatch(in, 5*time.Second)
			Expect(ddata).To(HaveLen(1))
			Expect(metaOf(ddata[0], "spb_message_type")).To(Equal("DDATA"))
			Expect(metaOf(ddata[0], "spb_metric_name")).To(Equal("pressure"))
			Expect(metaOf(ddata[0], "spb_sequence")).To(Equal("2"))
			body, err := ddata[0].AsBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(MatchJSON(`{"name":"pressure","value":2.25,"datatype":"Double"}`))

			Expect(edge.Close(ctx)).To(Succeed())

			death := readBatch(in, 5*time.Second)
			Expect(death).To(HaveLen(1))
			Expect(metaOf(death[0], "event_type")).To(Equal("node_offline"))
			var status map[string]any
			body, _ = death[0].AsBytes()
			Expect(json.Unmarshal(body, &status)).To(Succeed())
			Expect(status).To(HaveKeyWithValue("devices", ConsistOf("Press")))
		})

		It("ends the input once closed", func() {
			Expect(in.Close(ctx)).To(Succeed())
			_, _, err := in.ReadBatch(ctx)
			Expect(err).To(MatchError(service.ErrNotConnected))
		})
	})

	It("announces a primary host on its STATE topic", func() {
		in := newTestInput(`
mqtt:
  client_id: scada
identity:
  edge_node_id: ScadaHost
role: primary
`, broker)
		Expect(in.Connect(ctx)).To(Succeed())

		retained, ok := broker.Retained("spBv1.0/STATE/ScadaHost")
		Expect(ok).To(BeTrue())
		Expect(string(retained.Payload)).To(Equal("ONLINE"))

		state := readBatch(in, 5*time.Second)
		Expect(state).To(HaveLen(1))
		Expect(metaOf(state[0], "event_type")).To(Equal("state_change"))
		Expect(metaOf(state[0], "spb_state")).To(Equal("ONLINE"))

		Expect(in.Close(ctx)).To(Succeed())
		retained, _ = broker.Retained("spBv1.0/STATE/ScadaHost")
		Expect(string(retained.Payload)).To(Equal("OFFLINE"))
	})
})
