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
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

const outputYAML = `
mqtt:
  client_id: line3
identity:
  group_id: FactoryA
  edge_node_id: Line3
  device_id: Press
metrics:
  - name: temperature
    type: double
  - name: running
    type: boolean
    value_from: state
`

func newTestOutput(yaml string, broker *transport.MemoryBroker) *sparkplugOutput {
	conf, err := outputConfigSpec().ParseYAML(yaml, nil)
	Expect(err).NotTo(HaveOccurred())
	out, err := newSparkplugOutput(conf, service.MockResources())
	Expect(err).NotTo(HaveOccurred())
	out.newClient = memoryClients(broker)
	return out
}

func jsonMessage(body string, meta map[string]string) *service.Message {
	msg := service.NewMessage([]byte(body))
	for k, v := range meta {
		msg.MetaSet(k, v)
	}
	return msg
}

var _ = Describe("Sparkplug B output", func() {
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

	It("rejects writes before Connect", func() {
		out := newTestOutput(outputYAML, broker)
		Expect(out.Write(ctx, jsonMessage(`{"value":1}`, nil))).To(MatchError(service.ErrNotConnected))
	})

	It("leaves the transport disconnected when the birth fails", func() {
		out := newTestOutput(outputYAML, broker)
		var client *transport.MemoryClient
		out.newClient = func(cfg transport.Config, _ *service.Resources) (transport.Client, error) {
			client = broker.NewClient(cfg.ClientID, 0)
			return refusingClient{client}, nil
		}

		err := out.Connect(ctx)
		Expect(err).To(MatchError(transport.ErrTransport))
		Expect(client.IsConnected()).To(BeFalse())
		Expect(out.Write(ctx, jsonMessage(`{"value":1}`, nil))).To(MatchError(service.ErrNotConnected))

		out.newClient = memoryClients(broker)
		Expect(out.Connect(ctx)).To(Succeed())
		defer func() { Expect(out.Close(ctx)).To(Succeed()) }()
		Expect(published(broker, "spBv1.0/FactoryA/NBIRTH/Line3")).To(HaveLen(1))
	})

	Context("once connected", func() {
		var out *sparkplugOutput

		BeforeEach(func() {
			out = newTestOutput(outputYAML, broker)
			Expect(out.Connect(ctx)).To(Succeed())
		})

		AfterEach(func() {
			Expect(out.Close(ctx)).To(Succeed())
		})

		It("publishes NBIRTH and a DBIRTH declaring the configured metrics", func() {
			nbirth := published(broker, "spBv1.0/FactoryA/NBIRTH/Line3")
			Expect(nbirth).To(HaveLen(1))
			Expect(nbirth[0].Seq).To(Equal(uint64(0)))
			bdSeq, ok := nbirth[0].MetricByName("bdSeq")
			Expect(ok).To(BeTrue())
			Expect(bdSeq.Value).To(Equal(uint64(0)))
			_, ok = nbirth[0].MetricByName("Node Control/Rebirth")
			Expect(ok).To(BeTrue())

			dbirth := published(broker, "spBv1.0/FactoryA/DBIRTH/Line3/Press")
			Expect(dbirth).To(HaveLen(1))
			Expect(dbirth[0].Seq).To(Equal(uint64(1)))
			temperature, ok := dbirth[0].MetricByName("temperature")
			Expect(ok).To(BeTrue())
			Expect(temperature.DataType).To(Equal(payload.Double))
			Expect(temperature.IsNull).To(BeTrue())
			running, ok := dbirth[0].MetricByName("running")
			Expect(ok).To(BeTrue())
			Expect(running.DataType).To(Equal(payload.Boolean))
		})

		It("publishes configured fields as DDATA", func() {
			Expect(out.Write(ctx, jsonMessage(`{"value":21.5,"state":true,"other":"x"}`, nil))).To(Succeed())

			ddata := published(broker, "spBv1.0/FactoryA/DDATA/Line3/Press")
			Expect(ddata).To(HaveLen(1))
			Expect(ddata[0].Seq).To(Equal(uint64(2)))
			Expect(ddata[0].Metrics).To(HaveLen(2))
			temperature, _ := ddata[0].MetricByName("temperature")
			Expect(temperature.Value).To(Equal(21.5))
			running, _ := ddata[0].MetricByName("running")
			Expect(running.Value).To(Equal(true))
		})

		It("converts values to the declared datatype", func() {
			Expect(out.Write(ctx, jsonMessage(`{"value":"19"}`, map[string]string{"tag_name": "temperature"}))).To(Succeed())

			ddata := published(broker, "spBv1.0/FactoryA/DDATA/Line3/Press")
			Expect(ddata).To(HaveLen(1))
			Expect(ddata[0].Metrics).To(HaveLen(1))
			Expect(ddata[0].Metrics[0].Name).To(Equal("temperature"))
			Expect(ddata[0].Metrics[0].DataType).To(Equal(payload.Double))
			Expect(ddata[0].Metrics[0].Value).To(Equal(float64(19)))
		})

		It("announces an undeclared tag with a new DBIRTH before publishing it", func() {
			Expect(out.Write(ctx, jsonMessage(`{"value":40}`, map[string]string{"tag_name": "humidity"}))).To(Succeed())

			dbirth := published(broker, "spBv1.0/FactoryA/DBIRTH/Line3/Press")
			Expect(dbirth).To(HaveLen(2))
			humidity, ok := dbirth[1].MetricByName("humidity")
			Expect(ok).To(BeTrue())
			Expect(humidity.DataType).To(Equal(payload.Int64))
			Expect(humidity.Value).To(Equal(int64(40)))
			_, ok = dbirth[1].MetricByName("temperature")
			Expect(ok).To(BeTrue())

			Expect(out.Write(ctx, jsonMessage(`{"value":41}`, map[string]string{"tag_name": "humidity"}))).To(Succeed())
			ddata := published(broker, "spBv1.0/FactoryA/DDATA/Line3/Press")
			Expect(ddata).To(HaveLen(1))
			Expect(ddata[0].Metrics[0].Value).To(Equal(int64(41)))
		})

		It("skips messages without any known field", func() {
			Expect(out.Write(ctx, jsonMessage(`{"unrelated":1}`, nil))).To(Succeed())
			Expect(published(broker, "spBv1.0/FactoryA/DDATA/Line3/Press")).To(BeEmpty())
		})

		It("fails a value that cannot be converted", func() {
			err := out.Write(ctx, jsonMessage(`{"value":"hot"}`, map[string]string{"tag_name": "temperature"}))
			Expect(err).To(MatchError(payload.ErrTypeMismatch))
		})

		It("publishes NDEATH with the birth's bdSeq on Close", func() {
			Expect(out.Close(ctx)).To(Succeed())

			ndeath := published(broker, "spBv1.0/FactoryA/NDEATH/Line3")
			Expect(ndeath).To(HaveLen(1))
			Expect(ndeath[0].HasSeq).To(BeFalse())
			bdSeq, ok := ndeath[0].MetricByName("bdSeq")
			Expect(ok).To(BeTrue())
			Expect(bdSeq.Value).To(Equal(uint64(0)))
		})
	})

	It("publishes data by alias when aliases are enabled", func() {
		out := newTestOutput(outputYAML+"use_aliases: true\n", broker)
		Expect(out.Connect(ctx)).To(Succeed())
		defer func() { Expect(out.Close(ctx)).To(Succeed()) }()

		dbirth := published(broker, "spBv1.0/FactoryA/DBIRTH/Line3/Press")
		Expect(dbirth).To(HaveLen(1))
		temperature, ok := dbirth[0].MetricByName("temperature")
		Expect(ok).To(BeTrue())
		Expect(temperature.HasAlias).To(BeTrue())

		Expect(out.Write(ctx, jsonMessage(`{"value":20.5}`, nil))).To(Succeed())
		ddata := published(broker, "spBv1.0/FactoryA/DDATA/Line3/Press")
		Expect(ddata).To(HaveLen(1))
		Expect(ddata[0].Metrics).To(HaveLen(1))
		Expect(ddata[0].Metrics[0].Name).To(BeEmpty())
		Expect(ddata[0].Metrics[0].Alias).To(Equal(temperature.Alias))
		Expect(ddata[0].Metrics[0].Value).To(Equal(20.5))
	})
})

// refusingClient connects but the broker rejects every publish.
type refusingClient struct {
	*transport.MemoryClient
}

func (refusingClient) Publish(_ context.Context, topicName string, _ []byte, _ byte, _ bool) error {
	return fmt.Errorf("%w: broker refused publish on %s", transport.ErrTransport, topicName)
}
