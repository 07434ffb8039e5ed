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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
)

func sparkplugMessage(topicName string, p payload.Payload) *service.Message {
	b, err := payload.Encode(p)
	Expect(err).NotTo(HaveOccurred())
	msg := service.NewMessage(b)
	msg.MetaSet("mqtt_topic", topicName)
	return msg
}

// aliasOnlyInt encodes a DATA payload whose single metric carries an alias
// and an int_value but no name or datatype.
func aliasOnlyInt(seq uint64, alias uint64, v uint32) []byte {
	var metric []byte
	metric = protowire.AppendTag(metric, 2, protowire.VarintType)
	metric = protowire.AppendVarint(metric, alias)
	metric = protowire.AppendTag(metric, 10, protowire.VarintType)
	metric = protowire.AppendVarint(metric, uint64(v))

	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, metric)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	return b
}

var _ = Describe("Sparkplug B decode processor", func() {
	var (
		ctx  context.Context
		proc *sparkplugProcessor
	)

	nbirth := payload.Payload{
		Timestamp: 1700000000000,
		Metrics: []payload.Metric{
			payload.UInt64Metric("bdSeq", 0),
			payload.DoubleMetric("temperature", 20.0).WithAlias(1),
			{Name: "speed", Alias: 2, HasAlias: true, DataType: payload.Int16, Value: int16(3)},
		},
	}.WithSeq(0)

	newProcessor := func(dropBirth, strict bool) *sparkplugProcessor {
		p, err := newSparkplugProcessor(dropBirth, strict, 16, service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		proc = newProcessor(false, false)
	})

	AfterEach(func() {
		Expect(proc.Close(ctx)).To(Succeed())
	})

	It("splits a birth into one message per metric", func() {
		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NBIRTH/Line3", nbirth))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(3))

		msgs := byMetricName(batch)
		Expect(msgs).To(HaveKey("bdSeq"))
		temperature := msgs["temperature"]
		Expect(metaOf(temperature, "spb_message_type")).To(Equal("NBIRTH"))
		Expect(metaOf(temperature, "spb_group_id")).To(Equal("FactoryA"))
		Expect(metaOf(temperature, "spb_edge_node_id")).To(Equal("Line3"))
		Expect(metaOf(temperature, "spb_sequence")).To(Equal("0"))
		Expect(metaOf(temperature, "spb_alias")).To(Equal("1"))
		Expect(metaOf(temperature, "mqtt_topic")).To(Equal("spBv1.0/FactoryA/NBIRTH/Line3"))
	})

	It("resolves alias-only data metrics from the cached birth", func() {
		_, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NBIRTH/Line3", nbirth))
		Expect(err).NotTo(HaveOccurred())

		data := payload.Payload{
			Metrics: []payload.Metric{{Alias: 1, HasAlias: true, DataType: payload.Double, Value: 22.5}},
		}.WithSeq(1)
		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NDATA/Line3", data))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "spb_metric_name")).To(Equal("temperature"))
		body, _ := batch[0].AsBytes()
		Expect(body).To(MatchJSON(`{"name":"temperature","alias":1,"value":22.5,"datatype":"Double"}`))
	})

	It("types alias-only metrics sent without a datatype", func() {
		_, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NBIRTH/Line3", nbirth))
		Expect(err).NotTo(HaveOccurred())

		msg := service.NewMessage(aliasOnlyInt(1, 2, 7))
		msg.MetaSet("mqtt_topic", "spBv1.0/FactoryA/NDATA/Line3")
		batch, err := proc.Process(ctx, msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "spb_metric_name")).To(Equal("speed"))
		Expect(metaOf(batch[0], "spb_datatype")).To(Equal("Int16"))
	})

	It("keeps aliases of different devices apart", func() {
		dbirth := payload.Payload{
			Metrics: []payload.Metric{payload.BoolMetric("running", true).WithAlias(1)},
		}.WithSeq(1)
		_, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NBIRTH/Line3", nbirth))
		Expect(err).NotTo(HaveOccurred())
		_, err = proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/DBIRTH/Line3/Press", dbirth))
		Expect(err).NotTo(HaveOccurred())

		data := payload.Payload{
			Metrics: []payload.Metric{{Alias: 1, HasAlias: true, DataType: payload.Boolean, Value: false}},
		}.WithSeq(2)
		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/DDATA/Line3/Press", data))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "spb_metric_name")).To(Equal("running"))
		Expect(metaOf(batch[0], "spb_device_id")).To(Equal("Press"))
	})

	It("leaves aliases unresolved without a birth", func() {
		data := payload.Payload{
			Metrics: []payload.Metric{{Alias: 9, HasAlias: true, DataType: payload.Double, Value: 1.0}},
		}.WithSeq(5)
		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NDATA/Line9", data))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "spb_metric_name")).To(Equal("alias_9"))
	})

	It("drops births after caching them when configured", func() {
		proc = newProcessor(true, false)

		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NBIRTH/Line3", nbirth))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(BeEmpty())

		data := payload.Payload{
			Metrics: []payload.Metric{{Alias: 1, HasAlias: true, DataType: payload.Double, Value: 23.0}},
		}.WithSeq(1)
		batch, err = proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NDATA/Line3", data))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "spb_metric_name")).To(Equal("temperature"))
	})

	It("turns an NDEATH into a node offline status", func() {
		death := payload.Payload{Metrics: []payload.Metric{payload.UInt64Metric("bdSeq", 0)}}
		batch, err := proc.Process(ctx, sparkplugMessage("spBv1.0/FactoryA/NDEATH/Line3", death))
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(metaOf(batch[0], "event_type")).To(Equal("node_offline"))

		var status map[string]any
		body, _ := batch[0].AsBytes()
		Expect(json.Unmarshal(body, &status)).To(Succeed())
		Expect(status).To(HaveKeyWithValue("event", "NodeOffline"))
		Expect(status).To(HaveKeyWithValue("edge_node_id", "Line3"))
	})

	It("drops payloads that cannot be decoded", func() {
		msg := service.NewMessage([]byte{0xff, 0xff, 0xff})
		msg.MetaSet("mqtt_topic", "spBv1.0/FactoryA/NDATA/Line3")
		batch, err := proc.Process(ctx, msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(BeEmpty())
	})

	DescribeTable("handles messages without a Sparkplug topic",
		func(strict bool, setTopic bool, topicName string, want int) {
			proc = newProcessor(false, strict)
			msg := service.NewMessage([]byte(`{"plain":"json"}`))
			if setTopic {
				msg.MetaSet("mqtt_topic", topicName)
			}
			batch, err := proc.Process(ctx, msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(HaveLen(want))
			if want == 1 {
				body, _ := batch[0].AsBytes()
				Expect(string(body)).To(Equal(`{"plain":"json"}`))
			}
		},
		Entry("missing topic passes through", false, false, "", 1),
		Entry("foreign topic passes through", false, true, "factory/line3/temperature", 1),
		Entry("STATE topic passes through", false, true, "spBv1.0/STATE/ScadaHost", 1),
		Entry("missing topic is dropped in strict mode", true, false, "", 0),
		Entry("foreign topic is dropped in strict mode", true, true, "factory/line3/temperature", 0),
	)
})
