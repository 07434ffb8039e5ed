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

package command_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/command"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/session"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, b []byte, qos byte, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, published{topic: topic, payload: b, qos: qos})
	return nil
}

func (r *recordingPublisher) decoded(i int) payload.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := payload.Decode(r.sent[i].payload)
	Expect(err).NotTo(HaveOccurred())
	return p
}

var (
	node = session.EdgeNodeIdentity{GroupID: "Tutorial", EdgeNodeID: "esp32"}
	led  = session.DeviceIdentity{Node: node, DeviceID: "led"}
)

var _ = Describe("Dispatcher", func() {
	var (
		pub *recordingPublisher
		d   *command.Dispatcher
		ctx context.Context
	)

	BeforeEach(func() {
		pub = &recordingPublisher{}
		d = command.NewDispatcher(pub, 1, service.MockResources())
		ctx = context.Background()
	})

	Context("inbound commands", func() {
		It("invokes the LED_Command handler exactly once with true", func() {
			var calls []any
			Expect(d.RegisterHandler(led, "LED_Command", func(_ context.Context, cmd command.Command) error {
				calls = append(calls, cmd.Metric.Value)
				return nil
			})).To(Succeed())

			err := d.DispatchInbound(ctx, command.Command{Target: led, Metric: payload.BoolMetric("LED_Command", true)})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal([]any{true}))
		})

		It("reports an unregistered command name without panicking", func() {
			var err error
			Expect(func() {
				err = d.DispatchInbound(ctx, command.Command{Target: led, Metric: payload.BoolMetric("Fan_Command", true)})
			}).NotTo(Panic())
			Expect(err).To(MatchError(command.ErrUnknownCommand))
		})

		It("scopes handlers by identity", func() {
			Expect(d.RegisterHandler(led, "LED_Command", func(context.Context, command.Command) error { return nil })).To(Succeed())
			other := session.DeviceIdentity{Node: node, DeviceID: "fan"}
			err := d.DispatchInbound(ctx, command.Command{Target: other, Metric: payload.BoolMetric("LED_Command", true)})
			Expect(err).To(MatchError(command.ErrUnknownCommand))
		})

		It("rejects a second handler for the same identity and metric", func() {
			h := func(context.Context, command.Command) error { return nil }
			Expect(d.RegisterHandler(led, "LED_Command", h)).To(Succeed())
			Expect(d.RegisterHandler(led, "LED_Command", h)).To(MatchError(command.ErrHandlerExists))
			Expect(d.RegisterHandler(session.DeviceIdentity{Node: node}, "LED_Command", h)).To(Succeed())
		})

		It("wraps handler errors", func() {
			boom := errors.New("actuator jammed")
			Expect(d.RegisterHandler(led, "LED_Command", func(context.Context, command.Command) error { return boom })).To(Succeed())
			err := d.DispatchInbound(ctx, command.Command{Target: led, Metric: payload.BoolMetric("LED_Command", true)})
			Expect(err).To(MatchError(boom))
		})

		It("dispatches every metric of a payload and joins the failures", func() {
			count := 0
			Expect(d.RegisterHandler(led, "LED_Command", func(context.Context, command.Command) error {
				count++
				return nil
			})).To(Succeed())
			err := d.DispatchAll(ctx, led, []payload.Metric{
				payload.BoolMetric("LED_Command", true),
				payload.BoolMetric("Unknown", true),
			})
			Expect(count).To(Equal(1))
			Expect(err).To(MatchError(command.ErrUnknownCommand))
		})

		It("forgets handlers of an unregistered identity", func() {
			Expect(d.RegisterHandler(led, "LED_Command", func(context.Context, command.Command) error { return nil })).To(Succeed())
			Expect(d.HasHandlers(led)).To(BeTrue())
			d.UnregisterHandlers(led)
			Expect(d.HasHandlers(led)).To(BeFalse())
		})
	})

	Context("outbound messages", func() {
		It("publishes DDATA with increasing sequence numbers", func() {
			for i := 0; i < 3; i++ {
				p, err := d.PublishOutbound(ctx, led, payload.DoubleMetric("Temperature", 21.5))
				Expect(err).NotTo(HaveOccurred())
				Expect(p.Seq).To(Equal(uint64(i)))
			}
			Expect(pub.sent).To(HaveLen(3))
			Expect(pub.sent[0].topic).To(Equal("spBv1.0/Tutorial/DDATA/esp32/led"))
			Expect(pub.sent[0].qos).To(Equal(byte(1)))
			Expect(pub.decoded(2).Seq).To(Equal(uint64(2)))
		})

		It("shares one counter between node and device messages", func() {
			_, err := d.PublishOutbound(ctx, session.DeviceIdentity{Node: node}, payload.Int64Metric("uptime", 1))
			Expect(err).NotTo(HaveOccurred())
			p, err := d.PublishOutbound(ctx, led, payload.BoolMetric("LED", true))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Seq).To(Equal(uint64(1)))
			Expect(pub.sent[0].topic).To(Equal("spBv1.0/Tutorial/NDATA/esp32"))
		})

		It("wraps the counter at 255", func() {
			c := d.Counter(node)
			for i := 0; i < 255; i++ {
				c.Next()
			}
			p, err := d.PublishOutbound(ctx, led, payload.BoolMetric("LED", true))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Seq).To(Equal(uint64(255)))
			p, err = d.PublishOutbound(ctx, led, payload.BoolMetric("LED", true))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Seq).To(Equal(uint64(0)))
		})

		It("does not consume a sequence number for invalid metrics", func() {
			_, err := d.PublishOutbound(ctx, led, payload.Metric{Name: "bad", DataType: payload.Boolean, Value: "yes"})
			Expect(err).To(MatchError(payload.ErrTypeMismatch))
			Expect(d.Counter(node).Current()).To(Equal(uint8(0)))
		})

		It("returns transport errors", func() {
			pub.err = errors.New("broker gone")
			_, err := d.PublishOutbound(ctx, led, payload.BoolMetric("LED", true))
			Expect(err).To(MatchError("broker gone"))
		})

		It("publishes commands to the DCMD and NCMD topics", func() {
			_, err := d.PublishCommand(ctx, led, payload.BoolMetric("LED_Command", true))
			Expect(err).NotTo(HaveOccurred())
			Expect(d.RequestRebirth(ctx, node)).To(Succeed())

			Expect(pub.sent[0].topic).To(Equal("spBv1.0/Tutorial/DCMD/esp32/led"))
			Expect(pub.sent[1].topic).To(Equal("spBv1.0/Tutorial/NCMD/esp32"))
			Expect(command.IsRebirthRequest(pub.decoded(1).Metrics)).To(BeTrue())
		})
	})

	It("builds the rebirth command", func() {
		t, p, err := command.RebirthCommand(node)
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal("spBv1.0/Tutorial/NCMD/esp32"))
		Expect(p.HasSeq).To(BeFalse())
		m, ok := p.MetricByName(command.RebirthMetricName)
		Expect(ok).To(BeTrue())
		Expect(m.Value).To(Equal(true))
		Expect(command.IsRebirthRequest([]payload.Metric{command.RebirthMetric(false)})).To(BeFalse())
	})
})
