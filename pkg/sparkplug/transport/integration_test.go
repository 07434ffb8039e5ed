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

//go:build integration

package transport_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/transport"
)

var _ = Describe("PahoClient against mosquitto", Ordered, func() {
	var (
		container testcontainers.Container
		brokerURL string
	)

	BeforeAll(func() {
		ctx := context.Background()
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "eclipse-mosquitto:1.6",
				ExposedPorts: []string{"1883/tcp"},
				WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		Expect(err).NotTo(HaveOccurred())

		host, err := container.Host(ctx)
		Expect(err).NotTo(HaveOccurred())
		port, err := container.MappedPort(ctx, "1883/tcp")
		Expect(err).NotTo(HaveOccurred())
		brokerURL = fmt.Sprintf("tcp://%s:%s", host, port.Port())
	})

	AfterAll(func() {
		if container != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = container.Terminate(ctx)
		}
	})

	newClient := func(id string) *transport.PahoClient {
		c, err := transport.NewPahoClient(transport.Config{
			URLs:           []string{brokerURL},
			ClientID:       id,
			ConnectTimeout: 10 * time.Second,
			CleanSession:   true,
		}, service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	It("round-trips a message through the broker", func(ctx SpecContext) {
		sub := newClient("it-host")
		pub := newClient("it-edge")
		defer sub.Close(context.Background())
		defer pub.Close(context.Background())

		Expect(sub.Connect(ctx)).To(Succeed())
		Expect(pub.Connect(ctx)).To(Succeed())
		Expect(sub.Subscribe(ctx, "spBv1.0/IT/+/+", 1)).To(Succeed())

		Expect(pub.Publish(ctx, "spBv1.0/IT/NDATA/E1", []byte{1, 2, 3}, 1, false)).To(Succeed())

		var m transport.Message
		Eventually(sub.Messages(), 5*time.Second).Should(Receive(&m))
		Expect(m.Topic).To(Equal("spBv1.0/IT/NDATA/E1"))
		Expect(m.Payload).To(Equal([]byte{1, 2, 3}))
	}, SpecTimeout(30*time.Second))

	It("delivers retained STATE to late subscribers", func(ctx SpecContext) {
		pub := newClient("it-state")
		defer pub.Close(context.Background())
		Expect(pub.Connect(ctx)).To(Succeed())
		Expect(pub.Publish(ctx, "spBv1.0/STATE/it-host", []byte("ONLINE"), 1, true)).To(Succeed())

		sub := newClient("it-late")
		defer sub.Close(context.Background())
		Expect(sub.Connect(ctx)).To(Succeed())
		Expect(sub.Subscribe(ctx, "spBv1.0/STATE/+", 1)).To(Succeed())

		var m transport.Message
		Eventually(sub.Messages(), 5*time.Second).Should(Receive(&m))
		Expect(m.Retained).To(BeTrue())
		Expect(string(m.Payload)).To(Equal("ONLINE"))
	}, SpecTimeout(30*time.Second))

	It("rejects publishes before Connect", func(ctx SpecContext) {
		c := newClient("it-idle")
		Expect(c.Publish(ctx, "spBv1.0/IT/NDATA/E1", nil, 0, false)).To(MatchError(transport.ErrTransport))
	}, SpecTimeout(10*time.Second))
})
