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

package sequence_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/sequence"
	"github.com/united-manufacturing-hub/sparkplug-engine/pkg/sparkplug/topic"
)

const node = "FactoryA/Line1"

var _ = Describe("Tracker", func() {
	var tracker *sequence.Tracker

	BeforeEach(func() {
		tracker = sequence.NewTracker()
	})

	It("accepts exactly (last+1) mod 256 for every birth baseline", func() {
		for b := 0; b <= sequence.MaxSeq; b++ {
			Expect(tracker.Observe(node, topic.NodeBirth, uint64(b))).To(Equal(sequence.Reset))
			next := uint64((b + 1) % 256)
			for s := 0; s <= sequence.MaxSeq; s++ {
				if uint64(s) == next {
					continue
				}
				fresh := sequence.NewTracker()
				fresh.Observe(node, topic.NodeBirth, uint64(b))
				Expect(fresh.Observe(node, topic.NodeData, uint64(s))).To(Equal(sequence.Gap),
					"birth %d, seq %d", b, s)
			}
			Expect(tracker.Observe(node, topic.NodeData, next)).To(Equal(sequence.Continue), "birth %d", b)
		}
	})

	It("wraps from 255 to 0", func() {
		Expect(tracker.Observe(node, topic.NodeBirth, 254)).To(Equal(sequence.Reset))
		Expect(tracker.Observe(node, topic.DeviceData, 255)).To(Equal(sequence.Continue))
		Expect(tracker.Observe(node, topic.DeviceData, 0)).To(Equal(sequence.Continue))
		expected, ok := tracker.Expected(node)
		Expect(ok).To(BeTrue())
		Expect(expected).To(Equal(uint8(1)))
	})

	It("freezes on a gap until the next birth", func() {
		tracker.Observe(node, topic.NodeBirth, 0)
		Expect(tracker.Observe(node, topic.DeviceData, 1)).To(Equal(sequence.Continue))
		Expect(tracker.Observe(node, topic.DeviceData, 3)).To(Equal(sequence.Gap))
		Expect(tracker.Frozen(node)).To(BeTrue())

		// the would-be next value after the gap is still a gap while frozen
		Expect(tracker.Observe(node, topic.DeviceData, 4)).To(Equal(sequence.Gap))
		_, ok := tracker.Expected(node)
		Expect(ok).To(BeFalse())

		Expect(tracker.Observe(node, topic.NodeBirth, 0)).To(Equal(sequence.Reset))
		Expect(tracker.Frozen(node)).To(BeFalse())
		Expect(tracker.Observe(node, topic.DeviceData, 1)).To(Equal(sequence.Continue))
	})

	It("treats data for a node that never birthed as a gap", func() {
		Expect(tracker.Observe(node, topic.NodeData, 0)).To(Equal(sequence.Gap))
		Expect(tracker.Frozen(node)).To(BeTrue())
	})

	It("shares one counter across node and device messages", func() {
		tracker.Observe(node, topic.NodeBirth, 0)
		Expect(tracker.Observe(node, topic.DeviceBirth, 1)).To(Equal(sequence.Continue))
		Expect(tracker.Observe(node, topic.NodeData, 2)).To(Equal(sequence.Continue))
		Expect(tracker.Observe(node, topic.DeviceData, 3)).To(Equal(sequence.Continue))
		Expect(tracker.Observe(node, topic.DeviceDeath, 4)).To(Equal(sequence.Continue))
	})

	It("keeps nodes independent", func() {
		tracker.Observe(node, topic.NodeBirth, 0)
		tracker.Observe("FactoryA/Line2", topic.NodeBirth, 10)
		Expect(tracker.Observe(node, topic.NodeData, 5)).To(Equal(sequence.Gap))
		Expect(tracker.Observe("FactoryA/Line2", topic.NodeData, 11)).To(Equal(sequence.Continue))
	})

	DescribeTable("skips message types without a node sequence",
		func(mt topic.MessageType) {
			Expect(tracker.Observe(node, mt, 99)).To(Equal(sequence.Skipped))
			Expect(tracker.Len()).To(BeZero())
		},
		Entry("STATE", topic.State),
		Entry("NDEATH", topic.NodeDeath),
		Entry("NCMD", topic.NodeCommand),
		Entry("DCMD", topic.DeviceCommand),
	)

	It("rejects out-of-range values", func() {
		Expect(tracker.Observe(node, topic.NodeBirth, 256)).To(Equal(sequence.Gap))
		tracker.Observe(node, topic.NodeBirth, 255)
		Expect(tracker.Observe(node, topic.NodeData, 256)).To(Equal(sequence.Gap))
	})

	It("forgets a node", func() {
		tracker.Observe(node, topic.NodeBirth, 0)
		tracker.Forget(node)
		Expect(tracker.Len()).To(BeZero())
		Expect(tracker.Observe(node, topic.NodeData, 1)).To(Equal(sequence.Gap))
	})

	It("formats gap errors", func() {
		err := sequence.GapError(node, 2, 3)
		Expect(errors.Is(err, sequence.ErrSequenceGap)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("expected 2, got 3"))
	})
})

var _ = Describe("Counter", func() {
	It("hands out 0..255 and wraps", func() {
		c := sequence.NewCounter()
		for i := 0; i < 256; i++ {
			Expect(c.Next()).To(Equal(uint8(i)))
		}
		Expect(c.Next()).To(Equal(uint8(0)))
		Expect(c.Current()).To(Equal(uint8(1)))
	})

	It("restarts at 0 after Reset", func() {
		c := sequence.NewCounter()
		c.Next()
		c.Next()
		c.Reset()
		Expect(c.Next()).To(Equal(uint8(0)))
	})

	It("is safe for concurrent use", func() {
		c := sequence.NewCounter()
		seen := make(chan uint8, 256)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 32; j++ {
					seen <- c.Next()
				}
			}()
		}
		wg.Wait()
		close(seen)

		unique := map[uint8]struct{}{}
		for s := range seen {
			unique[s] = struct{}{}
		}
		Expect(unique).To(HaveLen(256))
	})
})

var _ = Describe("BirthDeathCounter", func() {
	It("advances and wraps at 255", func() {
		b := sequence.NewBirthDeathCounter()
		Expect(b.Current()).To(Equal(uint64(0)))
		Expect(b.Advance()).To(Equal(uint64(1)))
		for i := 0; i < 254; i++ {
			b.Advance()
		}
		Expect(b.Current()).To(Equal(uint64(255)))
		Expect(b.Advance()).To(Equal(uint64(0)))
	})
})
