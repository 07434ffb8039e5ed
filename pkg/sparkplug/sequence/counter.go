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

package sequence

import "sync"

// Counter hands out outbound sequence numbers.
type Counter struct {
	next uint8
	mu   sync.Mutex
}

// NewCounter creates a counter starting at 0.
func NewCounter() *Counter {
	return &Counter{}
}

// Next returns the current sequence number and increments the counter.
func (c *Counter) Next() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.next
	c.next++ // wraps at 256

	return current
}

// Current returns the number the next call to Next will hand out.
func (c *Counter) Current() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Reset makes the next number 0. Every NBIRTH starts a new epoch at seq 0.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
}

// BirthDeathCounter holds the bdSeq that pairs an NBIRTH with its NDEATH will.
type BirthDeathCounter struct {
	current uint64
	mu      sync.Mutex
}

// NewBirthDeathCounter creates a counter starting at 0.
func NewBirthDeathCounter() *BirthDeathCounter {
	return &BirthDeathCounter{}
}

// Current returns the bdSeq of the active session.
func (b *BirthDeathCounter) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Advance moves to the next bdSeq (0..255 wrap) and returns it. Called once
// per new MQTT session, never on a rebirth.
func (b *BirthDeathCounter) Advance() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = (b.current + 1) % (MaxSeq + 1)
	return b.current
}
