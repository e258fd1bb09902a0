// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package events

import (
	"encoding/json"
	"sync"
)

// InProcessBus fans out published payloads to in-process subscribers
// only; used when no external event stream is configured, and in tests.
type InProcessBus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]func(payload []byte)
}

// NewInProcessBus returns a ready, empty InProcessBus.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{subscribers: map[Topic][]func(payload []byte){}}
}

// Publish implements Bus.
func (b *InProcessBus) Publish(topic Topic, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	handlers := append([]func(payload []byte){}, b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe implements Bus.
func (b *InProcessBus) Subscribe(topic Topic, handler func(payload []byte)) (func(), error) {
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	idx := len(b.subscribers[topic]) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[topic]
		if idx < len(handlers) {
			handlers[idx] = func([]byte) {}
		}
	}, nil
}

// Close implements Bus; the in-process bus holds no external resource.
func (b *InProcessBus) Close() {}

func encodePayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}
