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

// Package cache holds the process-local maps named by spec §4.9(iv)
// and §4.7: download tickets and auth cooldowns (A8). Download
// tickets use a ttlcache so expiry is handled by the library; the
// cooldown map uses gcache's LRU, the same library the
// teacher uses for its thumbnail cache, since they need a bounded size
// as well as a TTL.
package cache

import (
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/jellydator/ttlcache/v2"

	"github.com/opencloud-eu/filestorage/pkg/download"
)

// DefaultCooldownSize bounds the gcache LRU map so a flood of distinct
// IPs/tokens can't grow it unbounded; eviction beyond this size is an
// acceptable miss, not a correctness issue, since the map is advisory.
const DefaultCooldownSize = 10000

// TicketStore maps an opaque download ticket to the resolved handoff,
// per spec §4.7's "ticket → (user_file_id, expires_at)" note. Held in
// a ttlcache rather than a bare map so expiry is handled by the
// library instead of hand-rolled sweeping; Prune is still called by
// the housekeeping duty for uniformity with the other in-memory maps.
type TicketStore struct {
	cache    *ttlcache.Cache
	lifetime time.Duration
}

// NewTicketStore builds a TicketStore whose entries expire after ttl.
func NewTicketStore(ttl time.Duration) *TicketStore {
	c := ttlcache.NewCache()
	_ = c.SetTTL(ttl)
	c.SkipTTLExtensionOnHit(true)
	return &TicketStore{cache: c, lifetime: ttl}
}

// Put stores a handoff under ticket, returning the instant it expires.
func (t *TicketStore) Put(ticket string, handoff download.Handoff) time.Time {
	_ = t.cache.Set(ticket, handoff)
	return time.Now().Add(t.ttl())
}

func (t *TicketStore) ttl() time.Duration {
	// ttlcache/v2 doesn't expose the configured TTL back, so the value
	// given to NewTicketStore is kept alongside the cache.
	return t.lifetime
}

// Get looks up a previously issued ticket. ok is false once the ticket
// has expired or was never issued.
func (t *TicketStore) Get(ticket string) (download.Handoff, bool) {
	v, err := t.cache.Get(ticket)
	if err != nil {
		return download.Handoff{}, false
	}
	h, ok := v.(download.Handoff)
	return h, ok
}

// Revoke removes a ticket before its natural expiry, e.g. once the
// handoff has been redeemed and shouldn't be reused.
func (t *TicketStore) Revoke(ticket string) {
	_ = t.cache.Remove(ticket)
}

// Prune implements worker.InMemoryPruner. ttlcache already expires
// entries lazily on Get, so this is a no-op kept for the uniform sweep
// the housekeeping duty performs across every process-local map.
func (t *TicketStore) Prune(time.Time) {}

// CooldownStore tracks failed-attempt counters per key (typically an
// IP address or share token), the in-process default named by spec
// §9's rearchitecture note before a deployment grows into A9's redis
// store.
type CooldownStore struct {
	mu       sync.Mutex
	cache    gcache.Cache
	window   time.Duration
	maxTries int
}

// NewCooldownStore builds a CooldownStore that locks a key out once it
// accrues maxTries failures within window.
func NewCooldownStore(size, maxTries int, window time.Duration) *CooldownStore {
	if size <= 0 {
		size = DefaultCooldownSize
	}
	return &CooldownStore{cache: gcache.New(size).LRU().Build(), window: window, maxTries: maxTries}
}

// Allow reports whether key is still permitted to attempt, i.e. has
// not yet hit maxTries within the current window.
func (c *CooldownStore) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.cache.Get(key)
	if err != nil {
		return true
	}
	count, _ := v.(int)
	return count < c.maxTries
}

// RecordFailure increments key's failure counter, resetting its window.
func (c *CooldownStore) RecordFailure(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 1
	if v, err := c.cache.Get(key); err == nil {
		if n, ok := v.(int); ok {
			count = n + 1
		}
	}
	_ = c.cache.SetWithExpire(key, count, c.window)
}

// Reset clears key's failure counter, e.g. after a successful attempt.
func (c *CooldownStore) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Prune implements worker.InMemoryPruner; gcache expires lazily on
// access, so there is nothing to sweep proactively.
func (c *CooldownStore) Prune(time.Time) {}
