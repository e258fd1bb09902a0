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

// Package cooldown is the distributed escape hatch (A9) for auth
// cooldown/rate-limiting state once a deployment grows past a single
// process: the same Store interface pkg/cache's in-process CooldownStore
// satisfies, backed instead by redis so every instance behind a load
// balancer shares one view of a caller's failure count (spec §9).
package cooldown

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config points at the redis instance backing the cooldown store. An
// empty Addr means the caller should stay on the in-process
// pkg/cache.CooldownStore instead (spec §9's "redis when configured, in-
// memory otherwise").
type Config struct {
	Addr     string `mapstructure:"redis_addr"`
	Password string `mapstructure:"redis_password"`
	DB       int    `mapstructure:"redis_db"`
}

// Store is a redis-backed failure counter, keyed by caller (typically an
// IP address or share token).
type Store struct {
	client   *redis.Client
	window   time.Duration
	maxTries int
}

// New connects to the redis instance described by cfg.
func New(cfg Config, maxTries int, window time.Duration) *Store {
	return &Store{
		client:   redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		window:   window,
		maxTries: maxTries,
	}
}

// Allow reports whether key is still permitted to attempt. A redis
// failure fails open (reports true) since a rate limiter being briefly
// unavailable should not itself lock every caller out.
func (s *Store) Allow(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Get(ctx, redisKey(key)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return count < s.maxTries, nil
}

// RecordFailure increments key's failure counter, resetting its TTL to
// the full window on every failure so a steady trickle of attempts stays
// locked out rather than sliding back under the threshold.
func (s *Store) RecordFailure(ctx context.Context, key string) error {
	rk := redisKey(key)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.Expire(ctx, rk, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	_ = incr
	return nil
}

// Reset clears key's failure counter, e.g. after a successful attempt.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Background adapts Store to the context-free Limiter shape the HTTP
// boundary uses, for callers that don't otherwise thread a context
// through the cooldown check (a rejected login attempt has no other
// request-scoped work to cancel alongside it).
type Background struct {
	Store *Store
}

// Allow implements the context-free Limiter shape.
func (b Background) Allow(key string) bool {
	// Store.Allow already reports true alongside a redis error.
	ok, _ := b.Store.Allow(context.Background(), key)
	return ok
}

// RecordFailure implements the context-free Limiter shape.
func (b Background) RecordFailure(key string) {
	_ = b.Store.RecordFailure(context.Background(), key)
}

// Reset implements the context-free Limiter shape.
func (b Background) Reset(key string) {
	_ = b.Store.Reset(context.Background(), key)
}

func redisKey(key string) string {
	return "filestorage:cooldown:" + key
}
