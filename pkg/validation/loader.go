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

package validation

import (
	"time"

	"github.com/jellydator/ttlcache/v2"
)

const rulesCacheKey = "rules"

// FetchFunc reads the current validation rule set from durable storage
// (allowed_mimes, blocked_extensions, magic_signatures).
type FetchFunc func() (Rules, error)

// CachedLoader wraps a FetchFunc with a short-TTL cache so the hot
// upload path doesn't hit the database on every request, while still
// picking up rule changes without a restart (spec §4.2).
type CachedLoader struct {
	fetch FetchFunc
	cache *ttlcache.Cache
}

// NewCachedLoader returns a Loader that re-fetches at most once per ttl.
func NewCachedLoader(fetch FetchFunc, ttl time.Duration) *CachedLoader {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(ttl)
	l := &CachedLoader{fetch: fetch, cache: cache}
	cache.SetLoaderFunction(func(key string) (interface{}, time.Duration, error) {
		rules, err := fetch()
		if err != nil {
			return nil, 0, err
		}
		return rules, ttl, nil
	})
	return l
}

// Load implements Loader.
func (l *CachedLoader) Load() (Rules, error) {
	v, err := l.cache.Get(rulesCacheKey)
	if err != nil {
		return Rules{}, err
	}
	return v.(Rules), nil
}

// Invalidate forces the next Load to re-fetch.
func (l *CachedLoader) Invalidate() {
	_ = l.cache.Remove(rulesCacheKey)
}

var _ Loader = (*CachedLoader)(nil)
