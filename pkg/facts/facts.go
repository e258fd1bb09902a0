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

// Package facts implements the per-owner aggregate totals (C10):
// opportunistic refresh coalesced per owner, served from the stored row
// when fresh and synchronously refreshed otherwise.
package facts

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

const staleAfter = 10 * time.Second

var (
	totalBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestorage_owner_total_bytes",
		Help: "Sum of live file sizes across all owners, from the most recent facts refresh of each.",
	})
	totalFilesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestorage_owner_total_files",
		Help: "Sum of live file counts across all owners, from the most recent facts refresh of each.",
	})

	perOwnerBytesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filestorage_owner_total_bytes_by_owner",
		Help: "Per-owner live file size total; only emitted for owners in the allowlist (unbounded cardinality otherwise).",
	}, []string{"owner_id"})
)

func init() {
	prometheus.MustRegister(totalBytesGauge, totalFilesGauge, perOwnerBytesGauge)
}

// Service serves and refreshes OwnerFacts rows.
type Service struct {
	facts *store.Facts
	files *store.UserFiles

	mu         sync.Mutex
	totalBytes map[string]int64 // owner_id -> total_bytes, retained across refreshes to recompute the global rollup
	fileCounts map[string]int64
	pending    map[string]bool
	allowlist  map[string]bool // owners whose per-owner gauge is exported; nil/empty disables per-owner gauges entirely
}

// New builds a Service. allowlist may be nil, in which case only the
// global rollup gauges are exported (spec SPEC_FULL.md §4.10's
// cardinality caveat).
func New(s *store.Store, allowlist []string) *Service {
	set := make(map[string]bool, len(allowlist))
	for _, id := range allowlist {
		set[id] = true
	}
	return &Service{
		facts:      s.Facts(),
		files:      s.UserFiles(),
		totalBytes: map[string]int64{},
		fileCounts: map[string]int64{},
		pending:    map[string]bool{},
		allowlist:  set,
	}
}

// Get returns the owner's facts, synchronously refreshing first if the
// stored row is missing or older than 10s.
func (svc *Service) Get(ctx context.Context, ownerID string) (model.OwnerFacts, error) {
	existing, ok, err := svc.facts.Get(ctx, ownerID)
	if err != nil {
		return model.OwnerFacts{}, err
	}
	if ok && !store.IsStale(existing, time.Now(), staleAfter) {
		return existing, nil
	}
	return svc.refresh(ctx, ownerID)
}

// RequestRefresh implements fileservice.FactsRefresher: it dispatches an
// asynchronous refresh, coalescing concurrent requests for the same
// owner into one in-flight refresh.
func (svc *Service) RequestRefresh(ownerID string) {
	svc.mu.Lock()
	if svc.pending[ownerID] {
		svc.mu.Unlock()
		return
	}
	svc.pending[ownerID] = true
	svc.mu.Unlock()

	go func() {
		defer func() {
			svc.mu.Lock()
			delete(svc.pending, ownerID)
			svc.mu.Unlock()
		}()
		ctx := context.Background()
		if _, err := svc.refresh(ctx, ownerID); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("owner_id", ownerID).Msg("facts refresh failed")
		}
	}()
}

func (svc *Service) refresh(ctx context.Context, ownerID string) (model.OwnerFacts, error) {
	fileCount, totalBytes, byCategory, err := svc.files.AggregateOwnerFacts(ctx, ownerID)
	if err != nil {
		return model.OwnerFacts{}, err
	}

	f := model.OwnerFacts{
		OwnerID:           ownerID,
		FileCount:         fileCount,
		TotalBytes:        totalBytes,
		CategoryBreakdown: byCategory,
		RefreshedAt:       time.Now(),
	}
	if err := svc.facts.Upsert(ctx, f); err != nil {
		return model.OwnerFacts{}, err
	}

	svc.recordMetrics(ownerID, f)
	return f, nil
}

func (svc *Service) recordMetrics(ownerID string, f model.OwnerFacts) {
	svc.mu.Lock()
	svc.totalBytes[ownerID] = f.TotalBytes
	svc.fileCounts[ownerID] = f.FileCount
	var sumBytes, sumFiles int64
	for _, v := range svc.totalBytes {
		sumBytes += v
	}
	for _, v := range svc.fileCounts {
		sumFiles += v
	}
	svc.mu.Unlock()

	totalBytesGauge.Set(float64(sumBytes))
	totalFilesGauge.Set(float64(sumFiles))
	if svc.allowlist[ownerID] {
		perOwnerBytesGauge.WithLabelValues(ownerID).Set(float64(f.TotalBytes))
	}
}
