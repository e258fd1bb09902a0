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

// Package worker implements the background duty cycles (C9): scan duty
// claims pending blobs and feeds them to the malware scanner;
// housekeeping duty expires, quarantines, and garbage-collects on a
// slower cadence. Both run as a single cooperative scheduler that stops
// claiming new work on shutdown but lets in-flight work finish.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/events"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/scanner"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

// Config tunes the duty cycles (spec SPEC_FULL.md §4.9).
type Config struct {
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	ScanBatchSize        int           `mapstructure:"scan_batch_size"`
	MaxConcurrentScans   int           `mapstructure:"max_concurrent_scans"`
	ExpireBatchSize      int           `mapstructure:"expire_batch_size"`
	QuarantineGrace      time.Duration `mapstructure:"quarantine_grace"`
	StagingCleanupAge    time.Duration `mapstructure:"staging_cleanup_age"`
}

// ApplyDefaults implements cfg.Defaulter.
func (c *Config) ApplyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = 60 * time.Second
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = 10
	}
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = 4
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = 100
	}
	if c.QuarantineGrace <= 0 {
		c.QuarantineGrace = 5 * time.Minute
	}
	if c.StagingCleanupAge <= 0 {
		c.StagingCleanupAge = 24 * time.Hour
	}
}

// InMemoryPruner is consulted on every housekeeping tick to sweep the
// process-local maps (CAPTCHA challenges, cooldowns, download tickets)
// named by spec §4.9(iv). Implementations that don't need pruning can
// leave this nil.
type InMemoryPruner interface {
	Prune(now time.Time)
}

// Worker runs the scan and housekeeping duty cycles against the shared
// store, object store, and scanner.
type Worker struct {
	cfg Config

	blobs    *store.Blobs
	files    *store.UserFiles
	tokens   *store.Tokens
	life     *blobstore.Lifecycle
	objects  objectstore.Store
	scan     scanner.Scanner
	bus      events.Bus
	prunable []InMemoryPruner

	scanTrigger chan struct{}
}

// New builds a Worker. prunable may be empty.
func New(cfg Config, s *store.Store, life *blobstore.Lifecycle, objects objectstore.Store, sc scanner.Scanner, bus events.Bus, prunable ...InMemoryPruner) *Worker {
	cfg.ApplyDefaults()
	return &Worker{
		cfg:         cfg,
		blobs:       s.Blobs(),
		files:       s.UserFiles(),
		tokens:      s.Tokens(),
		life:        life,
		objects:     objects,
		scan:        sc,
		bus:         bus,
		prunable:    prunable,
		scanTrigger: make(chan struct{}, 1),
	}
}

// ScheduleScan implements fileservice.ScanScheduler: it wakes the scan
// duty immediately rather than waiting for the next tick, the "also
// invoked eagerly by C6 after a new blob is minted" rule in spec §4.9.
func (w *Worker) ScheduleScan(ctx context.Context, _ string) {
	select {
	case w.scanTrigger <- struct{}{}:
	default:
	}
}

// Run drives both duty cycles until ctx is cancelled. Claims already in
// flight are allowed to finish; no new work is claimed once ctx is done.
func (w *Worker) Run(ctx context.Context) {
	scanTicker := time.NewTicker(w.cfg.ScanInterval)
	defer scanTicker.Stop()
	houseTicker := time.NewTicker(w.cfg.HousekeepingInterval)
	defer houseTicker.Stop()

	log := appctx.GetLogger(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker: shutting down, no new work will be claimed")
			return
		case <-scanTicker.C:
			w.runScanDuty(ctx)
		case <-w.scanTrigger:
			w.runScanDuty(ctx)
		case <-houseTicker.C:
			w.runHousekeepingDuty(ctx)
		}
	}
}

func (w *Worker) runScanDuty(ctx context.Context) {
	log := appctx.GetLogger(ctx)

	claimed, err := w.blobs.ClaimPendingScans(ctx, w.cfg.ScanBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("scan duty: claim failed")
		return
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(w.cfg.MaxConcurrentScans)
	for _, blob := range claimed {
		blob := blob
		g.Go(func() error {
			w.scanOne(gctx, blob)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) scanOne(ctx context.Context, blob model.StorageBlob) {
	log := appctx.GetLogger(ctx)

	rc, err := w.objects.GetRange(ctx, blob.ObjectKey, 0, 0)
	if err != nil {
		w.recordVerdict(ctx, blob.ID, model.ScanError, "object read failed: "+err.Error())
		return
	}
	defer rc.Close()

	result, err := w.scan.Scan(ctx, rc)
	if err != nil {
		log.Warn().Err(err).Str("blob_id", blob.ID).Msg("scan duty: scanner call failed")
		w.recordVerdict(ctx, blob.ID, model.ScanError, err.Error())
		return
	}

	switch result.Verdict {
	case scanner.Clean:
		w.recordVerdict(ctx, blob.ID, model.ScanClean, "")
	case scanner.Infected:
		w.recordVerdict(ctx, blob.ID, model.ScanInfected, result.Detail)
	default:
		w.recordVerdict(ctx, blob.ID, model.ScanError, result.Detail)
	}
}

func (w *Worker) recordVerdict(ctx context.Context, blobID string, state model.ScanState, detail string) {
	now := time.Now()
	if err := w.blobs.SetScanState(ctx, blobID, state, detail, now); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("blob_id", blobID).Msg("scan duty: recording verdict failed")
		return
	}
	if w.bus != nil {
		_ = w.bus.Publish(events.TopicScanCompleted, events.ScanCompleted{
			BlobID: blobID, Verdict: string(state), Detail: detail, ScannedAt: now,
		})
	}
}

// RunHousekeepingOnce drives a single housekeeping pass outside the
// ticker loop; useful for tests and for an operator-triggered sweep.
func (w *Worker) RunHousekeepingOnce(ctx context.Context) {
	w.runHousekeepingDuty(ctx)
}

func (w *Worker) runHousekeepingDuty(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	now := time.Now()

	if err := w.expireFiles(ctx, now); err != nil {
		log.Warn().Err(err).Msg("housekeeping: expire sweep failed")
	}
	if err := w.quarantineInfected(ctx, now); err != nil {
		log.Warn().Err(err).Msg("housekeeping: quarantine sweep failed")
	}
	if n, err := w.tokens.DeleteExpired(ctx, now); err != nil {
		log.Warn().Err(err).Msg("housekeeping: token GC failed")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("housekeeping: expired tokens removed")
	}
	if err := w.cleanStaging(ctx, now); err != nil {
		log.Warn().Err(err).Msg("housekeeping: staging GC failed")
	}
	for _, p := range w.prunable {
		p.Prune(now)
	}
}

func (w *Worker) expireFiles(ctx context.Context, now time.Time) error {
	expired, err := w.files.ListExpired(ctx, now, w.cfg.ExpireBatchSize)
	if err != nil {
		return err
	}
	for _, f := range expired {
		if err := w.life.SoftDeleteUserFile(ctx, f, now); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("user_file_id", f.ID).Msg("housekeeping: expiring file failed")
		}
	}
	return nil
}

func (w *Worker) quarantineInfected(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-w.cfg.QuarantineGrace)
	infected, err := w.blobs.ListInfectedOlderThan(ctx, cutoff, w.cfg.ExpireBatchSize)
	if err != nil {
		return err
	}
	for _, b := range infected {
		if err := w.life.Quarantine(ctx, b.ID); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("blob_id", b.ID).Msg("housekeeping: quarantine failed")
		}
	}
	return nil
}

func (w *Worker) cleanStaging(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-w.cfg.StagingCleanupAge)
	for _, prefix := range []string{"staging/", "multipart/"} {
		keys, err := w.objects.ListKeysOlderThan(ctx, prefix, cutoff)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := w.objects.Delete(ctx, key); err != nil {
				appctx.GetLogger(ctx).Warn().Err(err).Str("key", key).Msg("housekeeping: staging GC delete failed")
			}
		}
	}
	return nil
}
