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

// Package fileservice implements the ingest pipeline (C6): stage, hash,
// dedup-or-promote into content-addressed storage, link to an owner's
// folder tree, and persist metadata and auto-tags.
package fileservice

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/metadata"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
	"github.com/opencloud-eu/filestorage/pkg/validation"
)

const peekBytes = 1024

// ScanScheduler hands a freshly minted blob to the background scan duty
// (C9); the worker package supplies the real implementation, wired at
// startup.
type ScanScheduler interface {
	ScheduleScan(ctx context.Context, blobID string)
}

// FactsRefresher requests an asynchronous refresh of an owner's
// aggregate totals (C10) after a commit changes their file set.
type FactsRefresher interface {
	RequestRefresh(ownerID string)
}

type noopScanScheduler struct{}

func (noopScanScheduler) ScheduleScan(context.Context, string) {}

type noopFactsRefresher struct{}

func (noopFactsRefresher) RequestRefresh(string) {}

// StagedBlob is the result of Stage: bytes already landed under a
// temporary key, hashed, ready for Commit to either dedup or promote.
type StagedBlob struct {
	StagingKey  string
	ContentHash string
	Size        int64
}

// CommitResult is returned by Commit and LinkExisting.
type CommitResult struct {
	UserFileID string
	BlobID     string
	ExpiresAt  *time.Time
}

// Service wires together the object store, validation rules, content
// inspection, the SQL repositories and the storage lifecycle into the
// ingest pipeline described by spec §4.4.
type Service struct {
	objects objectstore.Store
	blobs   *store.Blobs
	files   *store.UserFiles
	fmeta   *store.FileMetadataRepo
	tags    *store.Tags
	life    *blobstore.Lifecycle

	virusScanningEnabled bool

	scan  ScanScheduler
	facts FactsRefresher
}

// New builds a Service. scan and facts may be nil, in which case the
// corresponding hand-off is a no-op (used by tests and by any path
// wired up before the worker/facts packages start).
func New(s *store.Store, objects objectstore.Store, life *blobstore.Lifecycle, virusScanningEnabled bool, scan ScanScheduler, facts FactsRefresher) *Service {
	if scan == nil {
		scan = noopScanScheduler{}
	}
	if facts == nil {
		facts = noopFactsRefresher{}
	}
	return &Service{
		objects:              objects,
		blobs:                s.Blobs(),
		files:                s.UserFiles(),
		fmeta:                s.FileMetadata(),
		tags:                 s.Tags(),
		life:                 life,
		virusScanningEnabled: virusScanningEnabled,
		scan:                 scan,
		facts:                facts,
	}
}

// Stage validates the upload header against rules, then streams the
// remainder (with the peeked header bytes prepended) into a staging key,
// computing its content hash as it goes. maxSize bounds the observed
// size; a stream that exceeds it is rejected after the fact since its
// true length is not known up front.
func (svc *Service) Stage(ctx context.Context, filename, declaredMime string, r io.Reader, maxSize int64, rules validation.Rules) (StagedBlob, error) {
	br := bufio.NewReaderSize(r, peekBytes)
	header, _ := br.Peek(peekBytes)

	_, warnings, err := validation.ValidateUpload(filename, declaredMime, 0, header, maxSize, rules)
	if err != nil {
		return StagedBlob{}, err
	}
	for _, w := range warnings {
		appctx.GetLogger(ctx).Warn().Str("filename", filename).Msg(w)
	}

	key := "staging/" + uuid.NewString()
	limited := io.LimitReader(br, maxSize+1)
	result, err := svc.objects.StreamingPutWithHash(ctx, key, limited, 10<<20)
	if err != nil {
		return StagedBlob{}, errtypes.InternalError("staging upload failed: " + err.Error())
	}
	if result.SizeBytes > maxSize {
		_ = svc.objects.Delete(ctx, key)
		return StagedBlob{}, errtypes.PayloadTooLarge("upload exceeds configured maximum")
	}

	return StagedBlob{StagingKey: key, ContentHash: result.Hash, Size: result.SizeBytes}, nil
}

// Commit performs the two-phase dedup-or-promote described by spec
// §4.4, links the result into the owner's folder tree, and — for a
// newly minted blob — persists its metadata and schedules a scan.
func (svc *Service) Commit(ctx context.Context, staged StagedBlob, filename string, ownerID string, parentID *string, expiresIn *time.Duration, declaredMime string) (CommitResult, error) {
	now := time.Now()

	blob, err := svc.blobs.GetByHash(ctx, staged.ContentHash)
	if _, notFound := err.(errtypes.IsNotFound); notFound {
		blob, err = svc.promote(ctx, staged, filename, declaredMime, now)
		if err != nil {
			return CommitResult{}, err
		}
	} else if err != nil {
		return CommitResult{}, err
	} else {
		if err := svc.blobs.IncrementRef(ctx, blob.ID); err != nil {
			return CommitResult{}, err
		}
		if err := svc.objects.Delete(ctx, staged.StagingKey); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("staging_key", staged.StagingKey).Msg("dedup: staging cleanup failed")
		}
	}

	res, err := svc.linkToOwner(ctx, blob.ID, filename, ownerID, parentID, expiresIn, now)
	if err != nil {
		return CommitResult{}, err
	}

	if err := svc.materializeTags(ctx, blob.ID, res.UserFileID); err != nil {
		return CommitResult{}, err
	}

	svc.facts.RequestRefresh(ownerID)
	return res, nil
}

// materializeTags interns each of the blob's auto-detected tags
// (normalizing to lowercase, retrying on a unique-violation race) and
// links them to the owner's UserFile row, ignoring a duplicate link
// (spec §4.4).
func (svc *Service) materializeTags(ctx context.Context, blobID, userFileID string) error {
	meta, err := svc.fmeta.GetByBlobID(ctx, blobID)
	if err != nil {
		return err
	}
	for _, name := range meta.AutoTags {
		tagID, err := svc.tags.GetOrCreate(ctx, name)
		if err != nil {
			return err
		}
		if err := svc.tags.LinkFile(ctx, userFileID, tagID); err != nil {
			return err
		}
	}
	return nil
}

// promote inserts a brand-new blob row for a novel hash via an
// insert-or-bump upsert, collapsing the check-then-insert race against
// a concurrent upload of the same content into one statement (spec
// §4.4: "race with a concurrent novel-upload of the same hash"; §9's
// dedup-race resolution).
func (svc *Service) promote(ctx context.Context, staged StagedBlob, filename, declaredMime string, now time.Time) (model.StorageBlob, error) {
	sample, err := svc.readSample(ctx, staged.StagingKey, staged.Size)
	if err != nil {
		return model.StorageBlob{}, err
	}
	analysis := metadata.Extract(sample, filename, declaredMime)

	permanentKey := staged.ContentHash + "/" + filename
	if err := svc.objects.Copy(ctx, staged.StagingKey, permanentKey); err != nil {
		return model.StorageBlob{}, errtypes.InternalError("promote: copy to permanent key failed: " + err.Error())
	}
	_ = svc.objects.Delete(ctx, staged.StagingKey)

	scanState := model.ScanUnchecked
	if svc.virusScanningEnabled {
		scanState = model.ScanPending
	}

	candidate := model.StorageBlob{
		ID:          uuid.NewString(),
		ContentHash: staged.ContentHash,
		ObjectKey:   permanentKey,
		SizeBytes:   staged.Size,
		MimeType:    analysis.Attributes["mime_type"].(string),
		ScanState:   scanState,
		IsEncrypted: analysis.IsEncrypted,
		CreatedAt:   now,
	}

	if err := svc.blobs.Upsert(ctx, candidate); err != nil {
		return model.StorageBlob{}, err
	}
	blob, err := svc.blobs.GetByHash(ctx, staged.ContentHash)
	if err != nil {
		return model.StorageBlob{}, err
	}
	if blob.ID != candidate.ID {
		// a concurrent upload's row won the upsert; our permanent copy
		// duplicates bytes already stored under the winning blob.
		if err := svc.objects.Delete(ctx, permanentKey); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("object_key", permanentKey).Msg("promote race: cleanup of losing copy failed")
		}
		return blob, nil
	}

	if err := svc.fmeta.Insert(ctx, model.FileMetadata{
		ID:         uuid.NewString(),
		BlobID:     blob.ID,
		Category:   analysis.Category,
		Attributes: analysis.Attributes,
		AutoTags:   analysis.AutoTags,
	}); err != nil {
		return model.StorageBlob{}, err
	}

	if svc.virusScanningEnabled {
		svc.scan.ScheduleScan(ctx, blob.ID)
	}

	return blob, nil
}

func (svc *Service) readSample(ctx context.Context, key string, size int64) ([]byte, error) {
	n := int64(metadata.MaxSampleBytes)
	if size < n {
		n = size
	}
	rc, err := svc.objects.GetRange(ctx, key, 0, n)
	if err != nil {
		return nil, errtypes.InternalError("reading sample bytes failed: " + err.Error())
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// linkToOwner implements the merge-or-insert rule shared by commit's
// dedup and new-blob branches, and by LinkExisting.
func (svc *Service) linkToOwner(ctx context.Context, blobID, filename, ownerID string, parentID *string, expiresIn *time.Duration, now time.Time) (CommitResult, error) {
	var expiresAt *time.Time
	if expiresIn != nil {
		t := now.Add(*expiresIn)
		expiresAt = &t
	}

	existing, err := svc.files.FindLiveByOwnerParentName(ctx, ownerID, parentID, filename, false)
	if _, notFound := err.(errtypes.IsNotFound); notFound {
		f := model.UserFile{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			BlobID:    &blobID,
			Filename:  filename,
			ParentID:  parentID,
			IsFolder:  false,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		if err := svc.files.Insert(ctx, f); err != nil {
			return CommitResult{}, err
		}
		return CommitResult{UserFileID: f.ID, BlobID: blobID, ExpiresAt: expiresAt}, nil
	} else if err != nil {
		return CommitResult{}, err
	}

	if existing.BlobID != nil && *existing.BlobID != blobID {
		if _, derr := svc.life.DecrementRef(ctx, *existing.BlobID); derr != nil {
			return CommitResult{}, derr
		}
	}
	existing.BlobID = &blobID
	existing.CreatedAt = now
	existing.ExpiresAt = expiresAt
	if err := svc.files.Update(ctx, existing); err != nil {
		return CommitResult{}, err
	}
	return CommitResult{UserFileID: existing.ID, BlobID: blobID, ExpiresAt: expiresAt}, nil
}

// LinkExisting attaches an already-minted blob to a new owner location
// without staging or hashing anything new, used by server-side import
// paths that already hold a blob id (spec §4.4).
func (svc *Service) LinkExisting(ctx context.Context, blobID, filename, ownerID string, parentID *string, expiresIn *time.Duration) (CommitResult, error) {
	if _, err := svc.blobs.GetByID(ctx, blobID); err != nil {
		return CommitResult{}, err
	}
	if err := svc.blobs.IncrementRef(ctx, blobID); err != nil {
		return CommitResult{}, err
	}
	res, err := svc.linkToOwner(ctx, blobID, filename, ownerID, parentID, expiresIn, time.Now())
	if err != nil {
		return CommitResult{}, err
	}
	if err := svc.materializeTags(ctx, blobID, res.UserFileID); err != nil {
		return CommitResult{}, err
	}
	svc.facts.RequestRefresh(ownerID)
	return res, nil
}
