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

// Package multipart implements the resumable upload session state
// machine (C7): init, per-chunk uploads under an exclusive row lock,
// completion into C6's commit pipeline, and abort.
package multipart

import (
	"context"
	"database/sql"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/fileservice"
	"github.com/opencloud-eu/filestorage/pkg/hash"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

const sessionTTL = 24 * time.Hour

// InitResult is returned by Init.
type InitResult struct {
	SessionID string
	ChunkSize int64
	ObjectKey string
}

// Manager drives the session state machine described by spec §4.6.
type Manager struct {
	sessions *store.Sessions
	blobs    *store.Blobs
	objects  objectstore.Store
	files    *fileservice.Service

	maxSize   int64
	chunkSize int64
}

// New builds a Manager bounded by maxSize (per-upload cap) and
// chunkSize (the size every part except the last must be).
func New(s *store.Store, objects objectstore.Store, files *fileservice.Service, maxSize, chunkSize int64) *Manager {
	return &Manager{
		sessions:  s.Sessions(),
		blobs:     s.Blobs(),
		objects:   objects,
		files:     files,
		maxSize:   maxSize,
		chunkSize: chunkSize,
	}
}

// Init creates a new pending session.
func (m *Manager) Init(ctx context.Context, ownerID, filename, declaredMime string, totalSize int64, parentID *string) (InitResult, error) {
	if totalSize > m.maxSize {
		return InitResult{}, errtypes.PayloadTooLarge("declared size exceeds maximum")
	}

	objectKey := "multipart/" + uuid.NewString()
	uploadID, err := m.objects.MultipartBegin(ctx, objectKey, declaredMime)
	if err != nil {
		return InitResult{}, errtypes.InternalError("multipart begin failed: " + err.Error())
	}

	now := time.Now()
	sess := model.UploadSession{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Filename:        filename,
		DeclaredMime:    declaredMime,
		ParentID:        parentID,
		ObjectKey:       objectKey,
		BackendUploadID: uploadID,
		ChunkSize:       m.chunkSize,
		TotalSize:       totalSize,
		TotalChunks:     int(math.Ceil(float64(totalSize) / float64(m.chunkSize))),
		Status:          model.SessionPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(sessionTTL),
	}
	if err := m.sessions.Insert(ctx, sess); err != nil {
		return InitResult{}, err
	}

	return InitResult{SessionID: sess.ID, ChunkSize: sess.ChunkSize, ObjectKey: sess.ObjectKey}, nil
}

// UploadChunk uploads one part and records it against the session under
// an exclusive row lock, idempotent per part number.
func (m *Manager) UploadChunk(ctx context.Context, ownerID, sessionID string, partNumber int, r io.Reader, size int64) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := verifyOwnerAndPending(sess, ownerID); err != nil {
		return err
	}
	if partNumber < 1 || partNumber > sess.TotalChunks {
		return errtypes.BadRequest("part number out of range")
	}

	etag, err := m.objects.MultipartPart(ctx, sess.ObjectKey, sess.BackendUploadID, partNumber, r, size)
	if err != nil {
		return errtypes.InternalError("multipart part upload failed: " + err.Error())
	}

	return m.sessions.WithLockedSession(ctx, sessionID, func(_ *sql.Tx, locked model.UploadSession) (model.UploadSession, error) {
		if err := verifyOwnerAndPending(locked, ownerID); err != nil {
			return model.UploadSession{}, err
		}
		return store.UpsertPart(locked, model.PartRecord{PartNumber: partNumber, ETag: etag, SizeBytes: size}), nil
	})
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	fileservice.CommitResult
}

// Complete finishes an upload whose parts are all present, assembling
// them into a single object and feeding the result into C6's commit
// pipeline.
func (m *Manager) Complete(ctx context.Context, ownerID, sessionID string, parentID *string, clientHash string) (CompleteResult, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := verifyOwnerAndPending(sess, ownerID); err != nil {
		return CompleteResult{}, err
	}
	if !sess.Complete() {
		return CompleteResult{}, errtypes.BadRequest("not all chunks uploaded")
	}

	parts := make([]objectstore.PartInfo, len(sess.Parts))
	for i, p := range sess.Parts {
		parts[i] = objectstore.PartInfo{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	if err := m.objects.MultipartComplete(ctx, sess.ObjectKey, sess.BackendUploadID, parts); err != nil {
		return CompleteResult{}, errtypes.InternalError("multipart complete failed: " + err.Error())
	}

	contentHash := clientHash
	trusted := clientHash != ""
	if !trusted {
		computed, err := m.hashObject(ctx, sess.ObjectKey, sess.TotalSize)
		if err != nil {
			return CompleteResult{}, err
		}
		contentHash = computed
	}

	staged := fileservice.StagedBlob{StagingKey: sess.ObjectKey, ContentHash: contentHash, Size: sess.TotalSize}
	var expiresIn *time.Duration
	res, err := m.files.Commit(ctx, staged, sess.Filename, ownerID, parentID, expiresIn, sess.DeclaredMime)
	if err != nil {
		return CompleteResult{}, err
	}

	if err := m.sessions.MarkCompleted(ctx, sessionID); err != nil {
		return CompleteResult{}, err
	}

	if trusted {
		go m.verifyClientHash(context.Background(), res.BlobID, sess.ObjectKey, sess.TotalSize, contentHash)
	}

	return CompleteResult{res}, nil
}

// Abort discards a non-completed session and its backend upload.
func (m *Manager) Abort(ctx context.Context, ownerID, sessionID string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerID != ownerID {
		return errtypes.PermissionDenied("not the owner of this session")
	}
	if sess.Status == model.SessionCompleted {
		return errtypes.BadRequest("session already completed")
	}
	if err := m.objects.MultipartAbort(ctx, sess.ObjectKey, sess.BackendUploadID); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("multipart abort: backend cleanup failed")
	}
	return m.sessions.Delete(ctx, sessionID)
}

func verifyOwnerAndPending(sess model.UploadSession, ownerID string) error {
	if sess.OwnerID != ownerID {
		return errtypes.PermissionDenied("not the owner of this session")
	}
	if sess.Status != model.SessionPending {
		return errtypes.BadRequest("session is not pending")
	}
	return nil
}

func (m *Manager) hashObject(ctx context.Context, key string, size int64) (string, error) {
	rc, err := m.objects.GetRange(ctx, key, 0, size)
	if err != nil {
		return "", errtypes.InternalError("reading assembled object failed: " + err.Error())
	}
	defer rc.Close()
	sum, _, err := hash.SumReader(rc)
	if err != nil {
		return "", errtypes.InternalError("hashing assembled object failed: " + err.Error())
	}
	return sum, nil
}

// verifyClientHash re-streams the object the blob was minted from,
// hashes it server-side, and on a mismatch corrects the stored hash —
// the async check spec §4.6 requires whenever a client-supplied hash was
// trusted provisionally. Logged as WARN on mismatch; errors from the
// re-read itself are also just logged, since this runs detached from
// any caller that could act on the error.
func (m *Manager) verifyClientHash(ctx context.Context, blobID, key string, size int64, trustedHash string) {
	computed, err := m.hashObject(ctx, key, size)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("blob_id", blobID).Msg("client-hash verification: re-read failed")
		return
	}
	if computed == trustedHash {
		return
	}
	appctx.GetLogger(ctx).Warn().Str("blob_id", blobID).Str("client_hash", trustedHash).Str("computed_hash", computed).
		Msg("client-supplied hash did not match server computation; correcting")
	if err := m.blobs.UpdateContentHash(ctx, blobID, computed); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("blob_id", blobID).Msg("client-hash verification: correction failed")
	}
}
