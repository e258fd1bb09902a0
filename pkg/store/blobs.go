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

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
)

// Blobs is the repository for storage_blob rows.
type Blobs struct{ s *Store }

// Blobs returns the blob repository.
func (s *Store) Blobs() *Blobs { return &Blobs{s: s} }

func (r *Blobs) forUpdate() string {
	if r.s.driver == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

// Insert creates a new blob row with ref_count = 1. Used for seeding
// rows whose content_hash is already known not to collide; Upsert is
// the race-safe path for a freshly computed hash.
func (r *Blobs) Insert(ctx context.Context, b model.StorageBlob) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO storage_blob
			(id, content_hash, object_key, size_bytes, ref_count, mime_type, scan_state, scan_detail, scanned_at, is_encrypted, has_thumbnail, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContentHash, b.ObjectKey, b.SizeBytes, b.MimeType, b.ScanState, b.ScanDetail, b.ScannedAt, b.IsEncrypted, b.HasThumbnail, b.CreatedAt)
	return err
}

// Upsert inserts a new blob row with ref_count = 1, or, if content_hash
// already exists, bumps the existing row's ref_count by one instead —
// the insert-or-bump happens as one statement, so a concurrent novel
// upload of the same content never sees a window between "insert
// failed" and "bump the winner's ref_count" for another writer to land
// in (spec §4.4, §9's dedup-race resolution). The caller re-reads the
// row by hash afterward to learn whether its own id won.
func (r *Blobs) Upsert(ctx context.Context, b model.StorageBlob) error {
	stmt := `
		INSERT INTO storage_blob
			(id, content_hash, object_key, size_bytes, ref_count, mime_type, scan_state, scan_detail, scanned_at, is_encrypted, has_thumbnail, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE ref_count = ref_count + 1`
	if r.s.driver != "mysql" {
		stmt = `
			INSERT INTO storage_blob
				(id, content_hash, object_key, size_bytes, ref_count, mime_type, scan_state, scan_detail, scanned_at, is_encrypted, has_thumbnail, created_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO UPDATE SET ref_count = ref_count + 1`
	}
	_, err := r.s.DB.ExecContext(ctx, stmt,
		b.ID, b.ContentHash, b.ObjectKey, b.SizeBytes, b.MimeType, b.ScanState, b.ScanDetail, b.ScannedAt, b.IsEncrypted, b.HasThumbnail, b.CreatedAt)
	return err
}

// GetByHash looks up a blob by its content hash.
func (r *Blobs) GetByHash(ctx context.Context, hash string) (model.StorageBlob, error) {
	return r.scanOne(r.s.DB.QueryRowContext(ctx, blobSelect+` WHERE content_hash = ?`, hash))
}

// GetByID looks up a blob by id.
func (r *Blobs) GetByID(ctx context.Context, id string) (model.StorageBlob, error) {
	return r.scanOne(r.s.DB.QueryRowContext(ctx, blobSelect+` WHERE id = ?`, id))
}

const blobSelect = `SELECT id, content_hash, object_key, size_bytes, ref_count, mime_type, scan_state, scan_detail, scanned_at, is_encrypted, has_thumbnail, created_at FROM storage_blob`

func (r *Blobs) scanOne(row *sql.Row) (model.StorageBlob, error) {
	var b model.StorageBlob
	var scannedAt sql.NullTime
	var scanDetail sql.NullString
	err := row.Scan(&b.ID, &b.ContentHash, &b.ObjectKey, &b.SizeBytes, &b.RefCount, &b.MimeType, &b.ScanState, &scanDetail, &scannedAt, &b.IsEncrypted, &b.HasThumbnail, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return model.StorageBlob{}, errtypes.NotFound("storage blob")
	}
	if err != nil {
		return model.StorageBlob{}, err
	}
	if scannedAt.Valid {
		b.ScannedAt = &scannedAt.Time
	}
	b.ScanDetail = scanDetail.String
	return b, nil
}

// IncrementRef bumps ref_count by one, used on a dedup hit.
func (r *Blobs) IncrementRef(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE storage_blob SET ref_count = ref_count + 1 WHERE id = ?`, id)
	return err
}

// DecrementRef is the only operation that ever lowers ref_count. It runs
// in its own transaction: if the resulting count is <= 0, the row is
// deleted and deleted is true, leaving the caller to remove the object
// from the store.
func (r *Blobs) DecrementRef(ctx context.Context, id string) (refCount int, objectKey string, deleted bool, err error) {
	tx, err := r.s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT ref_count, object_key FROM storage_blob WHERE id = ?`+r.forUpdate(), id)
	if err := row.Scan(&refCount, &objectKey); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", false, errtypes.NotFound("storage blob")
		}
		return 0, "", false, err
	}

	refCount--
	if refCount <= 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM storage_blob WHERE id = ?`, id); err != nil {
			return 0, "", false, err
		}
		deleted = true
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE storage_blob SET ref_count = ? WHERE id = ?`, refCount, id); err != nil {
			return 0, "", false, err
		}
	}

	return refCount, objectKey, deleted, tx.Commit()
}

// SetScanState updates a blob's scan verdict.
func (r *Blobs) SetScanState(ctx context.Context, id string, state model.ScanState, detail string, scannedAt time.Time) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE storage_blob SET scan_state = ?, scan_detail = ?, scanned_at = ? WHERE id = ?`, state, detail, scannedAt, id)
	return err
}

// ClaimPendingScans atomically claims up to limit rows with
// scan_state = pending by flipping them to scanning, and returns the
// rows it won (spec §4.9 duty A: "only rows where the CAS succeeds
// become this worker's").
func (r *Blobs) ClaimPendingScans(ctx context.Context, limit int) ([]model.StorageBlob, error) {
	rows, err := r.s.DB.QueryContext(ctx, `SELECT id FROM storage_blob WHERE scan_state = ? LIMIT ?`, model.ScanPending, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var claimed []model.StorageBlob
	for _, id := range ids {
		res, err := r.s.DB.ExecContext(ctx, `UPDATE storage_blob SET scan_state = ? WHERE id = ? AND scan_state = ?`, model.ScanScanning, id, model.ScanPending)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // another worker won the CAS
		}
		blob, err := r.GetByID(ctx, id)
		if err != nil {
			continue
		}
		claimed = append(claimed, blob)
	}
	return claimed, nil
}

// ListInfectedOlderThan returns infected blobs whose scanned_at is older
// than cutoff, for the housekeeping quarantine sweep.
func (r *Blobs) ListInfectedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.StorageBlob, error) {
	rows, err := r.s.DB.QueryContext(ctx, blobSelect+` WHERE scan_state = ? AND scanned_at < ? LIMIT ?`, model.ScanInfected, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StorageBlob
	for rows.Next() {
		var b model.StorageBlob
		var scannedAt sql.NullTime
		var scanDetail sql.NullString
		if err := rows.Scan(&b.ID, &b.ContentHash, &b.ObjectKey, &b.SizeBytes, &b.RefCount, &b.MimeType, &b.ScanState, &scanDetail, &scannedAt, &b.IsEncrypted, &b.HasThumbnail, &b.CreatedAt); err != nil {
			return nil, err
		}
		if scannedAt.Valid {
			b.ScannedAt = &scannedAt.Time
		}
		b.ScanDetail = scanDetail.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateContentHash corrects a blob's content_hash, used when an async
// verifier finds that a client-supplied hash trusted at commit time
// didn't match the server-computed one.
func (r *Blobs) UpdateContentHash(ctx context.Context, id, contentHash string) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE storage_blob SET content_hash = ? WHERE id = ?`, contentHash, id)
	return err
}

// Delete hard-deletes a blob row (used by quarantine).
func (r *Blobs) Delete(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM storage_blob WHERE id = ?`, id)
	return err
}
