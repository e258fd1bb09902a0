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

// UserFiles is the repository for user_file rows.
type UserFiles struct{ s *Store }

// UserFiles returns the user-file repository.
func (s *Store) UserFiles() *UserFiles { return &UserFiles{s: s} }

const userFileSelect = `SELECT id, owner_id, blob_id, filename, parent_id, is_folder, created_at, expires_at, deleted_at, is_favorite FROM user_file`

func scanUserFile(row interface{ Scan(...any) error }) (model.UserFile, error) {
	var f model.UserFile
	var blobID, parentID sql.NullString
	var expiresAt, deletedAt sql.NullTime
	err := row.Scan(&f.ID, &f.OwnerID, &blobID, &f.Filename, &parentID, &f.IsFolder, &f.CreatedAt, &expiresAt, &deletedAt, &f.IsFavorite)
	if err == sql.ErrNoRows {
		return model.UserFile{}, errtypes.NotFound("user file")
	}
	if err != nil {
		return model.UserFile{}, err
	}
	if blobID.Valid {
		f.BlobID = &blobID.String
	}
	if parentID.Valid {
		f.ParentID = &parentID.String
	}
	if expiresAt.Valid {
		f.ExpiresAt = &expiresAt.Time
	}
	if deletedAt.Valid {
		f.DeletedAt = &deletedAt.Time
	}
	return f, nil
}

// Insert creates a new user_file row.
func (r *UserFiles) Insert(ctx context.Context, f model.UserFile) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO user_file (id, owner_id, blob_id, filename, parent_id, is_folder, created_at, expires_at, deleted_at, is_favorite)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.BlobID, f.Filename, f.ParentID, f.IsFolder, f.CreatedAt, f.ExpiresAt, f.DeletedAt, f.IsFavorite)
	return err
}

// GetByID fetches a single row regardless of soft-delete state.
func (r *UserFiles) GetByID(ctx context.Context, id string) (model.UserFile, error) {
	return scanUserFile(r.s.DB.QueryRowContext(ctx, userFileSelect+` WHERE id = ?`, id))
}

// FindLiveByOwnerParentName finds a live (non-deleted) file with the
// given owner/parent/filename, used by C6's merge-on-conflict check.
func (r *UserFiles) FindLiveByOwnerParentName(ctx context.Context, ownerID string, parentID *string, filename string, isFolder bool) (model.UserFile, error) {
	q := userFileSelect + ` WHERE owner_id = ? AND filename = ? AND is_folder = ? AND deleted_at IS NULL AND `
	var row *sql.Row
	if parentID == nil {
		row = r.s.DB.QueryRowContext(ctx, q+`parent_id IS NULL`, ownerID, filename, isFolder)
	} else {
		row = r.s.DB.QueryRowContext(ctx, q+`parent_id = ?`, ownerID, filename, isFolder, *parentID)
	}
	return scanUserFile(row)
}

// ListLiveChildren returns the live children of a folder (or root when
// parentID is nil).
func (r *UserFiles) ListLiveChildren(ctx context.Context, ownerID string, parentID *string) ([]model.UserFile, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = r.s.DB.QueryContext(ctx, userFileSelect+` WHERE owner_id = ? AND parent_id IS NULL AND deleted_at IS NULL`, ownerID)
	} else {
		rows, err = r.s.DB.QueryContext(ctx, userFileSelect+` WHERE owner_id = ? AND parent_id = ? AND deleted_at IS NULL`, ownerID, *parentID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserFiles(rows)
}

func scanUserFiles(rows *sql.Rows) ([]model.UserFile, error) {
	var out []model.UserFile
	for rows.Next() {
		f, err := scanUserFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Update persists filename/parent/favorite changes (rename, move,
// favorite toggle).
func (r *UserFiles) Update(ctx context.Context, f model.UserFile) error {
	_, err := r.s.DB.ExecContext(ctx, `
		UPDATE user_file SET filename = ?, parent_id = ?, is_favorite = ?, expires_at = ?, deleted_at = ?, blob_id = ?
		WHERE id = ?`,
		f.Filename, f.ParentID, f.IsFavorite, f.ExpiresAt, f.DeletedAt, f.BlobID, f.ID)
	return err
}

// SoftDelete tombstones a file and clears its favorite flag; the caller
// is responsible for the blob ref-count side effect (C5 owns that
// invariant, not this repo).
func (r *UserFiles) SoftDelete(ctx context.Context, id string, now time.Time) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE user_file SET deleted_at = ?, is_favorite = 0 WHERE id = ?`, now, id)
	return err
}

// ListExpired returns live files whose expires_at has passed, batched
// for the housekeeping sweep.
func (r *UserFiles) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.UserFile, error) {
	rows, err := r.s.DB.QueryContext(ctx, userFileSelect+` WHERE expires_at IS NOT NULL AND expires_at < ? AND deleted_at IS NULL LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserFiles(rows)
}

// ListLiveByBlobID returns every live file referencing a blob, used by
// quarantine to find the rows to remove outright.
func (r *UserFiles) ListLiveByBlobID(ctx context.Context, blobID string) ([]model.UserFile, error) {
	rows, err := r.s.DB.QueryContext(ctx, userFileSelect+` WHERE blob_id = ? AND deleted_at IS NULL`, blobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserFiles(rows)
}

// Delete hard-deletes a row outright (quarantine only; ordinary deletes
// go through SoftDelete).
func (r *UserFiles) Delete(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM user_file WHERE id = ?`, id)
	return err
}

// Search finds live, non-folder files for an owner whose filename
// matches a LIKE/ILIKE pattern.
func (r *UserFiles) Search(ctx context.Context, ownerID, likePattern string) ([]model.UserFile, error) {
	rows, err := r.s.DB.QueryContext(ctx, userFileSelect+` WHERE owner_id = ? AND deleted_at IS NULL AND filename LIKE ?`, ownerID, likePattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserFiles(rows)
}

// AggregateOwnerFacts computes {total_files, total_size_bytes,
// counts_by_category} for one owner by joining live files to their blobs
// and metadata (spec §4.10).
func (r *UserFiles) AggregateOwnerFacts(ctx context.Context, ownerID string) (fileCount int64, totalBytes int64, byCategory map[string]int64, err error) {
	byCategory = map[string]int64{}

	row := r.s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(b.size_bytes), 0)
		FROM user_file f
		JOIN storage_blob b ON b.id = f.blob_id
		WHERE f.owner_id = ? AND f.deleted_at IS NULL AND f.is_folder = 0`, ownerID)
	if err = row.Scan(&fileCount, &totalBytes); err != nil {
		return 0, 0, nil, err
	}

	rows, err := r.s.DB.QueryContext(ctx, `
		SELECT COALESCE(m.category, 'other'), COUNT(*)
		FROM user_file f
		JOIN storage_blob b ON b.id = f.blob_id
		LEFT JOIN file_metadata m ON m.blob_id = b.id
		WHERE f.owner_id = ? AND f.deleted_at IS NULL AND f.is_folder = 0
		GROUP BY COALESCE(m.category, 'other')`, ownerID)
	if err != nil {
		return 0, 0, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return 0, 0, nil, err
		}
		byCategory[category] = count
	}
	return fileCount, totalBytes, byCategory, rows.Err()
}
