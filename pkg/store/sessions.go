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
	"encoding/json"
	"sort"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
)

// Sessions is the repository for upload_session rows.
type Sessions struct{ s *Store }

// Sessions returns the upload-session repository.
func (s *Store) Sessions() *Sessions { return &Sessions{s: s} }

const sessionSelect = `SELECT id, owner_id, filename, declared_mime, parent_id, object_key, backend_upload_id, chunk_size, total_size, total_chunks, parts_json, status, created_at, expires_at FROM upload_session`

func scanSession(row interface{ Scan(...any) error }) (model.UploadSession, error) {
	var sess model.UploadSession
	var parentID sql.NullString
	var partsJSON string
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Filename, &sess.DeclaredMime, &parentID, &sess.ObjectKey, &sess.BackendUploadID,
		&sess.ChunkSize, &sess.TotalSize, &sess.TotalChunks, &partsJSON, &sess.Status, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return model.UploadSession{}, errtypes.NotFound("upload session")
	}
	if err != nil {
		return model.UploadSession{}, err
	}
	if parentID.Valid {
		sess.ParentID = &parentID.String
	}
	if partsJSON != "" {
		if err := json.Unmarshal([]byte(partsJSON), &sess.Parts); err != nil {
			return model.UploadSession{}, err
		}
	}
	return sess, nil
}

// Insert creates a new upload_session row.
func (r *Sessions) Insert(ctx context.Context, sess model.UploadSession) error {
	partsJSON, err := json.Marshal(sess.Parts)
	if err != nil {
		return err
	}
	_, err = r.s.DB.ExecContext(ctx, `
		INSERT INTO upload_session
			(id, owner_id, filename, declared_mime, parent_id, object_key, backend_upload_id, chunk_size, total_size, total_chunks, parts_json, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Filename, sess.DeclaredMime, sess.ParentID, sess.ObjectKey, sess.BackendUploadID,
		sess.ChunkSize, sess.TotalSize, sess.TotalChunks, string(partsJSON), sess.Status, sess.CreatedAt, sess.ExpiresAt)
	return err
}

// Get fetches a session without locking, for read-only use (list_pending).
func (r *Sessions) Get(ctx context.Context, id string) (model.UploadSession, error) {
	return scanSession(r.s.DB.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
}

// ListPending returns every pending session for an owner.
func (r *Sessions) ListPending(ctx context.Context, ownerID string) ([]model.UploadSession, error) {
	rows, err := r.s.DB.QueryContext(ctx, sessionSelect+` WHERE owner_id = ? AND status = ?`, ownerID, model.SessionPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// WithLockedSession runs fn with the session row locked for the
// duration of the transaction — the exclusive row lock spec §4.6 names
// as required because multiple client connections may send different
// parts in parallel. On mysql this is a real `SELECT ... FOR UPDATE`;
// sqlite has no row-level locking, so the transaction's serialized
// single connection provides the same mutual exclusion in tests.
func (r *Sessions) WithLockedSession(ctx context.Context, id string, fn func(tx *sql.Tx, sess model.UploadSession) (model.UploadSession, error)) error {
	tx, err := r.s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`+r.forUpdate(), id)
	sess, err := scanSession(row)
	if err != nil {
		return err
	}

	updated, err := fn(tx, sess)
	if err != nil {
		return err
	}

	partsJSON, err := json.Marshal(updated.Parts)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE upload_session SET parts_json = ?, status = ? WHERE id = ?`,
		string(partsJSON), updated.Status, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Sessions) forUpdate() string {
	if r.s.driver == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

// UpsertPart replaces any existing entry for partNumber and re-sorts,
// matching the "remove any existing entry for this part#, append, sort"
// contract of spec §4.6.
func UpsertPart(sess model.UploadSession, part model.PartRecord) model.UploadSession {
	out := make([]model.PartRecord, 0, len(sess.Parts)+1)
	for _, p := range sess.Parts {
		if p.PartNumber != part.PartNumber {
			out = append(out, p)
		}
	}
	out = append(out, part)
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	sess.Parts = out
	return sess
}

// Delete removes a session row outright (used by abort).
func (r *Sessions) Delete(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM upload_session WHERE id = ?`, id)
	return err
}

// MarkCompleted sets status = completed.
func (r *Sessions) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE upload_session SET status = ? WHERE id = ?`, model.SessionCompleted, id)
	return err
}
