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

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
)

// Shares is the repository for share and share_access_log rows.
type Shares struct{ s *Store }

// Shares returns the share repository.
func (s *Store) Shares() *Shares { return &Shares{s: s} }

const shareSelect = `SELECT id, user_file_id, created_by, token, kind, target_user_id, password_hash, permission, expires_at, created_at FROM share`

func scanShare(row interface{ Scan(...any) error }) (model.Share, error) {
	var sh model.Share
	var targetUserID, passwordHash sql.NullString
	err := row.Scan(&sh.ID, &sh.UserFileID, &sh.CreatedBy, &sh.Token, &sh.Kind, &targetUserID, &passwordHash, &sh.Permission, &sh.ExpiresAt, &sh.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Share{}, errtypes.NotFound("share")
	}
	if err != nil {
		return model.Share{}, err
	}
	if targetUserID.Valid {
		sh.TargetUserID = &targetUserID.String
	}
	if passwordHash.Valid {
		sh.PasswordHash = &passwordHash.String
	}
	return sh, nil
}

// Insert creates a new share row.
func (r *Shares) Insert(ctx context.Context, sh model.Share) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO share (id, user_file_id, created_by, token, kind, target_user_id, password_hash, permission, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.UserFileID, sh.CreatedBy, sh.Token, sh.Kind, sh.TargetUserID, sh.PasswordHash, sh.Permission, sh.ExpiresAt, sh.CreatedAt)
	return err
}

// GetByToken fetches a share by its bearer token.
func (r *Shares) GetByToken(ctx context.Context, token string) (model.Share, error) {
	return scanShare(r.s.DB.QueryRowContext(ctx, shareSelect+` WHERE token = ?`, token))
}

// GetByID fetches a share by id.
func (r *Shares) GetByID(ctx context.Context, id string) (model.Share, error) {
	return scanShare(r.s.DB.QueryRowContext(ctx, shareSelect+` WHERE id = ?`, id))
}

// ListForFile returns every share referencing a given UserFile. The
// soft-delete and quarantine paths remove shares with DeleteForFile
// instead.
func (r *Shares) ListForFile(ctx context.Context, userFileID string) ([]model.Share, error) {
	rows, err := r.s.DB.QueryContext(ctx, shareSelect+` WHERE user_file_id = ?`, userFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// DeleteForFile removes every share for a file (spec §3 Share invariant
// d: soft-deleting the file deletes its active shares).
func (r *Shares) DeleteForFile(ctx context.Context, userFileID string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM share WHERE user_file_id = ?`, userFileID)
	return err
}

// Delete removes a single share by id.
func (r *Shares) Delete(ctx context.Context, id string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM share WHERE id = ?`, id)
	return err
}

// LogAccess records an access-log entry; callers treat failures as
// best-effort (spec §7: audit writes never gate the primary operation).
func (r *Shares) LogAccess(ctx context.Context, entry model.AuditEvent, shareID, ip, userAgent string) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO share_access_log (id, share_id, accessed_by, ip, user_agent, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, shareID, entry.ActorID, ip, userAgent, entry.Detail, entry.CreatedAt)
	return err
}

// ListAccessLog returns every access-log entry for a share, newest
// first — the read half of LogAccess, restricted by the caller to the
// share's creator (spec §3: "only the share creator may read the log").
func (r *Shares) ListAccessLog(ctx context.Context, shareID string) ([]model.ShareAccessLogEntry, error) {
	rows, err := r.s.DB.QueryContext(ctx, `
		SELECT id, share_id, accessed_by, ip, user_agent, action, created_at
		FROM share_access_log WHERE share_id = ? ORDER BY created_at DESC`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ShareAccessLogEntry
	for rows.Next() {
		var e model.ShareAccessLogEntry
		var accessedBy, ip, userAgent sql.NullString
		if err := rows.Scan(&e.ID, &e.ShareID, &accessedBy, &ip, &userAgent, &e.Action, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AccessedBy = accessedBy.String
		e.IP = ip.String
		e.UserAgent = userAgent.String
		out = append(out, e)
	}
	return out, rows.Err()
}
