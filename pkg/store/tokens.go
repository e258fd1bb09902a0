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
)

// Tokens is the repository for auth_token rows.
type Tokens struct{ s *Store }

// Tokens returns the auth-token repository.
func (s *Store) Tokens() *Tokens { return &Tokens{s: s} }

// Issue stores a bearer token tied to an owner, valid until expiresAt.
func (r *Tokens) Issue(ctx context.Context, token, ownerID string, expiresAt time.Time) error {
	_, err := r.s.DB.ExecContext(ctx, `INSERT INTO auth_token (token, owner_id, expires_at) VALUES (?, ?, ?)`,
		token, ownerID, expiresAt)
	return err
}

// OwnerFor resolves a token to its owner, rejecting tokens that have
// already expired rather than waiting on the GC sweep.
func (r *Tokens) OwnerFor(ctx context.Context, token string, now time.Time) (string, error) {
	var ownerID string
	var expiresAt time.Time
	err := r.s.DB.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM auth_token WHERE token = ?`, token).
		Scan(&ownerID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", errtypes.NotFound("auth token")
	}
	if err != nil {
		return "", err
	}
	if now.After(expiresAt) {
		return "", errtypes.Gone("auth token expired")
	}
	return ownerID, nil
}

// Revoke deletes a single token, used on explicit logout.
func (r *Tokens) Revoke(ctx context.Context, token string) error {
	_, err := r.s.DB.ExecContext(ctx, `DELETE FROM auth_token WHERE token = ?`, token)
	return err
}

// DeleteExpired removes every token whose expires_at is in the past,
// the housekeeping duty's token GC step.
func (r *Tokens) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.s.DB.ExecContext(ctx, `DELETE FROM auth_token WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
