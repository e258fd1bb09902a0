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
	"strings"

	"github.com/google/uuid"
)

// Tags is the repository for tag and tag_link rows.
type Tags struct{ s *Store }

// Tags returns the tag repository.
func (s *Store) Tags() *Tags { return &Tags{s: s} }

// GetOrCreate interns name (normalized to lowercase) and returns its id.
// A race on the uniqueness constraint is handled by re-reading the
// winning row, matching the Tag invariant in spec §3.
func (r *Tags) GetOrCreate(ctx context.Context, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	var id string
	err := r.s.DB.QueryRowContext(ctx, `SELECT id FROM tag WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	_, err = r.s.DB.ExecContext(ctx, `INSERT INTO tag (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		if isUniqueViolation(err) {
			if rerr := r.s.DB.QueryRowContext(ctx, `SELECT id FROM tag WHERE name = ?`, name).Scan(&id); rerr != nil {
				return "", rerr
			}
			return id, nil
		}
		return "", err
	}
	return id, nil
}

// LinkFile associates a UserFile with a tag, ignoring a duplicate link.
func (r *Tags) LinkFile(ctx context.Context, userFileID, tagID string) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO tag_link (user_file_id, tag_id)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM tag_link WHERE user_file_id = ? AND tag_id = ?)`,
		userFileID, tagID, userFileID, tagID)
	return err
}

// ListForFile returns the tag names attached to a UserFile.
func (r *Tags) ListForFile(ctx context.Context, userFileID string) ([]string, error) {
	rows, err := r.s.DB.QueryContext(ctx, `
		SELECT t.name FROM tag t JOIN tag_link l ON l.tag_id = t.id WHERE l.user_file_id = ?`, userFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
