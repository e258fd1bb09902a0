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
	"time"

	"github.com/opencloud-eu/filestorage/pkg/model"
)

// Facts is the repository for owner_facts rows.
type Facts struct{ s *Store }

// Facts returns the owner-facts repository.
func (s *Store) Facts() *Facts { return &Facts{s: s} }

// Get fetches the stored facts row for an owner, if any.
func (r *Facts) Get(ctx context.Context, ownerID string) (model.OwnerFacts, bool, error) {
	var f model.OwnerFacts
	var byCategoryJSON string
	err := r.s.DB.QueryRowContext(ctx, `
		SELECT owner_id, file_count, total_bytes, category_breakdown_json, refreshed_at FROM owner_facts WHERE owner_id = ?`, ownerID).
		Scan(&f.OwnerID, &f.FileCount, &f.TotalBytes, &byCategoryJSON, &f.RefreshedAt)
	if err == sql.ErrNoRows {
		return model.OwnerFacts{}, false, nil
	}
	if err != nil {
		return model.OwnerFacts{}, false, err
	}
	if err := json.Unmarshal([]byte(byCategoryJSON), &f.CategoryBreakdown); err != nil {
		return model.OwnerFacts{}, false, err
	}
	return f, true, nil
}

// Upsert writes the refreshed facts row for an owner.
func (r *Facts) Upsert(ctx context.Context, f model.OwnerFacts) error {
	byCategoryJSON, err := json.Marshal(f.CategoryBreakdown)
	if err != nil {
		return err
	}

	if r.s.driver == "mysql" {
		return r.upsertMySQL(ctx, f, byCategoryJSON)
	}

	_, err = r.s.DB.ExecContext(ctx, `
		INSERT INTO owner_facts (owner_id, file_count, total_bytes, category_breakdown_json, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			file_count = excluded.file_count,
			total_bytes = excluded.total_bytes,
			category_breakdown_json = excluded.category_breakdown_json,
			refreshed_at = excluded.refreshed_at`,
		f.OwnerID, f.FileCount, f.TotalBytes, string(byCategoryJSON), f.RefreshedAt)
	return err
}

// upsertMySQL is used against MySQL, whose dialect is `ON DUPLICATE KEY
// UPDATE` rather than SQLite's `ON CONFLICT`.
func (r *Facts) upsertMySQL(ctx context.Context, f model.OwnerFacts, byCategoryJSON []byte) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO owner_facts (owner_id, file_count, total_bytes, category_breakdown_json, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			file_count = VALUES(file_count),
			total_bytes = VALUES(total_bytes),
			category_breakdown_json = VALUES(category_breakdown_json),
			refreshed_at = VALUES(refreshed_at)`,
		f.OwnerID, f.FileCount, f.TotalBytes, string(byCategoryJSON), f.RefreshedAt)
	return err
}

// IsStale reports whether the stored row is older than maxAge (spec
// §4.10: "returns the stored row if its updated_at is < 10s old").
func IsStale(f model.OwnerFacts, now time.Time, maxAge time.Duration) bool {
	return now.Sub(f.RefreshedAt) >= maxAge
}
