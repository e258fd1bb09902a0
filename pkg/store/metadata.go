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

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
)

// FileMetadataRepo is the repository for file_metadata rows.
type FileMetadataRepo struct{ s *Store }

// FileMetadata returns the file-metadata repository.
func (s *Store) FileMetadata() *FileMetadataRepo { return &FileMetadataRepo{s: s} }

// Insert creates a file_metadata row; invariant: at most one per blob,
// created only when the blob itself is created (never for dedup hits).
func (r *FileMetadataRepo) Insert(ctx context.Context, m model.FileMetadata) error {
	attrsJSON, err := json.Marshal(m.Attributes)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(m.AutoTags)
	if err != nil {
		return err
	}
	_, err = r.s.DB.ExecContext(ctx, `
		INSERT INTO file_metadata (id, blob_id, category, attributes_json, auto_tags_json)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.BlobID, m.Category, string(attrsJSON), string(tagsJSON))
	return err
}

// GetByBlobID fetches the metadata row for a blob.
func (r *FileMetadataRepo) GetByBlobID(ctx context.Context, blobID string) (model.FileMetadata, error) {
	var m model.FileMetadata
	var attrsJSON, tagsJSON string
	err := r.s.DB.QueryRowContext(ctx, `SELECT id, blob_id, category, attributes_json, auto_tags_json FROM file_metadata WHERE blob_id = ?`, blobID).
		Scan(&m.ID, &m.BlobID, &m.Category, &attrsJSON, &tagsJSON)
	if err == sql.ErrNoRows {
		return model.FileMetadata{}, errtypes.NotFound("file metadata")
	}
	if err != nil {
		return model.FileMetadata{}, err
	}
	if err := json.Unmarshal([]byte(attrsJSON), &m.Attributes); err != nil {
		return model.FileMetadata{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.AutoTags); err != nil {
		return model.FileMetadata{}, err
	}
	return m, nil
}

// Update overwrites a metadata row's attributes/tags. The ingest path
// writes metadata once through Insert and does not call Update.
func (r *FileMetadataRepo) Update(ctx context.Context, m model.FileMetadata) error {
	attrsJSON, err := json.Marshal(m.Attributes)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(m.AutoTags)
	if err != nil {
		return err
	}
	_, err = r.s.DB.ExecContext(ctx, `
		UPDATE file_metadata SET category = ?, attributes_json = ?, auto_tags_json = ? WHERE blob_id = ?`,
		m.Category, string(attrsJSON), string(tagsJSON), m.BlobID)
	return err
}
