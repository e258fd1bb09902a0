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

// schemaStatements holds the six entities of spec §3 plus the validation
// reference tables and audit log named in §6, phrased in a
// MySQL/SQLite-compatible subset of SQL. Production deployments are
// expected to run these through a migration tool; tests call Migrate
// directly against a throwaway SQLite database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS storage_blob (
		id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL UNIQUE,
		object_key TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		scan_state TEXT NOT NULL DEFAULT 'pending',
		scan_detail TEXT,
		scanned_at DATETIME,
		is_encrypted INTEGER NOT NULL DEFAULT 0,
		has_thumbnail INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_file (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		blob_id TEXT,
		filename TEXT NOT NULL,
		parent_id TEXT,
		is_folder INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		deleted_at DATETIME,
		is_favorite INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_file_owner_parent ON user_file (owner_id, parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_user_file_owner_deleted ON user_file (owner_id, deleted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_user_file_filename ON user_file (filename)`,
	`CREATE TABLE IF NOT EXISTS upload_session (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		declared_mime TEXT NOT NULL,
		parent_id TEXT,
		object_key TEXT NOT NULL,
		backend_upload_id TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		total_size INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		parts_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_session_owner_status ON upload_session (owner_id, status)`,
	`CREATE TABLE IF NOT EXISTS file_metadata (
		id TEXT PRIMARY KEY,
		blob_id TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		attributes_json TEXT NOT NULL DEFAULT '{}',
		auto_tags_json TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS tag (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS tag_link (
		user_file_id TEXT NOT NULL,
		tag_id TEXT NOT NULL,
		PRIMARY KEY (user_file_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS share (
		id TEXT PRIMARY KEY,
		user_file_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		target_user_id TEXT,
		password_hash TEXT,
		permission TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS share_access_log (
		id TEXT PRIMARY KEY,
		share_id TEXT NOT NULL,
		accessed_by TEXT,
		ip TEXT,
		user_agent TEXT,
		action TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS owner_facts (
		owner_id TEXT PRIMARY KEY,
		file_count INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		category_breakdown_json TEXT NOT NULL DEFAULT '{}',
		refreshed_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_event (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		actor_id TEXT,
		subject_id TEXT,
		detail TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_rule (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		magic BLOB,
		active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS auth_token (
		token TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
}

// Migrate applies every schema statement, in order, idempotently.
func (s *Store) Migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
