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

	"github.com/opencloud-eu/filestorage/pkg/model"
)

// Audit is the repository for audit_event rows.
type Audit struct{ s *Store }

// Audit returns the audit repository.
func (s *Store) Audit() *Audit { return &Audit{s: s} }

// Record writes an audit event. Callers treat the error as advisory —
// spec §7 requires every audit write to be best-effort and never gate
// the primary operation it describes.
func (a *Audit) Record(ctx context.Context, e model.AuditEvent) error {
	_, err := a.s.DB.ExecContext(ctx, `
		INSERT INTO audit_event (id, type, actor_id, subject_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.ActorID, e.SubjectID, e.Detail, e.CreatedAt)
	return err
}
