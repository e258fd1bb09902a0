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
	"strings"

	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/validation"
)

const (
	RuleKindAllowedMime      = "allowed_mime"
	RuleKindBlockedExtension = "blocked_extension"
	RuleKindMagicSignature   = "magic_signature"
)

// Rules is the repository for validation_rule rows.
type Rules struct{ s *Store }

// Rules returns the validation-rule repository.
func (s *Store) Rules() *Rules { return &Rules{s: s} }

// Insert adds a reference-table row (allowed mime prefix, blocked
// extension, or magic signature).
func (r *Rules) Insert(ctx context.Context, rule model.ValidationRule) error {
	_, err := r.s.DB.ExecContext(ctx, `
		INSERT INTO validation_rule (id, kind, value, magic, active)
		VALUES (?, ?, ?, ?, ?)`,
		rule.ID, rule.Kind, rule.Value, rule.Magic, rule.Active)
	return err
}

// SetActive toggles a rule without deleting it, so a disabled signature
// can be re-enabled without losing its magic bytes.
func (r *Rules) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.s.DB.ExecContext(ctx, `UPDATE validation_rule SET active = ? WHERE id = ?`, active, id)
	return err
}

// ListActive returns every active row, regardless of kind.
func (r *Rules) ListActive(ctx context.Context) ([]model.ValidationRule, error) {
	rows, err := r.s.DB.QueryContext(ctx, `SELECT id, kind, value, magic, active FROM validation_rule WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ValidationRule
	for rows.Next() {
		var rule model.ValidationRule
		if err := rows.Scan(&rule.ID, &rule.Kind, &rule.Value, &rule.Magic, &rule.Active); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// LoadRules assembles a validation.Rules snapshot from the three
// reference-table kinds; it is the FetchFunc behind
// validation.NewCachedLoader.
func (r *Rules) LoadRules(ctx context.Context) (validation.Rules, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return validation.Rules{}, err
	}

	out := validation.Rules{
		BlockedExtensions: map[string]bool{},
	}
	for _, rule := range active {
		switch rule.Kind {
		case RuleKindAllowedMime:
			out.AllowedMimePrefixes = append(out.AllowedMimePrefixes, rule.Value)
		case RuleKindBlockedExtension:
			out.BlockedExtensions[strings.ToLower(rule.Value)] = true
		case RuleKindMagicSignature:
			out.Signatures = append(out.Signatures, validation.Signature{Magic: rule.Magic, MimeType: rule.Value})
		}
	}
	return out, nil
}
