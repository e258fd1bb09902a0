// Copyright 2018-2023 CERN
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

// Package cfg decodes the loosely-typed map[string]any produced by a
// config file reader into a strongly-typed struct, applies the struct's
// defaults, and validates the result.
package cfg

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Defaulter is implemented by configuration structs that need to fill in
// zero-value fields before validation runs.
type Defaulter interface {
	ApplyDefaults()
}

var validate = validator.New()

// Decode maps the contents of in onto out, calls ApplyDefaults on out if
// it implements Defaulter, and validates the result using the `validate`
// struct tags. in is typically the product of unmarshalling a TOML/YAML/
// JSON config file into a map[string]any.
func Decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("cfg: building decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("cfg: decoding: %w", err)
	}

	if d, ok := out.(Defaulter); ok {
		d.ApplyDefaults()
	}

	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("cfg: validating: %w", err)
	}
	return nil
}
