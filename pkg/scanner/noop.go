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

package scanner

import (
	"context"
	"io"
)

// NoOp is the Scanner used when enable_virus_scan is false. Blobs land
// with scan_state = unchecked and C9's scan duty never claims them, but
// tests and tools that want an always-clean backend can call Scan
// directly.
type NoOp struct{}

// Scan drains r and reports Clean without inspecting any bytes.
func (NoOp) Scan(_ context.Context, r io.Reader) (Result, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return Result{Verdict: Error, Detail: err.Error()}, nil
	}
	return Result{Verdict: Clean}, nil
}

// Ping always succeeds.
func (NoOp) Ping(context.Context) error { return nil }

// Fake is an in-memory test double that returns a fixed Result, letting
// tests exercise the Infected and Error paths without a real clamd.
type Fake struct {
	Result Result
	Err    error
}

// Scan drains r and returns the configured Result.
func (f Fake) Scan(_ context.Context, r io.Reader) (Result, error) {
	if f.Err != nil {
		return Result{}, f.Err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return Result{}, err
	}
	return f.Result, nil
}

// Ping always succeeds for Fake.
func (Fake) Ping(context.Context) error { return nil }
