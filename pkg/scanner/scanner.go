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

// Package scanner abstracts streaming a blob to an external malware scanner
// and reporting back one of Clean, Infected or Error.
package scanner

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Verdict is the outcome of scanning a single stream.
type Verdict int

const (
	// Clean means the scanner examined the full stream and found nothing.
	Clean Verdict = iota
	// Infected means the scanner matched a signature before (or at) EOF.
	Infected
	// Error means the scanner was unreachable, timed out, or returned a
	// malformed reply. Per policy the blob remains downloadable; only an
	// explicit Infected verdict blocks access.
	Error
)

func (v Verdict) String() string {
	switch v {
	case Clean:
		return "clean"
	case Infected:
		return "infected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the full outcome of a Scan call.
type Result struct {
	Verdict Verdict
	// Detail holds the threat name when Verdict == Infected, or the
	// failure reason when Verdict == Error. Empty when Verdict == Clean.
	Detail string
}

// Scanner streams a reader to a malware scanning backend and reports a
// verdict. Implementations must interleave reads of the scanner's reply
// with writes of the stream: a scanner may declare Infected before the
// stream has been fully sent, and the caller must stop sending as soon as
// that terminal reply is observed (spec §6, §9).
type Scanner interface {
	// Scan streams r to the scanner and returns its verdict. ctx governs
	// the overall budget for the scan; on ctx cancellation Scan returns a
	// Result{Verdict: Error}.
	Scan(ctx context.Context, r io.Reader) (Result, error)
	// Ping checks that the scanner backend is reachable.
	Ping(ctx context.Context) error
}

// Config describes how to reach the scanner backend.
type Config struct {
	// Enabled mirrors enable_virus_scan (§6 configuration surface). When
	// false, New returns a NoOp scanner and C9's scan duty becomes a
	// no-op over scan_state = unchecked blobs.
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	// Timeout bounds a single Scan call; spec §5 names a 30-minute
	// per-file budget.
	Timeout time.Duration `mapstructure:"timeout"`
}

// New constructs the Scanner described by cfg.
func New(cfg Config) Scanner {
	if !cfg.Enabled {
		return NoOp{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ClamdScanner{
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		timeout: timeout,
	}
}
