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

// Package hash computes the 128-bit XXH3 content hash used to identify
// storage blobs. It wraps zeebo/xxh3 with a streaming Hasher that mirrors
// the interface of hash.Hash so it can sit inline in an io.TeeReader while
// bytes flow to the object store.
package hash

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/xxh3"
)

// Size is the length in bytes of a raw content hash digest (128 bits);
// the rendered hex form is twice as long.
const Size = 16

// Hasher incrementally computes the XXH3-128 hash of a byte stream.
type Hasher struct {
	h *xxh3.Hasher
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{h: xxh3.New()}
}

// Write implements io.Writer; it never returns an error.
func (hr *Hasher) Write(p []byte) (int, error) {
	return hr.h.Write(p)
}

// Sum128Hex renders the current state as a 32-character lowercase hex
// string, matching the content_hash column format (spec §3).
func (hr *Hasher) Sum128Hex() string {
	sum := hr.h.Sum128()
	b := sum.Bytes()
	return hex.EncodeToString(b[:])
}

// Reset clears the hasher for reuse.
func (hr *Hasher) Reset() {
	hr.h.Reset()
}

var _ hash.Hash = (*wrappedHash)(nil)

// wrappedHash adapts Hasher to the standard hash.Hash interface for
// callers that need it (e.g. io.MultiWriter sinks expecting hash.Hash).
type wrappedHash struct {
	*Hasher
}

func (w *wrappedHash) Sum(b []byte) []byte {
	sum := w.Hasher.h.Sum128()
	bs := sum.Bytes()
	return append(b, bs[:]...)
}

func (w *wrappedHash) Size() int      { return Size }
func (w *wrappedHash) BlockSize() int { return 64 }

// AsStdHash returns hr wrapped to satisfy hash.Hash.
func (hr *Hasher) AsStdHash() hash.Hash {
	return &wrappedHash{hr}
}

// SumReader consumes r to EOF and returns its XXH3-128 hash as hex plus
// the total byte count, used by the multipart completion path (§4.6) to
// compute a server-side hash over an assembled object when no
// client-supplied hash is trusted.
func SumReader(r io.Reader) (sumHex string, size int64, err error) {
	hr := New()
	n, err := io.Copy(hr, r)
	if err != nil {
		return "", 0, err
	}
	return hr.Sum128Hex(), n, nil
}

// SumBytes hashes an in-memory buffer in one call and returns the
// 32-character hex form.
func SumBytes(b []byte) string {
	sum := xxh3.Hash128(b)
	return hex.EncodeToString(sum.Bytes())
}
