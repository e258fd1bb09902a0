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

package hash_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/hash"
)

func TestSumBytesIsDeterministic(t *testing.T) {
	a := hash.SumBytes([]byte("hello world"))
	b := hash.SumBytes([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestSumReaderMatchesSumBytes(t *testing.T) {
	payload := strings.Repeat("content", 1000)

	want := hash.SumBytes([]byte(payload))

	got, size, err := hash.SumReader(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.EqualValues(t, len(payload), size)
}

func TestHasherIncrementalMatchesOneShot(t *testing.T) {
	payload := "the quick brown fox jumps over the lazy dog"

	hr := hash.New()
	_, _ = hr.Write([]byte(payload[:10]))
	_, _ = hr.Write([]byte(payload[10:]))

	assert.Equal(t, hash.SumBytes([]byte(payload)), hr.Sum128Hex())
}

func TestHasherResetClearsState(t *testing.T) {
	hr := hash.New()
	_, _ = hr.Write([]byte("first"))
	first := hr.Sum128Hex()

	hr.Reset()
	_, _ = hr.Write([]byte("second"))
	second := hr.Sum128Hex()

	assert.NotEqual(t, first, second)
	assert.Equal(t, hash.SumBytes([]byte("second")), second)
}

func TestDifferentContentDifferentHash(t *testing.T) {
	assert.NotEqual(t, hash.SumBytes([]byte("a")), hash.SumBytes([]byte("b")))
}
