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

package objectstore_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/hash"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
)

func TestMemPutAndGetRange(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()

	require.NoError(t, store.Put(ctx, "k1", []byte("hello world"), "text/plain"))

	rc, err := store.GetRange(ctx, "k1", 6, 5)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestMemStreamingPutWithHash(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()

	payload := strings.Repeat("abcdefgh", 4096)
	res, err := store.StreamingPutWithHash(ctx, "staging/x", strings.NewReader(payload), 1024)
	require.NoError(t, err)

	assert.EqualValues(t, len(payload), res.SizeBytes)
	assert.Equal(t, hash.SumBytes([]byte(payload)), res.Hash)

	size, _, err := store.Head(ctx, "staging/x")
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)
}

func TestMemMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()

	uploadID, err := store.MultipartBegin(ctx, "obj/final", "application/octet-stream")
	require.NoError(t, err)

	etag2, err := store.MultipartPart(ctx, "obj/final", uploadID, 2, strings.NewReader("-part2-"), 7)
	require.NoError(t, err)
	etag1, err := store.MultipartPart(ctx, "obj/final", uploadID, 1, strings.NewReader("part1"), 5)
	require.NoError(t, err)

	err = store.MultipartComplete(ctx, "obj/final", uploadID, []objectstore.PartInfo{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	require.NoError(t, err)

	rc, err := store.GetRange(ctx, "obj/final", 0, 0)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "part1-part2-", string(data))
}

func TestMemMultipartAbortDropsParts(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()

	uploadID, err := store.MultipartBegin(ctx, "obj/aborted", "")
	require.NoError(t, err)
	_, err = store.MultipartPart(ctx, "obj/aborted", uploadID, 1, strings.NewReader("x"), 1)
	require.NoError(t, err)

	require.NoError(t, store.MultipartAbort(ctx, "obj/aborted", uploadID))

	err = store.MultipartComplete(ctx, "obj/aborted", uploadID, []objectstore.PartInfo{{PartNumber: 1, ETag: "x"}})
	assert.Error(t, err)
}

func TestMemCopyAndDelete(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()
	require.NoError(t, store.Put(ctx, "src", []byte("data"), ""))
	require.NoError(t, store.Copy(ctx, "src", "dst"))

	size, _, err := store.Head(ctx, "dst")
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)

	require.NoError(t, store.Delete(ctx, "src"))
	_, _, err = store.Head(ctx, "src")
	assert.Error(t, err)
}

func TestMemPresign(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMem()
	require.NoError(t, store.Put(ctx, "k", []byte("x"), ""))

	url, err := store.Presign(ctx, "k", 12*time.Hour, "image/png", objectstore.DispositionInline, "photo.png")
	require.NoError(t, err)
	assert.Contains(t, url, "k")
	assert.Contains(t, url, "inline")
}
