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

// Package objectstore abstracts the S3-compatible backend that holds blob
// bytes (C1). The production implementation talks to MinIO/S3 through
// minio-go; tests substitute the in-memory Mem store.
package objectstore

import (
	"context"
	"io"
	"time"
)

// PartInfo identifies one completed multipart part, as passed to
// MultipartComplete; MultipartPart itself returns only the part's etag.
type PartInfo struct {
	PartNumber int
	ETag       string
}

// PutResult is returned by streaming puts; it reports what actually
// landed so the caller can compare against a declared size and dedupe by
// Hash.
type PutResult struct {
	Key       string
	Hash      string
	SizeBytes int64
}

// Disposition selects the content-disposition the presigned URL is
// rendered with.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// Store is the full contract C1 exposes to the rest of the backend.
type Store interface {
	// Put uploads a small, fully-buffered object in one shot.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// StreamingPutWithHash consumes r of unknown length, uploading it in
	// windowSize-sized multipart parts while incrementally hashing the
	// content, and returns the resulting key/hash/size. Suspends on
	// every part upload and on every hash update (spec §5).
	StreamingPutWithHash(ctx context.Context, key string, r io.Reader, windowSize int64) (PutResult, error)

	MultipartBegin(ctx context.Context, key, contentType string) (uploadID string, err error)
	MultipartPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (etag string, err error)
	MultipartComplete(ctx context.Context, key, uploadID string, parts []PartInfo) error
	MultipartAbort(ctx context.Context, key, uploadID string) error

	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (size int64, contentType string, err error)
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// ListKeysOlderThan lists every object under prefix whose last
	// modification time is before cutoff, for the housekeeping staging
	// GC sweep (spec SPEC_FULL.md §4.9(iii-b)).
	ListKeysOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]string, error)

	// Presign returns a time-limited URL for key, with the given
	// content-type and content-disposition filename baked in.
	Presign(ctx context.Context, key string, ttl time.Duration, contentType string, disposition Disposition, filename string) (string, error)
}
