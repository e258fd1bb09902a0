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

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/opencloud-eu/filestorage/pkg/hash"
)

// S3Config describes how to reach the S3-compatible backend.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	UseTLS    bool   `mapstructure:"use_tls"`
	Region    string `mapstructure:"region"`
}

// ApplyDefaults implements cfg.Defaulter.
func (c *S3Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// S3Store is the production Store backed by an S3-compatible bucket,
// reached through minio-go's high-level client for simple operations and
// its Core client for the raw multipart primitives C1 requires.
type S3Store struct {
	client *minio.Client
	core   *minio.Core
	bucket string
}

// NewS3Store dials the configured endpoint and returns a ready Store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: connecting to %s: %w", cfg.Endpoint, err)
	}

	core := &minio.Core{Client: client}

	return &S3Store{client: client, core: core, bucket: cfg.Bucket}, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// StreamingPutWithHash implements Store. It drives the low-level
// multipart primitives directly (rather than the high-level PutObject,
// which buffers to discover length) so it can consume a reader of
// unknown length in fixed windows while hashing as it goes (spec §4.1,
// §5 — the per-chunk hashing loop is a named suspension point).
func (s *S3Store) StreamingPutWithHash(ctx context.Context, key string, r io.Reader, windowSize int64) (PutResult, error) {
	if windowSize <= 0 {
		windowSize = 10 << 20
	}

	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return PutResult{}, fmt.Errorf("objectstore: begin streaming put %s: %w", key, err)
	}

	hasher := hash.New()
	var parts []PartInfo
	var total int64
	partNumber := 1

	buf := make([]byte, windowSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := hasher.Write(buf[:n]); werr != nil {
				_ = s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID)
				return PutResult{}, fmt.Errorf("objectstore: hashing %s: %w", key, werr)
			}
			part, perr := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, partNumber, bytes.NewReader(buf[:n]), int64(n), minio.PutObjectPartOptions{})
			if perr != nil {
				_ = s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID)
				return PutResult{}, fmt.Errorf("objectstore: put part %d of %s: %w", partNumber, key, perr)
			}
			parts = append(parts, PartInfo{PartNumber: partNumber, ETag: part.ETag})
			total += int64(n)
			partNumber++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			_ = s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID)
			return PutResult{}, fmt.Errorf("objectstore: reading input for %s: %w", key, rerr)
		}
	}

	completeParts := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completeParts[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return PutResult{}, fmt.Errorf("objectstore: completing streaming put %s: %w", key, err)
	}

	return PutResult{Key: key, Hash: hasher.Sum128Hex(), SizeBytes: total}, nil
}

// MultipartBegin implements Store.
func (s *S3Store) MultipartBegin(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("objectstore: multipart begin %s: %w", key, err)
	}
	return uploadID, nil
}

// MultipartPart implements Store.
func (s *S3Store) MultipartPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("objectstore: multipart part %d of %s: %w", partNumber, key, err)
	}
	return part.ETag, nil
}

// MultipartComplete implements Store.
func (s *S3Store) MultipartComplete(ctx context.Context, key, uploadID string, parts []PartInfo) error {
	sorted := append([]PartInfo(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completeParts := make([]minio.CompletePart, len(sorted))
	for i, p := range sorted {
		completeParts[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("objectstore: multipart complete %s: %w", key, err)
	}
	return nil
}

// MultipartAbort implements Store.
func (s *S3Store) MultipartAbort(ctx context.Context, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		return fmt.Errorf("objectstore: multipart abort %s: %w", key, err)
	}
	return nil
}

// Copy implements Store.
func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("objectstore: copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Head implements Store.
func (s *S3Store) Head(ctx context.Context, key string) (int64, string, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return info.Size, info.ContentType, nil
}

// GetRange implements Store.
func (s *S3Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if length > 0 {
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, fmt.Errorf("objectstore: range for %s: %w", key, err)
		}
	} else if offset > 0 {
		if err := opts.SetRange(offset, -1); err != nil {
			return nil, fmt.Errorf("objectstore: range for %s: %w", key, err)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return obj, nil
}

// ListKeysOlderThan implements Store using minio-go's ListObjects
// (C1's ListObjectsV2-equivalent, per spec §6).
func (s *S3Store) ListKeysOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objectstore: listing %s: %w", prefix, obj.Err)
		}
		if obj.LastModified.Before(cutoff) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

// Presign implements Store.
func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration, contentType string, disposition Disposition, filename string) (string, error) {
	reqParams := url.Values{}
	reqParams.Set("response-content-type", contentType)
	reqParams.Set("response-content-disposition", contentDisposition(disposition, filename))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, reqParams)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}

func contentDisposition(d Disposition, filename string) string {
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, d, asciiFallback(filename), url.PathEscape(filename))
}

func asciiFallback(filename string) string {
	out := make([]rune, 0, len(filename))
	for _, r := range filename {
		if r < 0x80 {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
