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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencloud-eu/filestorage/pkg/hash"
)

type memObject struct {
	data        []byte
	contentType string
	modTime     time.Time
}

type memMultipart struct {
	key   string
	parts map[int][]byte
}

// Mem is an in-memory Store used by tests that exercise C1's contract
// without a real S3 backend (spec §9 names this as the expected test
// isolation boundary).
type Mem struct {
	mu         sync.Mutex
	objects    map[string]memObject
	multiparts map[string]*memMultipart
	// PresignedURLs records every URL Presign has handed out, keyed by
	// key, for assertions in tests.
	PresignedURLs map[string]string
}

// NewMem returns a ready, empty Mem store.
func NewMem() *Mem {
	return &Mem{
		objects:       map[string]memObject{},
		multiparts:    map[string]*memMultipart{},
		PresignedURLs: map[string]string{},
	}
}

// Put implements Store.
func (m *Mem) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.objects[key] = memObject{data: cp, contentType: contentType, modTime: time.Now()}
	return nil
}

// StreamingPutWithHash implements Store.
func (m *Mem) StreamingPutWithHash(_ context.Context, key string, r io.Reader, _ int64) (PutResult, error) {
	hasher := hash.New()
	tee := io.TeeReader(r, hasher)
	data, err := io.ReadAll(tee)
	if err != nil {
		return PutResult{}, err
	}

	m.mu.Lock()
	m.objects[key] = memObject{data: data, modTime: time.Now()}
	m.mu.Unlock()

	return PutResult{Key: key, Hash: hasher.Sum128Hex(), SizeBytes: int64(len(data))}, nil
}

// MultipartBegin implements Store.
func (m *Mem) MultipartBegin(_ context.Context, key, _ string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.multiparts[id] = &memMultipart{key: key, parts: map[int][]byte{}}
	m.mu.Unlock()
	return id, nil
}

// MultipartPart implements Store.
func (m *Mem) MultipartPart(_ context.Context, key, uploadID string, partNumber int, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.multiparts[uploadID]
	if !ok || mp.key != key {
		return "", fmt.Errorf("objectstore/mem: unknown upload %s for key %s", uploadID, key)
	}
	mp.parts[partNumber] = data
	return fmt.Sprintf("etag-%s-%d", uploadID, partNumber), nil
}

// MultipartComplete implements Store.
func (m *Mem) MultipartComplete(_ context.Context, key, uploadID string, parts []PartInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.multiparts[uploadID]
	if !ok || mp.key != key {
		return fmt.Errorf("objectstore/mem: unknown upload %s for key %s", uploadID, key)
	}

	ordered := append([]PartInfo(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	var buf bytes.Buffer
	for _, p := range ordered {
		data, ok := mp.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("objectstore/mem: missing part %d for upload %s", p.PartNumber, uploadID)
		}
		buf.Write(data)
	}

	m.objects[key] = memObject{data: buf.Bytes(), modTime: time.Now()}
	delete(m.multiparts, uploadID)
	return nil
}

// MultipartAbort implements Store.
func (m *Mem) MultipartAbort(_ context.Context, _, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.multiparts, uploadID)
	return nil
}

// Copy implements Store.
func (m *Mem) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("objectstore/mem: copy: no such key %s", srcKey)
	}
	m.objects[dstKey] = memObject{data: append([]byte(nil), obj.data...), contentType: obj.contentType, modTime: time.Now()}
	return nil
}

// Delete implements Store.
func (m *Mem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Head implements Store.
func (m *Mem) Head(_ context.Context, key string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return 0, "", fmt.Errorf("objectstore/mem: head: no such key %s", key)
	}
	return int64(len(obj.data)), obj.contentType, nil
}

// GetRange implements Store.
func (m *Mem) GetRange(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("objectstore/mem: get: no such key %s", key)
	}
	data := obj.data
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := int64(len(data))
	if length > 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

// ListKeysOlderThan implements Store.
func (m *Mem) ListKeysOlderThan(_ context.Context, prefix string, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) && obj.modTime.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Presign implements Store; it fabricates a deterministic, inspectable
// URL rather than signing anything.
func (m *Mem) Presign(_ context.Context, key string, ttl time.Duration, contentType string, disposition Disposition, filename string) (string, error) {
	url := fmt.Sprintf("mem://%s?ttl=%s&type=%s&disposition=%s&filename=%s", key, ttl, contentType, disposition, filename)
	m.mu.Lock()
	m.PresignedURLs[key] = url
	m.mu.Unlock()
	return url, nil
}

var _ Store = (*Mem)(nil)
