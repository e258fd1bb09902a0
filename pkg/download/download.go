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

// Package download resolves a UserFile into a presigned, time-limited
// URL handoff (spec §4.7); the backend never streams object bytes
// through itself for first-class downloads.
package download

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	fsmime "github.com/opencloud-eu/filestorage/pkg/mime"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

// PresignTTL is how long a download URL remains valid once issued.
const PresignTTL = 12 * time.Hour

// Handoff is what the HTTP layer redirects the caller to.
type Handoff struct {
	URL         string
	ContentType string
}

// Resolver implements the ownership/liveness/expiry/scan-state gate and
// produces a presigned URL for a UserFile.
type Resolver struct {
	blobs   *store.Blobs
	files   *store.UserFiles
	objects objectstore.Store
}

// New builds a Resolver.
func New(s *store.Store, objects objectstore.Store) *Resolver {
	return &Resolver{blobs: s.Blobs(), files: s.UserFiles(), objects: objects}
}

// ResolveOwnerDownload enforces the four gates from spec §4.7 for an
// owner accessing their own file.
func (r *Resolver) ResolveOwnerDownload(ctx context.Context, userFileID, ownerID string) (Handoff, error) {
	f, err := r.files.GetByID(ctx, userFileID)
	if err != nil {
		return Handoff{}, err
	}
	if f.OwnerID != ownerID {
		return Handoff{}, errtypes.PermissionDenied("not the owner of this file")
	}
	return r.resolve(ctx, f, autoDisposition)
}

// autoDisposition marks a download that should pick inline vs attachment
// automatically from content type, the §4.7 rule for first-class
// (non-share) downloads.
const autoDisposition objectstore.Disposition = ""

// ResolveSharedDownload is the same gate, but for a caller who reached
// the file through a Share rather than ownership; disposition is chosen
// by the caller (view → inline, download → attachment).
func (r *Resolver) ResolveSharedDownload(ctx context.Context, userFileID string, disposition objectstore.Disposition) (Handoff, error) {
	f, err := r.files.GetByID(ctx, userFileID)
	if err != nil {
		return Handoff{}, err
	}
	return r.resolve(ctx, f, disposition)
}

func (r *Resolver) resolve(ctx context.Context, f model.UserFile, disposition objectstore.Disposition) (Handoff, error) {
	if !f.Live() {
		return Handoff{}, errtypes.Gone("file has been deleted")
	}
	if f.Expired(time.Now()) {
		return Handoff{}, errtypes.Gone("file has expired")
	}
	if f.BlobID == nil {
		return Handoff{}, errtypes.BadRequest("cannot download a folder")
	}

	blob, err := r.blobs.GetByID(ctx, *f.BlobID)
	if err != nil {
		return Handoff{}, err
	}
	if !blob.Downloadable() {
		return Handoff{}, errtypes.PermissionDenied("file is quarantined")
	}

	contentType := blob.MimeType
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(f.Filename)); guessed != "" {
			contentType = guessed
		} else {
			contentType = "application/octet-stream"
		}
	}

	if disposition == autoDisposition {
		disposition = autoDispositionFor(contentType, f.Filename)
	}

	url, err := r.objects.Presign(ctx, blob.ObjectKey, PresignTTL, contentType, disposition, f.Filename)
	if err != nil {
		return Handoff{}, errtypes.InternalError("presigning download failed: " + err.Error())
	}
	return Handoff{URL: url, ContentType: contentType}, nil
}

// autoDispositionFor implements spec §4.7's "inline for media and PDFs
// and text; attachment otherwise" rule for first-class downloads.
func autoDispositionFor(contentType, filename string) objectstore.Disposition {
	category := fsmime.CategoryOf(contentType, filename)
	switch category {
	case fsmime.CategoryImage, fsmime.CategoryVideo, fsmime.CategoryAudio, fsmime.CategoryText:
		return objectstore.DispositionInline
	}
	if strings.HasPrefix(contentType, "application/pdf") {
		return objectstore.DispositionInline
	}
	return objectstore.DispositionAttachment
}
