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

// Package share implements capability-token sharing (C8): creating a
// share, resolving one by its bearer token, password verification, and
// listing a shared folder's children, with access logged regardless of
// outcome.
package share

import (
	"context"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/sethvargo/go-password/password"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/download"
	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

const (
	tokenLength  = 24
	maxExpiresIn = 365 * 24 * time.Hour
)

// Entry is one child of a shared folder, as returned by ListSharedFolder.
type Entry struct {
	ID        string
	Filename  string
	IsFolder  bool
	SizeBytes int64
	MimeType  string
	CreatedAt time.Time
}

// Service implements create_share/get_by_token/verify_password/
// download_shared/list_shared_folder.
type Service struct {
	shares    *store.Shares
	files     *store.UserFiles
	blobs     *store.Blobs
	downloads *download.Resolver
}

// New builds a Service.
func New(s *store.Store, objects objectstore.Store) *Service {
	return &Service{
		shares:    s.Shares(),
		files:     s.UserFiles(),
		blobs:     s.Blobs(),
		downloads: download.New(s, objects),
	}
}

// CreateShare validates the request and mints a new share token.
func (svc *Service) CreateShare(ctx context.Context, fileID, creatorID string, kind model.ShareKind, targetUserID *string, rawPassword string, permission model.SharePermission, expiresIn time.Duration) (model.Share, error) {
	f, err := svc.files.GetByID(ctx, fileID)
	if err != nil {
		return model.Share{}, err
	}
	if f.OwnerID != creatorID {
		return model.Share{}, errtypes.PermissionDenied("not the owner of this file")
	}
	if !f.Live() {
		return model.Share{}, errtypes.Gone("file has been deleted")
	}

	switch kind {
	case model.SharePublic:
	case model.ShareUser:
		if targetUserID == nil || *targetUserID == "" {
			return model.Share{}, errtypes.BadRequest("target user required for a user share")
		}
	default:
		return model.Share{}, errtypes.BadRequest("unknown share kind")
	}

	switch permission {
	case model.PermissionView, model.PermissionDownload:
	default:
		return model.Share{}, errtypes.BadRequest("unknown share permission")
	}

	if expiresIn <= 0 || expiresIn > maxExpiresIn {
		return model.Share{}, errtypes.BadRequest("expires_in out of range")
	}

	token, err := password.Generate(tokenLength, 0, 0, false, false)
	if err != nil {
		return model.Share{}, errtypes.InternalError("token generation failed: " + err.Error())
	}

	var passwordHash *string
	if rawPassword != "" {
		hash, err := argon2id.CreateHash(rawPassword, argon2id.DefaultParams)
		if err != nil {
			return model.Share{}, errtypes.InternalError("password hashing failed: " + err.Error())
		}
		passwordHash = &hash
	}

	now := time.Now()
	sh := model.Share{
		ID:           uuid.NewString(),
		UserFileID:   fileID,
		CreatedBy:    creatorID,
		Token:        token,
		Kind:         kind,
		TargetUserID: targetUserID,
		PasswordHash: passwordHash,
		Permission:   permission,
		ExpiresAt:    now.Add(expiresIn),
		CreatedAt:    now,
	}
	if err := svc.shares.Insert(ctx, sh); err != nil {
		return model.Share{}, err
	}
	return sh, nil
}

// GetByToken fetches a share, rejecting one past its expiry.
func (svc *Service) GetByToken(ctx context.Context, token string) (model.Share, error) {
	sh, err := svc.shares.GetByToken(ctx, token)
	if err != nil {
		return model.Share{}, err
	}
	if sh.Expired(time.Now()) {
		return model.Share{}, errtypes.Gone("share has expired")
	}
	return sh, nil
}

// VerifyPassword checks a share's password and logs the attempt either
// way (spec §4.8: "log access event regardless of outcome").
func (svc *Service) VerifyPassword(ctx context.Context, token, suppliedPassword, ip, userAgent string) (bool, error) {
	sh, err := svc.GetByToken(ctx, token)
	if err != nil {
		return false, err
	}
	if sh.PasswordHash == nil {
		return true, nil
	}

	ok, err := argon2id.ComparePasswordAndHash(suppliedPassword, *sh.PasswordHash)
	if err != nil {
		return false, errtypes.InternalError("password verification failed: " + err.Error())
	}

	eventType := model.AuditShareAccessPasswordFailed
	if ok {
		eventType = model.AuditShareAccessPasswordOK
	}
	svc.logAccess(ctx, sh.ID, "", eventType, ip, userAgent)
	return ok, nil
}

// DownloadShared resolves a share into a presigned handoff, enforcing
// expiry and password gates and routing through §4.7's presigning
// contract with a disposition driven by the share's permission.
func (svc *Service) DownloadShared(ctx context.Context, token, suppliedPassword, accessedBy, ip, userAgent string) (download.Handoff, error) {
	sh, err := svc.GetByToken(ctx, token)
	if err != nil {
		return download.Handoff{}, err
	}
	if sh.PasswordHash != nil {
		ok, err := argon2id.ComparePasswordAndHash(suppliedPassword, *sh.PasswordHash)
		if err != nil {
			return download.Handoff{}, errtypes.InternalError("password verification failed: " + err.Error())
		}
		if !ok {
			svc.logAccess(ctx, sh.ID, accessedBy, model.AuditShareAccessPasswordFailed, ip, userAgent)
			return download.Handoff{}, errtypes.PermissionDenied("incorrect share password")
		}
	}

	disposition := objectstore.DispositionAttachment
	if sh.Permission == model.PermissionView {
		disposition = objectstore.DispositionInline
	}

	handoff, err := svc.downloads.ResolveSharedDownload(ctx, sh.UserFileID, disposition)
	if err != nil {
		return download.Handoff{}, err
	}

	svc.logAccess(ctx, sh.ID, accessedBy, model.AuditShareAccessDownload, ip, userAgent)
	return handoff, nil
}

// ListSharedFolder requires the shared target to be a folder and
// returns its direct children.
func (svc *Service) ListSharedFolder(ctx context.Context, token, accessedBy, ip, userAgent string) ([]Entry, error) {
	sh, err := svc.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	folder, err := svc.files.GetByID(ctx, sh.UserFileID)
	if err != nil {
		return nil, err
	}
	if !folder.IsFolder {
		return nil, errtypes.BadRequest("shared target is not a folder")
	}

	children, err := svc.files.ListLiveChildren(ctx, folder.OwnerID, &folder.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(children))
	for _, c := range children {
		e := Entry{ID: c.ID, Filename: c.Filename, IsFolder: c.IsFolder, CreatedAt: c.CreatedAt}
		if c.BlobID != nil {
			if blob, err := svc.blobs.GetByID(ctx, *c.BlobID); err == nil {
				e.SizeBytes = blob.SizeBytes
				e.MimeType = blob.MimeType
			}
		}
		entries = append(entries, e)
	}

	svc.logAccess(ctx, sh.ID, accessedBy, model.AuditShareAccessList, ip, userAgent)
	return entries, nil
}

// ListAccessLog returns a share's access log, newest first. Only the
// share's creator may read it (spec §3: "only the share creator may
// read the log").
func (svc *Service) ListAccessLog(ctx context.Context, shareID, requesterID string) ([]model.ShareAccessLogEntry, error) {
	sh, err := svc.shares.GetByID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if sh.CreatedBy != requesterID {
		return nil, errtypes.PermissionDenied("not the creator of this share")
	}
	return svc.shares.ListAccessLog(ctx, shareID)
}

func (svc *Service) logAccess(ctx context.Context, shareID, accessedBy string, action model.AuditEventType, ip, userAgent string) {
	entry := model.AuditEvent{
		ID:        uuid.NewString(),
		Type:      action,
		ActorID:   accessedBy,
		SubjectID: shareID,
		Detail:    string(action),
		CreatedAt: time.Now(),
	}
	if err := svc.shares.LogAccess(ctx, entry, shareID, ip, userAgent); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("share_id", shareID).Str("action", string(action)).Msg("share access log write failed")
	}
}
