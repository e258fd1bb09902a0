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

// Package model defines the persistent entities shared by every
// component of the storage backend.
package model

import "time"

// ScanState is the lifecycle state of a blob's malware scan.
type ScanState string

const (
	ScanPending   ScanState = "pending"
	ScanScanning  ScanState = "scanning"
	ScanClean     ScanState = "clean"
	ScanInfected  ScanState = "infected"
	ScanError     ScanState = "error"
	ScanUnchecked ScanState = "unchecked"
)

// StorageBlob is the unique physical object behind one or more UserFile
// rows, keyed by its content hash.
type StorageBlob struct {
	ID           string
	ContentHash  string
	ObjectKey    string
	SizeBytes    int64
	RefCount     int
	MimeType     string
	ScanState    ScanState
	ScanDetail   string
	ScannedAt    *time.Time
	IsEncrypted  bool
	HasThumbnail bool
	CreatedAt    time.Time
}

// Downloadable reports whether the blob may be served to a caller.
func (b StorageBlob) Downloadable() bool {
	return b.ScanState != ScanInfected
}

// UserFile is a per-owner named entry in a folder tree; a row with
// IsFolder == true has no BlobID.
type UserFile struct {
	ID          string
	OwnerID     string
	BlobID      *string
	Filename    string
	ParentID    *string
	IsFolder    bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
	IsFavorite  bool
}

// Live reports whether the file is visible to ordinary reads.
func (f UserFile) Live() bool {
	return f.DeletedAt == nil
}

// Expired reports whether the file's expiry has passed as of now.
func (f UserFile) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// UploadSessionStatus is the lifecycle state of a resumable upload.
type UploadSessionStatus string

const (
	SessionPending   UploadSessionStatus = "pending"
	SessionCompleted UploadSessionStatus = "completed"
	SessionAborted   UploadSessionStatus = "aborted"
)

// PartRecord is one uploaded chunk of a multipart session.
type PartRecord struct {
	PartNumber int
	ETag       string
	SizeBytes  int64
}

// UploadSession tracks the state of a resumable multipart upload.
type UploadSession struct {
	ID              string
	OwnerID         string
	Filename        string
	DeclaredMime    string
	ParentID        *string
	ObjectKey       string
	BackendUploadID string
	ChunkSize       int64
	TotalSize       int64
	TotalChunks     int
	Parts           []PartRecord
	Status          UploadSessionStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// UploadedChunks reports how many distinct parts have landed so far.
func (s UploadSession) UploadedChunks() int {
	return len(s.Parts)
}

// Complete reports whether every chunk has been uploaded.
func (s UploadSession) Complete() bool {
	return len(s.Parts) == s.TotalChunks
}

// FileMetadata is the structured attributes extracted from a blob's
// content, keyed by blob (at most one row per blob).
type FileMetadata struct {
	ID         string
	BlobID     string
	Category   string
	Attributes map[string]any
	AutoTags   []string
}

// Tag is an interned, lowercase, uniquely-named label.
type Tag struct {
	ID   string
	Name string
}

// TagLink associates a UserFile with a Tag.
type TagLink struct {
	UserFileID string
	TagID      string
}

// ShareKind distinguishes a public link from a share targeted at a
// specific user.
type ShareKind string

const (
	SharePublic ShareKind = "public"
	ShareUser   ShareKind = "user"
)

// SharePermission bounds what a share grants.
type SharePermission string

const (
	PermissionView     SharePermission = "view"
	PermissionDownload SharePermission = "download"
)

// Share is a capability token granting access to a UserFile without
// ownership.
type Share struct {
	ID           string
	UserFileID   string
	CreatedBy    string
	Token        string
	Kind         ShareKind
	TargetUserID *string
	PasswordHash *string
	Permission   SharePermission
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether the share can no longer be used.
func (s Share) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ShareAccessLogEntry is one row of a share's access log (spec §3's
// "only the share creator may read the log"). AccessedBy is empty for
// an unauthenticated visit to a public link.
type ShareAccessLogEntry struct {
	ID         string
	ShareID    string
	AccessedBy string
	IP         string
	UserAgent  string
	Action     string
	CreatedAt  time.Time
}

// OwnerFacts holds the aggregated per-owner totals C10 maintains.
type OwnerFacts struct {
	OwnerID            string
	FileCount          int64
	TotalBytes         int64
	CategoryBreakdown  map[string]int64
	RefreshedAt        time.Time
}

// AuditEventType names a recorded audit action (spec §7).
type AuditEventType string

const (
	AuditUserRegister           AuditEventType = "UserRegister"
	AuditLogin                  AuditEventType = "Login"
	AuditFileUpload              AuditEventType = "FileUpload"
	AuditFileDelete              AuditEventType = "FileDelete"
	AuditShareCreate              AuditEventType = "ShareCreate"
	AuditShareAccessView           AuditEventType = "ShareAccess.view"
	AuditShareAccessList           AuditEventType = "ShareAccess.list"
	AuditShareAccessDownload       AuditEventType = "ShareAccess.download"
	AuditShareAccessPasswordOK     AuditEventType = "ShareAccess.password_verified"
	AuditShareAccessPasswordFailed AuditEventType = "ShareAccess.password_attempt"
)

// AuditEvent is a best-effort record of a notable action; its write never
// gates the primary operation it describes.
type AuditEvent struct {
	ID        string
	Type      AuditEventType
	ActorID   string
	SubjectID string
	Detail    string
	CreatedAt time.Time
}

// ValidationRule is a row in one of the three validation reference
// tables C2 consults (spec §6): allowed_mimes, blocked_extensions,
// magic_signatures.
type ValidationRule struct {
	ID      string
	Kind    string // "allowed_mime" | "blocked_extension" | "magic_signature"
	Value   string
	Magic   []byte // populated only for magic_signature rows
	Active  bool
}
