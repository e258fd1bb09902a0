package download

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *objectstore.Mem) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	objects := objectstore.NewMem()
	return New(s, objects), s, objects
}

func insertOwnerFile(t *testing.T, s *store.Store, ownerID, filename, mimeType string) model.UserFile {
	t.Helper()
	ctx := context.Background()

	blob := model.StorageBlob{
		ID:          uuid.NewString(),
		ContentHash: uuid.NewString(),
		ObjectKey:   "blobs/" + uuid.NewString(),
		SizeBytes:   123,
		MimeType:    mimeType,
		ScanState:   model.ScanClean,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.Blobs().Insert(ctx, blob))

	blobID := blob.ID
	f := model.UserFile{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		BlobID:    &blobID,
		Filename:  filename,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.UserFiles().Insert(ctx, f))
	return f
}

func TestResolveOwnerDownloadPicksInlineForText(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "notes.txt", "text/plain")

	handoff, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, strings.Contains(handoff.URL, "disposition="+string(objectstore.DispositionInline)))
}

func TestResolveOwnerDownloadPicksAttachmentForBinary(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "archive.zip", "application/zip")

	handoff, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, strings.Contains(handoff.URL, "disposition="+string(objectstore.DispositionAttachment)))
}

func TestResolveOwnerDownloadPicksInlineForPDF(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "report.pdf", "application/pdf")

	handoff, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, strings.Contains(handoff.URL, "disposition="+string(objectstore.DispositionInline)))
}

func TestResolveOwnerDownloadRejectsNonOwner(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "notes.txt", "text/plain")

	_, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-2")
	require.Error(t, err)
	_, ok := err.(errtypes.IsPermissionDenied)
	require.True(t, ok)
}

func TestResolveOwnerDownloadRejectsDeletedFile(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "notes.txt", "text/plain")
	require.NoError(t, s.UserFiles().SoftDelete(ctx, f.ID, time.Now()))

	_, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.Error(t, err)
	_, ok := err.(errtypes.IsGone)
	require.True(t, ok)
}

func TestResolveOwnerDownloadRejectsExpiredFile(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "notes.txt", "text/plain")
	past := time.Now().Add(-time.Hour)
	f.ExpiresAt = &past
	require.NoError(t, s.UserFiles().Update(ctx, f))

	_, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.Error(t, err)
	_, ok := err.(errtypes.IsGone)
	require.True(t, ok)
}

func TestResolveOwnerDownloadRejectsQuarantinedBlob(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "notes.txt", "text/plain")
	require.NoError(t, s.Blobs().SetScanState(ctx, *f.BlobID, model.ScanInfected, "eicar", time.Now()))

	_, err := r.ResolveOwnerDownload(ctx, f.ID, "owner-1")
	require.Error(t, err)
	_, ok := err.(errtypes.IsPermissionDenied)
	require.True(t, ok)
}

func TestResolveSharedDownloadHonorsExplicitDisposition(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	f := insertOwnerFile(t, s, "owner-1", "archive.zip", "application/zip")

	handoff, err := r.ResolveSharedDownload(ctx, f.ID, objectstore.DispositionInline)
	require.NoError(t, err)
	require.True(t, strings.Contains(handoff.URL, "disposition="+string(objectstore.DispositionInline)))
}
