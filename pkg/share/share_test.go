package share

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	return New(s, objectstore.NewMem()), s
}

func insertFile(t *testing.T, s *store.Store, ownerID, filename string, isFolder bool, parentID *string) model.UserFile {
	t.Helper()
	ctx := context.Background()

	var blobID *string
	if !isFolder {
		blob := model.StorageBlob{
			ID:          uuid.NewString(),
			ContentHash: uuid.NewString(),
			ObjectKey:   "blobs/" + uuid.NewString(),
			SizeBytes:   42,
			MimeType:    "text/plain",
			ScanState:   model.ScanClean,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.Blobs().Insert(ctx, blob))
		blobID = &blob.ID
	}

	f := model.UserFile{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		BlobID:    blobID,
		Filename:  filename,
		ParentID:  parentID,
		IsFolder:  isFolder,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.UserFiles().Insert(ctx, f))
	return f
}

func TestCreateShareAndDownloadRoundTrip(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)

	sh, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "", model.PermissionDownload, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, sh.Token)
	require.Nil(t, sh.PasswordHash)

	fetched, err := svc.GetByToken(ctx, sh.Token)
	require.NoError(t, err)
	require.Equal(t, sh.ID, fetched.ID)

	handoff, err := svc.DownloadShared(ctx, sh.Token, "", "viewer-1", "1.2.3.4", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, handoff.URL)
}

func TestCreateShareRejectsNonOwner(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)

	_, err := svc.CreateShare(ctx, f.ID, "owner-2", model.SharePublic, nil, "", model.PermissionView, time.Hour)
	require.Error(t, err)
}

func TestCreateShareRejectsUserKindWithoutTarget(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)

	_, err := svc.CreateShare(ctx, f.ID, "owner-1", model.ShareUser, nil, "", model.PermissionView, time.Hour)
	require.Error(t, err)
}

func TestCreateShareRejectsExcessiveExpiry(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)

	_, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "", model.PermissionView, 2*365*24*time.Hour)
	require.Error(t, err)
}

func TestGetByTokenRejectsExpiredShare(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)
	sh, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "", model.PermissionView, time.Hour)
	require.NoError(t, err)

	sh.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Shares().Delete(ctx, sh.ID))
	require.NoError(t, s.Shares().Insert(ctx, sh))

	_, err = svc.GetByToken(ctx, sh.Token)
	require.Error(t, err)
}

func TestVerifyPasswordAcceptsAndRejects(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)
	sh, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "s3cret", model.PermissionView, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, sh.PasswordHash)

	ok, err := svc.VerifyPassword(ctx, sh.Token, "s3cret", "1.2.3.4", "test-agent")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.VerifyPassword(ctx, sh.Token, "wrong", "1.2.3.4", "test-agent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDownloadSharedRejectsWrongPassword(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)
	sh, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "s3cret", model.PermissionDownload, time.Hour)
	require.NoError(t, err)

	_, err = svc.DownloadShared(ctx, sh.Token, "wrong", "viewer-1", "1.2.3.4", "test-agent")
	require.Error(t, err)
}

func TestListSharedFolderReturnsChildren(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	folder := insertFile(t, s, "owner-1", "photos", true, nil)
	insertFile(t, s, "owner-1", "a.jpg", false, &folder.ID)
	insertFile(t, s, "owner-1", "b.jpg", false, &folder.ID)

	sh, err := svc.CreateShare(ctx, folder.ID, "owner-1", model.SharePublic, nil, "", model.PermissionView, time.Hour)
	require.NoError(t, err)

	entries, err := svc.ListSharedFolder(ctx, sh.Token, "viewer-1", "1.2.3.4", "test-agent")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListSharedFolderRejectsFileTarget(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	f := insertFile(t, s, "owner-1", "report.pdf", false, nil)
	sh, err := svc.CreateShare(ctx, f.ID, "owner-1", model.SharePublic, nil, "", model.PermissionView, time.Hour)
	require.NoError(t, err)

	_, err = svc.ListSharedFolder(ctx, sh.Token, "viewer-1", "1.2.3.4", "test-agent")
	require.Error(t, err)
}
