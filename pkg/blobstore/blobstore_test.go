package blobstore

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

func newTestLifecycle(t *testing.T) (*Lifecycle, *store.Store, *objectstore.Mem) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	objects := objectstore.NewMem()
	return New(s, objects), s, objects
}

func insertFile(t *testing.T, s *store.Store, objects *objectstore.Mem, ownerID, name string, parentID *string, isFolder bool) model.UserFile {
	t.Helper()
	ctx := context.Background()
	f := model.UserFile{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Filename:  name,
		ParentID:  parentID,
		IsFolder:  isFolder,
		CreatedAt: time.Now(),
	}
	if !isFolder {
		require.NoError(t, objects.Put(ctx, "blobs/"+f.ID, []byte("content"), "application/octet-stream"))
		blob := model.StorageBlob{
			ID:          uuid.NewString(),
			ContentHash: f.ID,
			ObjectKey:   "blobs/" + f.ID,
			SizeBytes:   7,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.Blobs().Insert(ctx, blob))
		f.BlobID = &blob.ID
	}
	require.NoError(t, s.UserFiles().Insert(ctx, f))
	return f
}

func TestSoftDeleteUserFileDecrementsRef(t *testing.T) {
	lc, s, _ := newTestLifecycle(t)
	ctx := context.Background()

	f := insertFile(t, s, objectstore.NewMem(), "owner-1", "a.txt", nil, false)
	require.NoError(t, lc.SoftDeleteUserFile(ctx, f, time.Now()))

	_, err := s.Blobs().GetByID(ctx, *f.BlobID)
	require.Error(t, err)

	got, err := s.UserFiles().GetByID(ctx, f.ID)
	require.NoError(t, err)
	require.False(t, got.Live())
}

func TestRecursiveFolderDeleteCountsEveryRow(t *testing.T) {
	lc, s, objects := newTestLifecycle(t)
	ctx := context.Background()

	folder := insertFile(t, s, objects, "owner-1", "dir", nil, true)
	child1 := insertFile(t, s, objects, "owner-1", "a.txt", &folder.ID, false)
	subdir := insertFile(t, s, objects, "owner-1", "sub", &folder.ID, true)
	_ = insertFile(t, s, objects, "owner-1", "b.txt", &subdir.ID, false)

	n, err := lc.RecursiveFolderDelete(ctx, folder, time.Now())
	require.NoError(t, err)
	require.Equal(t, 4, n) // folder + child1 + subdir + its child

	got, err := s.UserFiles().GetByID(ctx, child1.ID)
	require.NoError(t, err)
	require.False(t, got.Live())
}

func TestBulkCopyRefusesCycle(t *testing.T) {
	lc, s, objects := newTestLifecycle(t)
	ctx := context.Background()

	folder := insertFile(t, s, objects, "owner-1", "dir", nil, true)
	_, err := lc.BulkCopy(ctx, "owner-1", []string{folder.ID}, &folder.ID, time.Now())
	require.Error(t, err)
}

func TestBulkCopyBumpsRefCountInsteadOfCopyingBytes(t *testing.T) {
	lc, s, objects := newTestLifecycle(t)
	ctx := context.Background()

	f := insertFile(t, s, objects, "owner-1", "a.txt", nil, false)
	copied, err := lc.BulkCopy(ctx, "owner-1", []string{f.ID}, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, copied, 1)
	require.Equal(t, "a.txt - Copy", copied[0].Filename)

	blob, err := s.Blobs().GetByID(ctx, *f.BlobID)
	require.NoError(t, err)
	require.Equal(t, 2, blob.RefCount)
}

func TestBulkMoveRefusesMoveIntoDescendant(t *testing.T) {
	lc, s, objects := newTestLifecycle(t)
	ctx := context.Background()

	parent := insertFile(t, s, objects, "owner-1", "dir", nil, true)
	child := insertFile(t, s, objects, "owner-1", "sub", &parent.ID, true)

	err := lc.BulkMove(ctx, "owner-1", []string{parent.ID}, &child.ID)
	require.Error(t, err)
}

func TestQuarantineHardDeletesFileRowsAndBlob(t *testing.T) {
	lc, s, objects := newTestLifecycle(t)
	ctx := context.Background()

	f := insertFile(t, s, objects, "owner-1", "bad.exe", nil, false)
	require.NoError(t, lc.Quarantine(ctx, *f.BlobID))

	_, err := s.UserFiles().GetByID(ctx, f.ID)
	require.Error(t, err)
	_, err = s.Blobs().GetByID(ctx, *f.BlobID)
	require.Error(t, err)
}
