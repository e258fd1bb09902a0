package facts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertLiveFile(t *testing.T, s *store.Store, ownerID, category string, size int64) {
	t.Helper()
	ctx := context.Background()

	blob := model.StorageBlob{
		ID:          uuid.NewString(),
		ContentHash: uuid.NewString(),
		ObjectKey:   "blobs/" + uuid.NewString(),
		SizeBytes:   size,
		ScanState:   model.ScanClean,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.Blobs().Insert(ctx, blob))
	require.NoError(t, s.FileMetadata().Insert(ctx, model.FileMetadata{ID: uuid.NewString(), BlobID: blob.ID, Category: category, Attributes: map[string]any{}}))

	f := model.UserFile{ID: uuid.NewString(), OwnerID: ownerID, BlobID: &blob.ID, Filename: uuid.NewString(), CreatedAt: time.Now()}
	require.NoError(t, s.UserFiles().Insert(ctx, f))
}

func TestGetRefreshesWhenMissing(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, nil)
	ctx := context.Background()

	insertLiveFile(t, s, "owner-1", "text", 100)
	insertLiveFile(t, s, "owner-1", "image", 200)

	f, err := svc.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), f.FileCount)
	require.Equal(t, int64(300), f.TotalBytes)
	require.Equal(t, int64(1), f.CategoryBreakdown["text"])
}

func TestGetServesFreshStoredRowWithoutRefresh(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, nil)
	ctx := context.Background()

	insertLiveFile(t, s, "owner-1", "text", 100)
	first, err := svc.Get(ctx, "owner-1")
	require.NoError(t, err)

	insertLiveFile(t, s, "owner-1", "text", 900)
	second, err := svc.Get(ctx, "owner-1")
	require.NoError(t, err)

	require.Equal(t, first.TotalBytes, second.TotalBytes) // second file not yet reflected, row still fresh
}

func TestRequestRefreshCoalescesConcurrentCalls(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, nil)

	insertLiveFile(t, s, "owner-1", "text", 100)

	svc.RequestRefresh("owner-1")
	svc.RequestRefresh("owner-1") // second call should be a no-op while the first is in flight

	require.Eventually(t, func() bool {
		f, ok, err := s.Facts().Get(context.Background(), "owner-1")
		return err == nil && ok && f.FileCount == 1
	}, time.Second, 10*time.Millisecond)
}
