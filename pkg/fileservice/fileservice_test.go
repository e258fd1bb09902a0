package fileservice

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
	"github.com/opencloud-eu/filestorage/pkg/validation"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	objects := objectstore.NewMem()
	life := blobstore.New(s, objects)
	return New(s, objects, life, true, nil, nil), s
}

func baseRules() validation.Rules {
	return validation.Rules{
		AllowedMimePrefixes: []string{"text/"},
		BlockedExtensions:   map[string]bool{},
	}
}

func TestStageAndCommitNewBlob(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("hello world\n"), 10)
	staged, err := svc.Stage(ctx, "notes.txt", "text/plain", bytes.NewReader(content), 1<<20, baseRules())
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), staged.Size)

	res, err := svc.Commit(ctx, staged, "notes.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)
	require.NotEmpty(t, res.UserFileID)

	blob, err := s.Blobs().GetByID(ctx, res.BlobID)
	require.NoError(t, err)
	require.Equal(t, 1, blob.RefCount)

	meta, err := s.FileMetadata().GetByBlobID(ctx, blob.ID)
	require.NoError(t, err)
	require.Equal(t, "text", meta.Category)
}

func TestCommitDedupsSecondUploadOfSameContent(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	content := []byte("duplicate content")

	staged1, err := svc.Stage(ctx, "a.txt", "text/plain", bytes.NewReader(content), 1<<20, baseRules())
	require.NoError(t, err)
	res1, err := svc.Commit(ctx, staged1, "a.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)

	staged2, err := svc.Stage(ctx, "b.txt", "text/plain", bytes.NewReader(content), 1<<20, baseRules())
	require.NoError(t, err)
	res2, err := svc.Commit(ctx, staged2, "b.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)

	require.Equal(t, res1.BlobID, res2.BlobID)
	blob, err := s.Blobs().GetByID(ctx, res1.BlobID)
	require.NoError(t, err)
	require.Equal(t, 2, blob.RefCount)
}

func TestCommitMergeRepointsExistingFileAndDecrementsOldBlob(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	staged1, err := svc.Stage(ctx, "a.txt", "text/plain", bytes.NewReader([]byte("first")), 1<<20, baseRules())
	require.NoError(t, err)
	res1, err := svc.Commit(ctx, staged1, "a.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)

	staged2, err := svc.Stage(ctx, "a.txt", "text/plain", bytes.NewReader([]byte("second, different content")), 1<<20, baseRules())
	require.NoError(t, err)
	res2, err := svc.Commit(ctx, staged2, "a.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)

	require.Equal(t, res1.UserFileID, res2.UserFileID)
	require.NotEqual(t, res1.BlobID, res2.BlobID)

	_, err = s.Blobs().GetByID(ctx, res1.BlobID)
	require.Error(t, err) // old blob's ref_count hit zero and was deleted
}

func TestStageRejectsOversizedUpload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("x"), 2048)
	_, err := svc.Stage(ctx, "big.txt", "text/plain", bytes.NewReader(content), 1024, baseRules())
	require.Error(t, err)
}

func TestLinkExistingBumpsRefAndLinksOwner(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	staged, err := svc.Stage(ctx, "a.txt", "text/plain", bytes.NewReader([]byte("payload")), 1<<20, baseRules())
	require.NoError(t, err)
	res1, err := svc.Commit(ctx, staged, "a.txt", "owner-1", nil, nil, "text/plain")
	require.NoError(t, err)

	exp := time.Hour
	res2, err := svc.LinkExisting(ctx, res1.BlobID, "a-copy.txt", "owner-2", nil, &exp)
	require.NoError(t, err)
	require.NotEqual(t, res1.UserFileID, res2.UserFileID)

	blob, err := s.Blobs().GetByID(ctx, res1.BlobID)
	require.NoError(t, err)
	require.Equal(t, 2, blob.RefCount)
}
