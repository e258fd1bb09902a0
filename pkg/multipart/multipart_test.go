package multipart

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/fileservice"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	objects := objectstore.NewMem()
	life := blobstore.New(s, objects)
	files := fileservice.New(s, objects, life, false, nil, nil)
	return New(s, objects, files, 1<<30, 5<<20), s
}

func TestInitUploadChunkCompleteRoundTrip(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	part1 := bytes.Repeat([]byte("a"), 5<<20)
	part2 := []byte("tail bytes")
	total := int64(len(part1) + len(part2))

	init, err := m.Init(ctx, "owner-1", "movie.bin", "application/octet-stream", total, nil)
	require.NoError(t, err)

	require.NoError(t, m.UploadChunk(ctx, "owner-1", init.SessionID, 2, bytes.NewReader(part2), int64(len(part2))))
	require.NoError(t, m.UploadChunk(ctx, "owner-1", init.SessionID, 1, bytes.NewReader(part1), int64(len(part1))))

	res, err := m.Complete(ctx, "owner-1", init.SessionID, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.UserFileID)

	_, err = s.Sessions().Get(ctx, init.SessionID)
	require.NoError(t, err) // row remains, marked completed

	blob, err := s.Blobs().GetByID(ctx, res.BlobID)
	require.NoError(t, err)
	require.Equal(t, total, blob.SizeBytes)
}

func TestUploadChunkRejectsWrongOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	init, err := m.Init(ctx, "owner-1", "f.bin", "application/octet-stream", 10, nil)
	require.NoError(t, err)

	err = m.UploadChunk(ctx, "owner-2", init.SessionID, 1, bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}

func TestCompleteRejectsIncompleteSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	init, err := m.Init(ctx, "owner-1", "f.bin", "application/octet-stream", 20, nil)
	require.NoError(t, err)

	_, err = m.Complete(ctx, "owner-1", init.SessionID, nil, "")
	require.Error(t, err)
}

func TestAbortDeletesSessionRow(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	init, err := m.Init(ctx, "owner-1", "f.bin", "application/octet-stream", 10, nil)
	require.NoError(t, err)

	require.NoError(t, m.Abort(ctx, "owner-1", init.SessionID))
	_, err = s.Sessions().Get(ctx, init.SessionID)
	require.Error(t, err)
}
