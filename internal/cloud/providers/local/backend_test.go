package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(filepath.Join(t.TempDir(), "stage"), nil)
	require.NoError(t, err)
	return b
}

func TestObjectPath(t *testing.T) {
	b := newBackend(t)

	p, err := b.objectPath("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.root, "etc", "passwd"), p)

	for _, key := range []string{"", "/", ".uploads/x", "data.bin.meta.json"} {
		_, err := b.objectPath(key)
		assert.Error(t, err, key)
	}
}

func TestPutHeadGet(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Head(ctx, "a/b.txt")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, b.Put(ctx, "a/b.txt", []byte("hello world"), map[string]string{"sfcdigest": "d"}))

	info, err := b.Head(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 11, info.Size)
	assert.Equal(t, "d", info.Metadata["sfcdigest"])

	var out bytes.Buffer
	require.NoError(t, b.Get(ctx, "a/b.txt", &out))
	assert.Equal(t, "hello world", out.String())

	buf := make([]byte, 5)
	require.NoError(t, b.GetRange(ctx, "a/b.txt", 6, buf))
	assert.Equal(t, "world", string(buf))

	err = b.GetRange(ctx, "a/b.txt", 8, buf)
	assert.Error(t, err)
}

func TestHeadWithoutSidecar(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, os.WriteFile(filepath.Join(b.root, "raw.bin"), []byte("xyz"), 0644))

	info, err := b.Head(context.Background(), "raw.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)
	assert.Empty(t, info.Metadata)
}

func TestGetHonoursCancellation(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.Put(context.Background(), "c.bin", []byte("data"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Get(ctx, "c.bin", &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultipartOutOfOrder(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.CreateMultipart(ctx, "big.bin", nil)
	require.NoError(t, err)

	chunks := []string{"aa", "bb", "c"}
	parts := make([]cloud.CompletedPart, len(chunks))
	for _, i := range []int{2, 0, 1} {
		p, err := b.UploadPart(ctx, "big.bin", id, xfer.Part{Index: i, Offset: int64(2 * i), Length: int64(len(chunks[i]))}, []byte(chunks[i]))
		require.NoError(t, err)
		parts[i] = p
	}
	parts[0], parts[2] = parts[2], parts[0]

	require.NoError(t, b.CompleteMultipart(ctx, "big.bin", id, parts, map[string]string{"matdesc": "m"}))

	var out bytes.Buffer
	require.NoError(t, b.Get(ctx, "big.bin", &out))
	assert.Equal(t, "aabbc", out.String())

	info, err := b.Head(ctx, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "m", info.Metadata["matdesc"])

	_, err = os.Stat(filepath.Join(b.root, uploadsDir, id))
	assert.True(t, os.IsNotExist(err))
}

func TestAbortMultipart(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.CreateMultipart(ctx, "x.bin", nil)
	require.NoError(t, err)
	_, err = b.UploadPart(ctx, "x.bin", id, xfer.Part{Index: 0, Length: 1}, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.AbortMultipart(ctx, "x.bin", id))
	_, err = b.UploadPart(ctx, "x.bin", id, xfer.Part{Index: 1, Length: 1}, []byte("y"))
	assert.Error(t, err)

	_, err = b.Head(ctx, "x.bin")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.Error(t, b.AbortMultipart(ctx, "x.bin", "../../etc"))
}
