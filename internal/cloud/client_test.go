package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/stagexfer/internal/cloud/envelope"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/constants"
	encryption "github.com/rescale/stagexfer/internal/crypto"
	"github.com/rescale/stagexfer/internal/models"
)

type memObject struct {
	data     []byte
	metadata map[string]string
}

// memBackend is an in-memory Backend that counts every mutating call.
type memBackend struct {
	mu       sync.Mutex
	objects  map[string]memObject
	uploads  map[string]map[int][]byte
	nextID   int
	failPart int // 1-based part number to fail, 0 for none

	puts, creates, partCalls, completes, aborts, ranges int64
}

func newMemBackend() *memBackend {
	return &memBackend{
		objects: make(map[string]memObject),
		uploads: make(map[string]map[int][]byte),
	}
}

func (b *memBackend) Name() string { return "memory" }

func (b *memBackend) Head(_ context.Context, key string) (*ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return &ObjectInfo{Size: int64(len(obj.data)), Metadata: obj.metadata}, nil
}

func (b *memBackend) Put(_ context.Context, key string, data []byte, md map[string]string) error {
	atomic.AddInt64(&b.puts, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memObject{data: bytes.Clone(data), metadata: md}
	return nil
}

func (b *memBackend) Get(_ context.Context, key string, w io.Writer) error {
	b.mu.Lock()
	obj, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	_, err := w.Write(obj.data)
	return err
}

func (b *memBackend) GetRange(_ context.Context, key string, offset int64, buf []byte) error {
	atomic.AddInt64(&b.ranges, 1)
	b.mu.Lock()
	obj, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if offset+int64(len(buf)) > int64(len(obj.data)) {
		return errors.New("range past end of object")
	}
	copy(buf, obj.data[offset:])
	return nil
}

func (b *memBackend) CreateMultipart(_ context.Context, key string, _ map[string]string) (string, error) {
	atomic.AddInt64(&b.creates, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("upload-%d", b.nextID)
	b.uploads[id] = make(map[int][]byte)
	return id, nil
}

func (b *memBackend) UploadPart(_ context.Context, _, uploadID string, part xfer.Part, data []byte) (CompletedPart, error) {
	atomic.AddInt64(&b.partCalls, 1)
	number := part.Index + 1
	if number == b.failPart {
		return CompletedPart{}, errors.New("injected part failure")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads[uploadID][number] = bytes.Clone(data)
	return CompletedPart{Number: number, Token: fmt.Sprintf("etag-%d", number)}, nil
}

func (b *memBackend) CompleteMultipart(_ context.Context, key, uploadID string, parts []CompletedPart, md map[string]string) error {
	atomic.AddInt64(&b.completes, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := b.uploads[uploadID]
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	var data []byte
	for _, p := range parts {
		data = append(data, stored[p.Number]...)
	}
	b.objects[key] = memObject{data: data, metadata: md}
	delete(b.uploads, uploadID)
	return nil
}

func (b *memBackend) AbortMultipart(_ context.Context, _, uploadID string) error {
	atomic.AddInt64(&b.aborts, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploads, uploadID)
	return nil
}

func testMaterial() *models.EncryptionMaterial {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i * 7)
	}
	return &models.EncryptionMaterial{
		QueryStageMasterKey: encryption.EncodeBase64(master),
		QueryID:             "query-1",
		SMKID:               42,
	}
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// decryptObject downloads name through the client and decrypts it with the material.
func decryptObject(t *testing.T, c *Client, name string, material *models.EncryptionMaterial) []byte {
	t.Helper()
	ctx := context.Background()

	meta := &models.FileMetadata{}
	require.NoError(t, c.GetRemoteFileMetadata(ctx, name, meta))
	require.True(t, meta.Encrypted)
	require.NoError(t, envelope.DecryptFileKey(meta, material))

	var plain bytes.Buffer
	dw, err := encryption.NewDecryptWriter(&plain, &meta.EncryptionMetadata.FileKey, meta.EncryptionMetadata.IV)
	require.NoError(t, err)

	outcome, err := c.Download(ctx, meta, dw)
	require.NoError(t, err)
	require.Equal(t, models.Success, outcome)
	require.NoError(t, dw.Close())
	return plain.Bytes()
}

func TestUploadSkipsExistingObject(t *testing.T) {
	backend := newMemBackend()
	backend.objects["stage/data.bin"] = memObject{data: []byte("old")}
	c := NewClient(backend, "stage/", Options{})
	defer c.Close()

	meta := &models.FileMetadata{DestFileName: "data.bin", SrcFileSize: 3}
	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader([]byte("new")))

	require.NoError(t, err)
	assert.Equal(t, models.SkippedAlreadyExists, outcome)
	assert.Equal(t, models.SkippedAlreadyExists, meta.ResultStatus)
	assert.Zero(t, backend.puts+backend.creates+backend.partCalls)
	assert.Equal(t, []byte("old"), backend.objects["stage/data.bin"].data)
}

func TestUploadOverwriteReplacesObject(t *testing.T) {
	backend := newMemBackend()
	backend.objects["data.bin"] = memObject{data: []byte("old")}
	c := NewClient(backend, "", Options{})
	defer c.Close()

	meta := &models.FileMetadata{DestFileName: "data.bin", SrcFileSize: 3, Overwrite: true}
	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader([]byte("new")))

	require.NoError(t, err)
	assert.Equal(t, models.Success, outcome)
	assert.Equal(t, []byte("new"), backend.objects["data.bin"].data)
}

func TestUploadSingleEncryptedRoundTrip(t *testing.T) {
	backend := newMemBackend()
	c := NewClient(backend, "stage/", Options{})
	defer c.Close()

	material := testMaterial()
	plain := patterned(1000)

	meta := &models.FileMetadata{DestFileName: "small.bin", SrcFileSize: int64(len(plain))}
	require.NoError(t, envelope.UpdateEncryptionMetadata(meta, material))

	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Equal(t, models.Success, outcome)
	assert.EqualValues(t, 1, backend.puts)
	assert.Zero(t, backend.creates)

	stored := backend.objects["stage/small.bin"]
	assert.Len(t, stored.data, int(encryption.CipherSize(int64(len(plain)))))
	assert.Contains(t, stored.metadata, constants.MetadataMatDesc)
	assert.Contains(t, stored.metadata, constants.MetadataEncryptionData)
	assert.NotEqual(t, plain, stored.data[:len(plain)])

	assert.Equal(t, plain, decryptObject(t, c, "small.bin", material))
}

func TestUploadMultipartEncryptedRoundTrip(t *testing.T) {
	backend := newMemBackend()
	c := NewClient(backend, "", Options{
		Parallel:          3,
		UploadThreshold:   1024,
		UploadPartSize:    256,
		DownloadThreshold: 512,
		DownloadPartSize:  128,
	})
	defer c.Close()

	material := testMaterial()
	plain := patterned(5000)

	meta := &models.FileMetadata{DestFileName: "big.bin", SrcFileSize: int64(len(plain))}
	require.NoError(t, envelope.UpdateEncryptionMetadata(meta, material))

	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Equal(t, models.Success, outcome)

	cipherSize := encryption.CipherSize(int64(len(plain)))
	assert.EqualValues(t, 1, backend.creates)
	assert.EqualValues(t, xfer.PartCount(cipherSize, 256), backend.partCalls)
	assert.EqualValues(t, 1, backend.completes)
	assert.Zero(t, backend.puts)
	assert.Len(t, backend.objects["big.bin"].data, int(cipherSize))

	assert.Equal(t, plain, decryptObject(t, c, "big.bin", material))
	assert.EqualValues(t, xfer.PartCount(cipherSize, 128), backend.ranges)
	assert.LessOrEqual(t, c.Arena().Peak(), c.Arena().Size())
}

func TestUploadPartFailureAborts(t *testing.T) {
	backend := newMemBackend()
	backend.failPart = 3
	c := NewClient(backend, "", Options{Parallel: 2, UploadThreshold: 100, UploadPartSize: 64})
	defer c.Close()

	meta := &models.FileMetadata{DestFileName: "f.bin", SrcFileSize: 1000}
	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader(patterned(1000)))

	require.Error(t, err)
	assert.Equal(t, models.Failed, outcome)
	assert.ErrorIs(t, err, storage.ErrTransfer)
	assert.Equal(t, models.Failed, meta.ResultStatus)
	assert.Equal(t, err, meta.Err)
	assert.EqualValues(t, 1, backend.aborts)
	assert.Zero(t, backend.completes)
	assert.NotContains(t, backend.objects, "f.bin")
}

func TestUploadShortSourceFails(t *testing.T) {
	backend := newMemBackend()
	c := NewClient(backend, "", Options{})
	defer c.Close()

	meta := &models.FileMetadata{DestFileName: "f.bin", SrcFileSize: 100}
	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader(patterned(10)))

	assert.Equal(t, models.Failed, outcome)
	assert.ErrorIs(t, err, storage.ErrSizeMismatch)
	assert.Zero(t, backend.puts)
}

// TestDownloadHundredMiBInTwentyOneParts covers a 100 MiB encrypted object fetched
// with 5 MiB parts and four workers: 21 ranged reads, at most four slots live.
func TestDownloadHundredMiBInTwentyOneParts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 100 MiB download in short mode")
	}

	const plainSize = 100 * 1024 * 1024
	cipherSize := encryption.CipherSize(plainSize)
	require.EqualValues(t, plainSize+16, cipherSize)

	backend := newMemBackend()
	object := patterned(int(cipherSize))
	backend.objects["big.bin"] = memObject{data: object}
	want := sha256.Sum256(object)

	c := NewClient(backend, "", Options{Parallel: 4})
	defer c.Close()

	meta := &models.FileMetadata{SrcFileName: "big.bin"}
	require.NoError(t, c.GetRemoteFileMetadata(context.Background(), "big.bin", meta))
	require.EqualValues(t, cipherSize, meta.TransferSize())

	// sha256 is not an io.WriterAt, so parts are appended in order
	h := sha256.New()
	outcome, err := c.Download(context.Background(), meta, h)
	require.NoError(t, err)
	assert.Equal(t, models.Success, outcome)

	assert.EqualValues(t, 21, backend.ranges)
	assert.Equal(t, want[:], h.Sum(nil))
	assert.LessOrEqual(t, c.Arena().Peak(), 4)
}

func TestDownloadSingleSizeMismatch(t *testing.T) {
	backend := newMemBackend()
	backend.objects["f.bin"] = memObject{data: patterned(100)}
	c := NewClient(backend, "", Options{})
	defer c.Close()

	meta := &models.FileMetadata{SrcFileName: "f.bin", SrcFileSize: 200}
	outcome, err := c.Download(context.Background(), meta, io.Discard)

	assert.Equal(t, models.Failed, outcome)
	assert.ErrorIs(t, err, storage.ErrSizeMismatch)
}

func TestGetRemoteFileMetadataNotFound(t *testing.T) {
	c := NewClient(newMemBackend(), "stage/", Options{})
	defer c.Close()

	err := c.GetRemoteFileMetadata(context.Background(), "missing.bin", &models.FileMetadata{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetRemoteFileMetadataPlaintext(t *testing.T) {
	backend := newMemBackend()
	backend.objects["p.txt"] = memObject{data: []byte("hello"), metadata: map[string]string{constants.MetadataDigest: "abc"}}
	c := NewClient(backend, "", Options{})
	defer c.Close()

	meta := &models.FileMetadata{}
	require.NoError(t, c.GetRemoteFileMetadata(context.Background(), "p.txt", meta))
	assert.False(t, meta.Encrypted)
	assert.EqualValues(t, 5, meta.SrcFileSize)
	assert.Equal(t, "abc", meta.SHA256Digest)
}

func TestClientClosedRejectsMultipart(t *testing.T) {
	c := NewClient(newMemBackend(), "", Options{UploadThreshold: 10, UploadPartSize: 8})
	require.NoError(t, c.Close())

	meta := &models.FileMetadata{DestFileName: "f.bin", SrcFileSize: 100}
	outcome, err := c.Upload(context.Background(), meta, bytes.NewReader(patterned(100)))
	assert.Equal(t, models.Failed, outcome)
	assert.Error(t, err)
}
