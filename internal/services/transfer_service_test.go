package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/providers/local"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/models"
)

type stage struct {
	root   string
	client *cloud.Client
}

func newStage(t *testing.T) *stage {
	t.Helper()
	root := filepath.Join(t.TempDir(), "stage")
	backend, err := local.NewBackend(root, nil)
	require.NoError(t, err)

	client := cloud.NewClient(backend, "", cloud.Options{
		Parallel:          2,
		UploadThreshold:   1024,
		UploadPartSize:    256,
		DownloadThreshold: 512,
		DownloadPartSize:  128,
	})
	t.Cleanup(func() { client.Close() })
	return &stage{root: root, client: client}
}

func testMaterial(t *testing.T) *models.EncryptionMaterial {
	t.Helper()
	key := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return &models.EncryptionMaterial{
		QueryStageMasterKey: base64.StdEncoding.EncodeToString(key),
		QueryID:             "01a2b3c4-0000-0000-0000-000000000000",
		SMKID:               7,
	}
}

func writeFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p, data
}

func intPtr(n int) *int { return &n }

func TestPutGetEncryptedRoundTrip(t *testing.T) {
	st := newStage(t)
	material := testMaterial(t)
	svc := NewTransferService(st.client, TransferServiceConfig{Material: material})
	ctx := context.Background()

	src := t.TempDir()
	small, smallData := writeFile(t, src, "small.bin", 100)
	large, largeData := writeFile(t, src, "large.bin", 5000)

	results := svc.Put(ctx, []string{small, large}, PutOptions{Prefix: "run1"})
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err, r.Source)
		assert.Equal(t, models.Success, r.Outcome)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, "run1/small.bin", results[0].Dest)

	meta, err := svc.Stat(ctx, "run1/large.bin")
	require.NoError(t, err)
	assert.True(t, meta.Encrypted)
	assert.EqualValues(t, 5008, meta.SrcFileSize)
	assert.NotEmpty(t, meta.SHA256Digest)

	dest := t.TempDir()
	got := svc.Get(ctx, []string{"run1/small.bin", "run1/large.bin"}, GetOptions{DestDir: dest})
	require.Len(t, got, 2)
	for _, r := range got {
		require.NoError(t, r.Err, r.Source)
		assert.Equal(t, models.Success, r.Outcome)
	}

	b, err := os.ReadFile(filepath.Join(dest, "small.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(smallData, b))
	b, err = os.ReadFile(filepath.Join(dest, "large.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeData, b))

	leftovers, _ := filepath.Glob(filepath.Join(dest, ".stagexfer-*"))
	assert.Empty(t, leftovers)

	sum := Summarize(append(results, got...))
	assert.Equal(t, Summary{Succeeded: 4, Bytes: 100 + 5000 + 112 + 5008}, sum)
}

func TestPutSkipsExistingRemote(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})
	ctx := context.Background()

	p, _ := writeFile(t, t.TempDir(), "a.txt", 10)
	first := svc.Put(ctx, []string{p}, PutOptions{})
	require.Equal(t, models.Success, first[0].Outcome)

	second := svc.Put(ctx, []string{p}, PutOptions{})
	assert.Equal(t, models.SkippedAlreadyExists, second[0].Outcome)
	assert.NoError(t, second[0].Err)

	third := svc.Put(ctx, []string{p}, PutOptions{Overwrite: true})
	assert.Equal(t, models.Success, third[0].Outcome)
}

func TestGetSkipsExistingLocalFile(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})
	ctx := context.Background()

	p, _ := writeFile(t, t.TempDir(), "a.txt", 10)
	require.Equal(t, models.Success, svc.Put(ctx, []string{p}, PutOptions{})[0].Outcome)

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "a.txt"), []byte("keep"), 0644))

	r := svc.Get(ctx, []string{"a.txt"}, GetOptions{DestDir: dest})[0]
	assert.Equal(t, models.SkippedAlreadyExists, r.Outcome)
	b, _ := os.ReadFile(filepath.Join(dest, "a.txt"))
	assert.Equal(t, "keep", string(b))

	r = svc.Get(ctx, []string{"a.txt"}, GetOptions{DestDir: dest, Overwrite: true})[0]
	assert.Equal(t, models.Success, r.Outcome)
	b, _ = os.ReadFile(filepath.Join(dest, "a.txt"))
	assert.Len(t, b, 10)
}

func TestGetEncryptedWithoutMaterial(t *testing.T) {
	st := newStage(t)
	ctx := context.Background()

	p, _ := writeFile(t, t.TempDir(), "secret.bin", 64)
	put := NewTransferService(st.client, TransferServiceConfig{Material: testMaterial(t)})
	require.Equal(t, models.Success, put.Put(ctx, []string{p}, PutOptions{})[0].Outcome)

	get := NewTransferService(st.client, TransferServiceConfig{})
	r := get.Get(ctx, []string{"secret.bin"}, GetOptions{DestDir: t.TempDir()})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, storage.ErrKeyMaterial))
	assert.Equal(t, 1, r.Attempts)
}

func TestGetWithWrongMasterKey(t *testing.T) {
	st := newStage(t)
	ctx := context.Background()

	p, _ := writeFile(t, t.TempDir(), "secret.bin", 64)
	material := testMaterial(t)
	put := NewTransferService(st.client, TransferServiceConfig{Material: material})
	require.Equal(t, models.Success, put.Put(ctx, []string{p}, PutOptions{})[0].Outcome)

	other := testMaterial(t)
	other.SMKID = material.SMKID + 1
	get := NewTransferService(st.client, TransferServiceConfig{Material: other})
	r := get.Get(ctx, []string{"secret.bin"}, GetOptions{DestDir: t.TempDir()})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, storage.ErrKeyMaterial))
}

func TestGetMissingObject(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})

	r := svc.Get(context.Background(), []string{"nope.bin"}, GetOptions{DestDir: t.TempDir()})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, storage.ErrNotFound))
	assert.Equal(t, 1, r.Attempts)
}

func TestGetRejectsUnsafeRemoteName(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})
	dest := t.TempDir()

	r := svc.Get(context.Background(), []string{"run1/.."}, GetOptions{DestDir: dest})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.Error(t, r.Err)
	assert.Empty(t, r.Dest)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetCreatesDestDir(t *testing.T) {
	ctx := context.Background()
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})
	src, data := writeFile(t, t.TempDir(), "a.txt", 300)
	require.Equal(t, models.Success, svc.Put(ctx, []string{src}, PutOptions{})[0].Outcome)

	dest := filepath.Join(t.TempDir(), "nested", "out")
	r := svc.Get(ctx, []string{"a.txt"}, GetOptions{DestDir: dest})[0]
	require.NoError(t, r.Err)
	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutMissingLocalFile(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{})

	r := svc.Put(context.Background(), []string{filepath.Join(t.TempDir(), "absent")}, PutOptions{})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, os.ErrNotExist))
}

func TestGetDetectsCorruptedObject(t *testing.T) {
	st := newStage(t)
	svc := NewTransferService(st.client, TransferServiceConfig{MaxFileRetries: intPtr(1)})
	ctx := context.Background()

	p, _ := writeFile(t, t.TempDir(), "plain.bin", 300)
	require.Equal(t, models.Success, svc.Put(ctx, []string{p}, PutOptions{})[0].Outcome)

	stored := filepath.Join(st.root, "plain.bin")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(stored, data, 0644))

	dest := t.TempDir()
	r := svc.Get(ctx, []string{"plain.bin"}, GetOptions{DestDir: dest})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, storage.ErrDecryptionFailed))
	assert.Equal(t, 2, r.Attempts)

	_, err = os.Stat(filepath.Join(dest, "plain.bin"))
	assert.True(t, os.IsNotExist(err))
}

// flakyClient fails the first n uploads with a transfer error.
type flakyClient struct {
	cloud.StorageClient
	failures int
	uploads  int
}

func (f *flakyClient) Upload(ctx context.Context, meta *models.FileMetadata, src io.Reader) (models.Outcome, error) {
	f.uploads++
	if f.failures > 0 {
		f.failures--
		return meta.Record(models.Failed, fmt.Errorf("%w: connection reset", storage.ErrTransfer))
	}
	return f.StorageClient.Upload(ctx, meta, src)
}

func TestWholeFileRetry(t *testing.T) {
	st := newStage(t)
	ctx := context.Background()
	p, _ := writeFile(t, t.TempDir(), "r.bin", 2000)

	flaky := &flakyClient{StorageClient: st.client, failures: 2}
	svc := NewTransferService(flaky, TransferServiceConfig{Material: testMaterial(t), MaxFileRetries: intPtr(2)})
	r := svc.Put(ctx, []string{p}, PutOptions{})[0]
	require.NoError(t, r.Err)
	assert.Equal(t, models.Success, r.Outcome)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, flaky.uploads)

	flaky = &flakyClient{StorageClient: st.client, failures: 5}
	svc = NewTransferService(flaky, TransferServiceConfig{MaxFileRetries: intPtr(1)})
	r = svc.Put(ctx, []string{p}, PutOptions{Overwrite: true})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.True(t, errors.Is(r.Err, storage.ErrTransfer))
	assert.Equal(t, 2, flaky.uploads)
}

func TestNoRetriesWhenDisabled(t *testing.T) {
	st := newStage(t)
	p, _ := writeFile(t, t.TempDir(), "r.bin", 10)

	flaky := &flakyClient{StorageClient: st.client, failures: 1}
	svc := NewTransferService(flaky, TransferServiceConfig{MaxFileRetries: intPtr(-1)})
	r := svc.Put(context.Background(), []string{p}, PutOptions{})[0]
	assert.Equal(t, models.Failed, r.Outcome)
	assert.Equal(t, 1, flaky.uploads)
}
