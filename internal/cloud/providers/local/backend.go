// Package local implements the stage Backend on a local directory, used for
// LOCAL_FS stages and for exercising the transfer engine without a cloud.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/logging"
)

const (
	metaSuffix = ".meta.json"
	uploadsDir = ".uploads"
)

// Backend keeps each object as a file under root with its metadata in a
// "<object>.meta.json" sidecar. Multipart parts are staged under root/.uploads.
type Backend struct {
	root   string
	logger *logging.Logger
}

var _ cloud.Backend = (*Backend)(nil)

// NewBackend creates root if needed.
func NewBackend(root string, logger *logging.Logger) (*Backend, error) {
	if root == "" {
		return nil, fmt.Errorf("local stage directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage directory %s: %w", root, err)
	}
	return &Backend{root: root, logger: logging.OrNop(logger)}, nil
}

// Name implements cloud.Backend.
func (b *Backend) Name() string {
	return "local"
}

// objectPath resolves key under root and rejects keys that escape it.
func (b *Backend) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	sep := string(filepath.Separator)
	first, _, _ := strings.Cut(strings.TrimPrefix(clean, sep), sep)
	if first == uploadsDir || strings.HasSuffix(clean, metaSuffix) {
		return "", fmt.Errorf("reserved object key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

// writeAtomic writes data to a temp file next to path and renames it into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func writeMetadata(path string, md map[string]string) error {
	if md == nil {
		md = map[string]string{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return writeAtomic(path+metaSuffix, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func notFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local object %s: %w", key, storage.ErrNotFound)
	}
	return err
}

// Head implements cloud.Backend.
func (b *Backend) Head(_ context.Context, key string) (*cloud.ObjectInfo, error) {
	p, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, notFound(key, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("local object %s: %w", key, storage.ErrNotFound)
	}

	info := &cloud.ObjectInfo{Size: st.Size(), Metadata: map[string]string{}}
	data, err := os.ReadFile(p + metaSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &info.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", key, err)
		}
	}
	return info, nil
}

// Put implements cloud.Backend.
func (b *Backend) Put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	p, err := b.objectPath(key)
	if err != nil {
		return err
	}
	if err := writeAtomic(p, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return err
	}
	return writeMetadata(p, metadata)
}

// Get implements cloud.Backend.
func (b *Backend) Get(ctx context.Context, key string, w io.Writer) error {
	p, err := b.objectPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return notFound(key, err)
	}
	defer f.Close()

	_, err = io.Copy(w, &ctxReader{ctx: ctx, r: f})
	return err
}

// GetRange implements cloud.Backend.
func (b *Backend) GetRange(_ context.Context, key string, offset int64, buf []byte) error {
	p, err := b.objectPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return notFound(key, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("short read for range %d+%d of %s: %w", offset, len(buf), key, err)
}

func (b *Backend) uploadDir(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", fmt.Errorf("unknown upload %q", uploadID)
	}
	return filepath.Join(b.root, uploadsDir, uploadID), nil
}

// CreateMultipart implements cloud.Backend.
func (b *Backend) CreateMultipart(_ context.Context, key string, _ map[string]string) (string, error) {
	if _, err := b.objectPath(key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir, _ := b.uploadDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return id, nil
}

func partName(number int) string {
	return fmt.Sprintf("part-%06d", number)
}

// UploadPart implements cloud.Backend.
func (b *Backend) UploadPart(_ context.Context, _ string, uploadID string, part xfer.Part, data []byte) (cloud.CompletedPart, error) {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return cloud.CompletedPart{}, err
	}
	if _, err := os.Stat(dir); err != nil {
		return cloud.CompletedPart{}, fmt.Errorf("unknown upload %q: %w", uploadID, err)
	}

	number := part.Index + 1
	name := partName(number)
	if err := writeAtomic(filepath.Join(dir, name), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return cloud.CompletedPart{}, err
	}
	return cloud.CompletedPart{Number: number, Token: name}, nil
}

// CompleteMultipart implements cloud.Backend. Parts are concatenated in part-number order.
func (b *Backend) CompleteMultipart(_ context.Context, key, uploadID string, parts []cloud.CompletedPart, metadata map[string]string) error {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return err
	}
	p, err := b.objectPath(key)
	if err != nil {
		return err
	}

	ordered := append([]cloud.CompletedPart(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	err = writeAtomic(p, func(w io.Writer) error {
		for _, part := range ordered {
			f, err := os.Open(filepath.Join(dir, filepath.Base(part.Token)))
			if err != nil {
				return fmt.Errorf("missing part %d: %w", part.Number, err)
			}
			_, err = io.Copy(w, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := writeMetadata(p, metadata); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// AbortMultipart implements cloud.Backend.
func (b *Backend) AbortMultipart(_ context.Context, key, uploadID string) error {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return err
	}
	b.logger.Debug().Str("key", key).Str("upload", uploadID).Msg("discarding staged parts")
	return os.RemoveAll(dir)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
