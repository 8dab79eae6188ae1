// Package cloud provides the provider-neutral storage client for stage transfers.
// Each provider implements Backend; Client layers encryption, the size threshold
// decision, deduplication, and multi-part orchestration on top of it.
package cloud

import (
	"context"
	"io"

	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/models"
)

// StorageClient moves files between local streams and one stage location.
//
// Upload and Download return a non-nil error exactly when the outcome is Failed.
// Both record the outcome on meta before returning.
type StorageClient interface {
	// Upload sends src under meta.DestFileName. src must yield meta.SrcFileSize bytes.
	Upload(ctx context.Context, meta *models.FileMetadata, src io.Reader) (models.Outcome, error)

	// Download writes the stored bytes of meta.SrcFileName to dst. Encrypted
	// objects are written as ciphertext; decryption belongs to the caller.
	Download(ctx context.Context, meta *models.FileMetadata, dst io.Writer) (models.Outcome, error)

	// GetRemoteFileMetadata fills meta with the size and encryption envelope of
	// a stored object. Returns storage.ErrNotFound when it does not exist.
	GetRemoteFileMetadata(ctx context.Context, name string, meta *models.FileMetadata) error

	// Close releases the worker pool. The client must not be used afterwards.
	Close() error
}

// ObjectInfo is the subset of object properties the client relies on.
type ObjectInfo struct {
	Size     int64
	Metadata map[string]string
}

// CompletedPart identifies one uploaded part when completing a multipart upload.
// Number is 1-based; Token is the provider's part handle (ETag or block ID).
type CompletedPart struct {
	Number int
	Token  string
}

// Backend is the minimal per-provider surface. Keys are full object keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Head returns object properties or an error wrapping storage.ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Put stores data as the whole object.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Get streams the whole object into w.
	Get(ctx context.Context, key string, w io.Writer) error

	// GetRange fills buf with the bytes at [offset, offset+len(buf)).
	GetRange(ctx context.Context, key string, offset int64, buf []byte) error

	// CreateMultipart starts a multipart upload and returns its ID.
	CreateMultipart(ctx context.Context, key string, metadata map[string]string) (string, error)

	// UploadPart sends one part of a multipart upload.
	UploadPart(ctx context.Context, key, uploadID string, part xfer.Part, data []byte) (CompletedPart, error)

	// CompleteMultipart commits the parts in order. metadata is the same map
	// given to CreateMultipart; providers that attach it at commit use it here.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart, metadata map[string]string) error

	// AbortMultipart discards an unfinished upload.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}
