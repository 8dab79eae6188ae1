package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"

	"github.com/rescale/stagexfer/internal/cloud"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
)

// Backend stores stage objects as block blobs in one container.
// Multipart uploads stage blocks and commit them as a block list.
type Backend struct {
	container *container.Client
	logger    *logging.Logger
}

var _ cloud.Backend = (*Backend)(nil)

// NewBackend wraps the service client for containerName.
func NewBackend(client *azblob.Client, containerName string, logger *logging.Logger) *Backend {
	return &Backend{
		container: client.ServiceClient().NewContainerClient(containerName),
		logger:    logging.OrNop(logger),
	}
}

// Name implements cloud.Backend.
func (b *Backend) Name() string {
	return "azure"
}

// Head implements cloud.Backend.
func (b *Backend) Head(ctx context.Context, key string) (*cloud.ObjectInfo, error) {
	info := &cloud.ObjectInfo{Metadata: map[string]string{}}
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, "GetProperties"), func() error {
		resp, err := b.container.NewBlobClient(key).GetProperties(ctx, nil)
		if err != nil {
			return classify(err, key)
		}
		if resp.ContentLength != nil {
			info.Size = *resp.ContentLength
		}
		for k, v := range resp.Metadata {
			if v != nil {
				info.Metadata[strings.ToLower(k)] = *v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Put implements cloud.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, "Upload"), func() error {
		_, err := b.container.NewBlockBlobClient(key).Upload(ctx, &readSeekCloser{Reader: bytes.NewReader(data)}, &blockblob.UploadOptions{
			Metadata: toAzureMetadata(metadata),
		})
		return err
	})
}

// Get implements cloud.Backend.
func (b *Backend) Get(ctx context.Context, key string, w io.Writer) error {
	var resp azblob.DownloadStreamResponse
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, "DownloadStream"), func() error {
		var err error
		resp, err = b.container.NewBlobClient(key).DownloadStream(ctx, nil)
		return classify(err, key)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read azure blob %s: %w", key, err)
	}
	return nil
}

// GetRange implements cloud.Backend.
func (b *Backend) GetRange(ctx context.Context, key string, offset int64, buf []byte) error {
	ctx, cancel := context.WithTimeout(ctx, constants.PartTimeout)
	defer cancel()

	op := fmt.Sprintf("DownloadStream range %d+%d", offset, len(buf))
	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, op), func() error {
		resp, err := b.container.NewBlobClient(key).DownloadStream(ctx, &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{Offset: offset, Count: int64(len(buf))},
		})
		if err != nil {
			return classify(err, key)
		}
		defer resp.Body.Close()

		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return fmt.Errorf("short read for %s: %w", op, err)
		}
		return nil
	})
}

// CreateMultipart implements cloud.Backend. Azure has no upload session; the
// returned ID only namespaces the block IDs of this upload.
func (b *Backend) CreateMultipart(_ context.Context, _ string, _ map[string]string) (string, error) {
	return uuid.NewString(), nil
}

// blockID returns a fixed-length base64 block ID, as Azure requires equal lengths per blob.
func blockID(uploadID string, index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%06d", uploadID, index)))
}

// UploadPart implements cloud.Backend.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, part xfer.Part, data []byte) (cloud.CompletedPart, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.PartTimeout)
	defer cancel()

	id := blockID(uploadID, part.Index)
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, fmt.Sprintf("StageBlock %d", part.Index)), func() error {
		_, err := b.container.NewBlockBlobClient(key).StageBlock(ctx, id, &readSeekCloser{Reader: bytes.NewReader(data)}, nil)
		return err
	})
	if err != nil {
		return cloud.CompletedPart{}, err
	}
	return cloud.CompletedPart{Number: part.Index + 1, Token: id}, nil
}

// CompleteMultipart implements cloud.Backend. Metadata is attached with the block list.
func (b *Backend) CompleteMultipart(ctx context.Context, key, _ string, parts []cloud.CompletedPart, metadata map[string]string) error {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.Token
	}

	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, "CommitBlockList"), func() error {
		_, err := b.container.NewBlockBlobClient(key).CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
			Metadata: toAzureMetadata(metadata),
		})
		return err
	})
}

// AbortMultipart implements cloud.Backend. Uncommitted blocks are discarded by
// the service after seven days, so there is nothing to call.
func (b *Backend) AbortMultipart(_ context.Context, key, uploadID string) error {
	b.logger.Debug().Str("blob", key).Str("upload", uploadID).Msg("leaving uncommitted blocks for service cleanup")
	return nil
}

func toAzureMetadata(md map[string]string) map[string]*string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}

// readSeekCloser adapts bytes.Reader to io.ReadSeekCloser for the SDK.
type readSeekCloser struct {
	*bytes.Reader
}

func (rsc *readSeekCloser) Close() error {
	return nil
}
