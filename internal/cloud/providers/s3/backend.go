package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/stagexfer/internal/cloud"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
)

// Backend stores stage objects in one S3 bucket.
// Thread-safe: the SDK client is safe for concurrent use.
type Backend struct {
	client api
	bucket string
	logger *logging.Logger
}

var _ cloud.Backend = (*Backend)(nil)

// NewBackend wraps an SDK client for bucket.
func NewBackend(client *s3.Client, bucket string, logger *logging.Logger) *Backend {
	return newBackend(client, bucket, logger)
}

func newBackend(client api, bucket string, logger *logging.Logger) *Backend {
	return &Backend{
		client: client,
		bucket: bucket,
		logger: logging.OrNop(logger),
	}
}

// Name implements cloud.Backend.
func (b *Backend) Name() string {
	return "s3"
}

// Head implements cloud.Backend.
func (b *Backend) Head(ctx context.Context, key string) (*cloud.ObjectInfo, error) {
	var out *s3.HeadObjectOutput
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, "HeadObject"), func() error {
		var err error
		out, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return classify(err, key)
	})
	if err != nil {
		return nil, err
	}

	md := make(map[string]string, len(out.Metadata))
	for k, v := range out.Metadata {
		md[strings.ToLower(k)] = v
	}
	return &cloud.ObjectInfo{
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: md,
	}, nil
}

// Put implements cloud.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, "PutObject"), func() error {
		_, err := b.client.PutObject(TraceContext(ctx, b.logger, "PutObject"), &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata:      metadata,
		})
		return err
	})
}

// Get implements cloud.Backend. Only opening the object is retried; a failure
// while streaming the body is returned to the caller.
func (b *Backend) Get(ctx context.Context, key string, w io.Writer) error {
	var out *s3.GetObjectOutput
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, "GetObject"), func() error {
		var err error
		out, err = b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return classify(err, key)
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read s3 object %s: %w", key, err)
	}
	return nil
}

// GetRange implements cloud.Backend.
func (b *Backend) GetRange(ctx context.Context, key string, offset int64, buf []byte) error {
	ctx, cancel := partContext(ctx)
	defer cancel()

	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)
	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, "GetObject "+rangeHeader), func() error {
		out, err := b.client.GetObject(TraceContext(ctx, b.logger, "GetObject range"), &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			return classify(err, key)
		}
		defer out.Body.Close()

		if _, err := io.ReadFull(out.Body, buf); err != nil {
			return fmt.Errorf("short read for %s: %w", rangeHeader, err)
		}
		return nil
	})
}

// CreateMultipart implements cloud.Backend.
func (b *Backend) CreateMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	var out *s3.CreateMultipartUploadOutput
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, "CreateMultipartUpload"), func() error {
		var err error
		out, err = b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(key),
			Metadata: metadata,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart implements cloud.Backend.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, part xfer.Part, data []byte) (cloud.CompletedPart, error) {
	ctx, cancel := partContext(ctx)
	defer cancel()

	number := int32(part.Index + 1)
	var out *s3.UploadPartOutput
	err := http.ExecuteWithRetry(ctx, retryConfig(b.logger, fmt.Sprintf("UploadPart %d", number)), func() error {
		var err error
		out, err = b.client.UploadPart(TraceContext(ctx, b.logger, "UploadPart"), &s3.UploadPartInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return cloud.CompletedPart{}, err
	}
	return cloud.CompletedPart{Number: int(number), Token: aws.ToString(out.ETag)}, nil
}

// CompleteMultipart implements cloud.Backend. S3 attaches metadata at create time.
func (b *Backend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []cloud.CompletedPart, _ map[string]string) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.Token),
		}
	}

	return http.ExecuteWithRetry(ctx, retryConfig(b.logger, "CompleteMultipartUpload"), func() error {
		_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(b.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
}

// AbortMultipart implements cloud.Backend.
func (b *Backend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}
