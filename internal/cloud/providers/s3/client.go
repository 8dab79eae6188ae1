// Package s3 implements the stage Backend for Amazon S3 and S3-compatible endpoints.
package s3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/models"
)

// DefaultRegion is used when the stage does not name one.
const DefaultRegion = "us-east-1"

// api is the subset of *s3.Client the backend calls.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ api = (*s3.Client)(nil)

// NewS3Client creates an SDK client for the stage.
//
// The client:
//   - Uses the stage's static credentials when present, else the default chain
//   - Sends every request through httpClient (proxy, CA bundle, pooling)
//   - Leaves retries to http.ExecuteWithRetry so attempts are not multiplied
func NewS3Client(ctx context.Context, stage *models.StageInfo, httpClient *nethttp.Client) (*s3.Client, error) {
	if stage == nil {
		return nil, fmt.Errorf("stage info is required")
	}

	region := stage.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryMaxAttempts(1),
	}
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	if c := stage.Credentials; c.AWSKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(c.AWSKeyID, c.AWSSecretKey, c.AWSToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if stage.Endpoint != "" {
			o.BaseEndpoint = aws.String(stage.Endpoint)
		}
		o.UsePathStyle = stage.UsePathStyle
		// S3-compatible stores reject the newer default checksum trailers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// retryConfig returns the per-request retry policy, logging each retry.
func retryConfig(logger *logging.Logger, operation string) http.Config {
	cfg := http.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error, errorType http.ErrorType) {
		logger.Debug().
			Str("op", operation).
			Int("attempt", attempt).
			Str("type", errorType.String()).
			Err(err).
			Msg("retrying S3 request")
	}
	return cfg
}

// classify maps SDK errors onto the storage taxonomy.
func classify(err error, key string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("s3 object %s: %w", key, storage.ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == nethttp.StatusNotFound
	}
	return false
}

// TraceContext adds HTTP connection tracing when DEBUG_HTTP=true.
// This is useful for debugging connection reuse and TLS handshake overhead.
func TraceContext(ctx context.Context, logger *logging.Logger, operation string) context.Context {
	if os.Getenv("DEBUG_HTTP") != "true" {
		return ctx
	}

	var handshakeStart time.Time
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			logger.Debug().Str("op", operation).Bool("reused", info.Reused).Msg("got connection")
		},
		TLSHandshakeStart: func() {
			handshakeStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			logger.Debug().Str("op", operation).Dur("took", time.Since(handshakeStart)).Msg("TLS handshake")
		},
	})
}

// partContext bounds a single part request.
func partContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, constants.PartTimeout)
}
