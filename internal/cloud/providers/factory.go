// Package providers contains the cloud storage provider implementations
// and the factory that selects one from a stage's location type.
package providers

import (
	"context"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/providers/azure"
	"github.com/rescale/stagexfer/internal/cloud/providers/gcs"
	"github.com/rescale/stagexfer/internal/cloud/providers/local"
	"github.com/rescale/stagexfer/internal/cloud/providers/s3"
	"github.com/rescale/stagexfer/internal/config"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/metrics"
	"github.com/rescale/stagexfer/internal/models"
)

// Factory creates StorageClients for stages. All clients share one HTTP client.
type Factory struct {
	cfg        *config.TransferConfig
	httpClient *nethttp.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// NewFactory builds the shared HTTP client from cfg's proxy and CA bundle settings.
// A nil cfg uses the defaults; m may be nil.
func NewFactory(cfg *config.TransferConfig, logger *logging.Logger, m *metrics.Metrics) (*Factory, error) {
	if cfg == nil {
		cfg = config.NewTransferConfig()
	}
	logger = logging.OrNop(logger)

	httpClient, err := http.NewTransferClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &Factory{cfg: cfg, httpClient: httpClient, logger: logger, metrics: m}, nil
}

// Options returns the client options derived from the transfer configuration.
func (f *Factory) Options() cloud.Options {
	return cloud.Options{
		Parallel:          f.cfg.Parallel,
		UploadThreshold:   f.cfg.UploadThreshold,
		UploadPartSize:    f.cfg.UploadPartSize,
		DownloadThreshold: f.cfg.DownloadThreshold,
		DownloadPartSize:  f.cfg.DownloadPartSize,
		MaxBytesPerSecond: f.cfg.MaxBytesPerSecond(),
		Logger:            f.logger,
		Metrics:           f.metrics,
	}
}

// NewStorageClient returns a client for the stage's location type:
// S3, AZURE, GCS or LOCAL_FS (case-insensitive).
func (f *Factory) NewStorageClient(ctx context.Context, stage *models.StageInfo) (*cloud.Client, error) {
	if stage == nil {
		return nil, fmt.Errorf("stage info is required")
	}

	backend, prefix, err := f.newBackend(ctx, stage)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Str("backend", backend.Name()).
		Str("location", stage.Location).
		Int("parallel", f.cfg.Parallel).
		Msg("created storage client")
	return cloud.NewClient(backend, prefix, f.Options()), nil
}

func (f *Factory) newBackend(ctx context.Context, stage *models.StageInfo) (cloud.Backend, string, error) {
	locationType := strings.ToUpper(stage.LocationType)

	if locationType == constants.LocationLocalFS {
		b, err := local.NewBackend(stage.Location, f.logger.With("local"))
		return b, "", err
	}

	bucket, prefix := stage.SplitLocation()
	if bucket == "" {
		return nil, "", fmt.Errorf("stage location %q has no bucket or container", stage.Location)
	}

	switch locationType {
	case constants.LocationS3:
		client, err := s3.NewS3Client(ctx, stage, f.httpClient)
		if err != nil {
			return nil, "", err
		}
		return s3.NewBackend(client, bucket, f.logger.With("s3")), prefix, nil

	case constants.LocationAzure:
		client, err := azure.NewAzureClient(stage, f.httpClient)
		if err != nil {
			return nil, "", err
		}
		return azure.NewBackend(client, bucket, f.logger.With("azure")), prefix, nil

	case constants.LocationGCS:
		b, err := gcs.NewBackend(stage, f.httpClient, f.logger.With("gcs"))
		if err != nil {
			return nil, "", err
		}
		return b, prefix, nil

	default:
		return nil, "", fmt.Errorf("unsupported stage location type: %q", stage.LocationType)
	}
}
