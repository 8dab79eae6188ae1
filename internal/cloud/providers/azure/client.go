// Package azure implements the stage Backend for Azure Blob Storage using SAS credentials.
package azure

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/models"
)

// NewAzureClient creates a blob service client authorized by the stage's SAS token.
// SDK retries are disabled; requests are retried by http.ExecuteWithRetry.
func NewAzureClient(stage *models.StageInfo, httpClient *nethttp.Client) (*azblob.Client, error) {
	if stage == nil {
		return nil, fmt.Errorf("stage info is required")
	}

	sasURL, err := buildSASURL(stage)
	if err != nil {
		return nil, err
	}

	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if httpClient != nil {
		opts.ClientOptions.Transport = httpClient
	}

	client, err := azblob.NewClientWithNoCredential(sasURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

// buildSASURL constructs the service URL with the SAS token appended.
// An explicit endpoint (e.g. an emulator) takes precedence over the account name.
func buildSASURL(stage *models.StageInfo) (string, error) {
	sas := strings.TrimPrefix(stage.Credentials.AzureSASToken, "?")

	base := strings.TrimSuffix(stage.Endpoint, "/")
	if base == "" {
		if stage.StorageAccount == "" {
			return "", fmt.Errorf("Azure storage account name not found in stage info")
		}
		base = fmt.Sprintf("https://%s.blob.core.windows.net", stage.StorageAccount)
	}

	if sas == "" {
		return base + "/", nil
	}
	return base + "/?" + sas, nil
}

func retryConfig(logger *logging.Logger, operation string) http.Config {
	cfg := http.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error, errorType http.ErrorType) {
		logger.Debug().
			Str("op", operation).
			Int("attempt", attempt).
			Str("type", errorType.String()).
			Err(err).
			Msg("retrying Azure request")
	}
	return cfg
}

// classify maps SDK errors onto the storage taxonomy.
func classify(err error, blob string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("azure blob %s: %w", blob, storage.ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == nethttp.StatusNotFound
	}
	return false
}
