// Package gcs implements the stage Backend for Google Cloud Storage through
// its XML API, authorized with the stage's OAuth access token.
package gcs

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/http"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/models"
)

// DefaultEndpoint is the public XML API host.
const DefaultEndpoint = "https://storage.googleapis.com"

const metaPrefix = "x-goog-meta-"

// Backend talks to one bucket. Retries of 5xx, 429 and connection errors are
// handled by the retryablehttp client.
type Backend struct {
	client   *retryablehttp.Client
	endpoint *url.URL
	bucket   string
	token    string
	logger   *logging.Logger
}

var _ cloud.Backend = (*Backend)(nil)

// NewBackend builds a backend for the stage's bucket on top of httpClient.
func NewBackend(stage *models.StageInfo, httpClient *nethttp.Client, logger *logging.Logger) (*Backend, error) {
	if stage == nil {
		return nil, fmt.Errorf("stage info is required")
	}
	bucket, _ := stage.SplitLocation()
	if bucket == "" {
		return nil, fmt.Errorf("GCS bucket not found in stage location %q", stage.Location)
	}

	raw := stage.Endpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid GCS endpoint %q: %w", raw, err)
	}

	logger = logging.OrNop(logger)
	return &Backend{
		client:   http.NewRetryableClient(httpClient, logger),
		endpoint: endpoint,
		bucket:   bucket,
		token:    stage.Credentials.GCSAccessToken,
		logger:   logger,
	}, nil
}

// Name implements cloud.Backend.
func (b *Backend) Name() string {
	return "gcs"
}

func (b *Backend) objectURL(key string, query url.Values) string {
	u := *b.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + b.bucket + "/" + key
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (b *Backend) newRequest(ctx context.Context, method, key string, query url.Values, body []byte) (*retryablehttp.Request, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.objectURL(key, query), rawBody)
	if err != nil {
		return nil, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func setMetadata(h nethttp.Header, md map[string]string) {
	for k, v := range md {
		h.Set(metaPrefix+k, v)
	}
}

// do sends req and returns the response when its status is one of want.
// Any other status is drained into an error.
func (b *Backend) do(req *retryablehttp.Request, key string, want ...int) (*nethttp.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("gcs %s %s: %w", req.Method, key, err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return nil, fmt.Errorf("gcs object %s: %w", key, storage.ErrNotFound)
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, &http.StatusError{
		Op:   "gcs " + req.Method + " " + key,
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(snippet)),
	}
}

// Head implements cloud.Backend.
func (b *Backend) Head(ctx context.Context, key string) (*cloud.ObjectInfo, error) {
	req, err := b.newRequest(ctx, nethttp.MethodHead, key, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &cloud.ObjectInfo{Size: resp.ContentLength, Metadata: map[string]string{}}
	for k, v := range resp.Header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, metaPrefix) && len(v) > 0 {
			info.Metadata[strings.TrimPrefix(lk, metaPrefix)] = v[0]
		}
	}
	return info, nil
}

// Put implements cloud.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	req, err := b.newRequest(ctx, nethttp.MethodPut, key, nil, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	setMetadata(req.Header, metadata)

	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Get implements cloud.Backend.
func (b *Backend) Get(ctx context.Context, key string, w io.Writer) error {
	req, err := b.newRequest(ctx, nethttp.MethodGet, key, nil, nil)
	if err != nil {
		return err
	}
	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read gcs object %s: %w", key, err)
	}
	return nil
}

// GetRange implements cloud.Backend. Status and transport failures are retried
// by retryablehttp (RetryMax per request) and are not retried again here. The
// outer loop only re-requests truncated bodies, at most twice.
func (b *Backend) GetRange(ctx context.Context, key string, offset int64, buf []byte) error {
	ctx, cancel := context.WithTimeout(ctx, constants.PartTimeout)
	defer cancel()
	cfg := http.DefaultConfig()
	cfg.MaxRetries = 2
	return http.ExecuteWithRetry(ctx, cfg, func() error {
		req, err := b.newRequest(ctx, nethttp.MethodGet, key, nil, nil)
		if err != nil {
			return http.Permanent(err)
		}
		last := offset + int64(len(buf)) - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, last))
		resp, err := b.do(req, key, nethttp.StatusPartialContent, nethttp.StatusOK)
		if err != nil {
			return http.Permanent(err)
		}
		defer resp.Body.Close()
		if err := checkRange(resp, offset, last); err != nil {
			return http.Permanent(fmt.Errorf("gcs GET %s: %w", key, err))
		}
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return fmt.Errorf("short read for range %d+%d of %s: %w", offset, len(buf), key, err)
		}
		return nil
	})
}

// checkRange rejects a response whose body does not start at offset. A 200
// carries the whole object, which only lines up when offset is zero.
func checkRange(resp *nethttp.Response, offset, last int64) error {
	if resp.StatusCode == nethttp.StatusOK {
		if offset != 0 {
			return fmt.Errorf("range %d-%d ignored by server", offset, last)
		}
		return nil
	}
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return nil
	}
	var start, end int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/", &start, &end); err != nil {
		return fmt.Errorf("malformed content-range %q", cr)
	}
	if start != offset || end < last {
		return fmt.Errorf("content-range %q does not cover %d-%d", cr, offset, last)
	}
	return nil
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

// CreateMultipart implements cloud.Backend. GCS binds metadata at initiation.
func (b *Backend) CreateMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	req, err := b.newRequest(ctx, nethttp.MethodPost, key, url.Values{"uploads": {""}}, []byte{})
	if err != nil {
		return "", err
	}
	setMetadata(req.Header, metadata)

	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result initiateResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse multipart initiation for %s: %w", key, err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("gcs returned an empty upload id for %s", key)
	}
	return result.UploadID, nil
}

// UploadPart implements cloud.Backend.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, part xfer.Part, data []byte) (cloud.CompletedPart, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.PartTimeout)
	defer cancel()

	number := part.Index + 1
	query := url.Values{"partNumber": {strconv.Itoa(number)}, "uploadId": {uploadID}}
	req, err := b.newRequest(ctx, nethttp.MethodPut, key, query, data)
	if err != nil {
		return cloud.CompletedPart{}, err
	}

	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return cloud.CompletedPart{}, err
	}
	resp.Body.Close()

	return cloud.CompletedPart{Number: number, Token: resp.Header.Get("ETag")}, nil
}

// CompleteMultipart implements cloud.Backend.
func (b *Backend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []cloud.CompletedPart, _ map[string]string) error {
	body := completeRequest{Parts: make([]completePart, len(parts))}
	for i, p := range parts {
		body.Parts[i] = completePart{PartNumber: p.Number, ETag: p.Token}
	}
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := b.newRequest(ctx, nethttp.MethodPost, key, url.Values{"uploadId": {uploadID}}, buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := b.do(req, key, nethttp.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// AbortMultipart implements cloud.Backend.
func (b *Backend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	req, err := b.newRequest(ctx, nethttp.MethodDelete, key, url.Values{"uploadId": {uploadID}}, nil)
	if err != nil {
		return err
	}
	resp, err := b.do(req, key, nethttp.StatusNoContent, nethttp.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
