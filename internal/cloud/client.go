package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/stagexfer/internal/cloud/envelope"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	xfer "github.com/rescale/stagexfer/internal/cloud/transfer"
	"github.com/rescale/stagexfer/internal/constants"
	encryption "github.com/rescale/stagexfer/internal/crypto"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/metrics"
	"github.com/rescale/stagexfer/internal/models"
	"github.com/rescale/stagexfer/internal/transfer"
	"github.com/rescale/stagexfer/internal/util/buffers"
)

// Options tunes a Client. Zero values fall back to the constants package.
type Options struct {
	Parallel int

	UploadThreshold   int64
	UploadPartSize    int64
	DownloadThreshold int64
	DownloadPartSize  int64

	// MaxBytesPerSecond caps multi-part throughput; 0 means unlimited
	MaxBytesPerSecond int64

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Parallel <= 0 {
		o.Parallel = constants.DefaultParallel
	}
	if o.Parallel > constants.AbsoluteMaxParallel {
		o.Parallel = constants.AbsoluteMaxParallel
	}
	if o.UploadThreshold <= 0 {
		o.UploadThreshold = constants.UploadThreshold
	}
	if o.UploadPartSize <= 0 {
		o.UploadPartSize = constants.UploadPartSize
	}
	if o.DownloadThreshold <= 0 {
		o.DownloadThreshold = constants.DownloadThreshold
	}
	if o.DownloadPartSize <= 0 {
		o.DownloadPartSize = constants.DownloadPartSize
	}
}

// Client implements StorageClient on top of a Backend.
// The worker pool and slot arena are created on the first multi-part transfer
// and shared by every file the client handles.
type Client struct {
	backend Backend
	prefix  string
	opts    Options
	logger  *logging.Logger

	mu     sync.Mutex
	engine *xfer.Engine
	closed bool
}

var _ StorageClient = (*Client)(nil)

// NewClient creates a client storing objects under prefix (empty or ending in "/").
func NewClient(backend Backend, prefix string, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		backend: backend,
		prefix:  prefix,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(backend.Name()),
	}
}

// Backend returns the underlying provider backend.
func (c *Client) Backend() Backend {
	return c.backend
}

func (c *Client) key(name string) string {
	return c.prefix + name
}

// multipartEngine lazily starts the pool and arena.
func (c *Client) multipartEngine() (*xfer.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("storage client is closed")
	}
	if c.engine != nil {
		return c.engine, nil
	}

	pool := transfer.NewPool(c.opts.Parallel)
	e := &xfer.Engine{
		Pool:  pool,
		Arena: buffers.NewArena(pool.Size()),
		OnPart: func(op string, part xfer.Part, elapsed time.Duration, err error) {
			c.opts.Metrics.ObservePart(op, elapsed, err)
			if err != nil && !errors.Is(err, storage.ErrAborted) {
				c.logger.Debug().Err(err).Str("op", op).Int("part", part.Index).Msg("part failed")
			}
		},
	}
	if c.opts.MaxBytesPerSecond > 0 {
		burst := int(c.opts.MaxBytesPerSecond)
		if burst > constants.MinPartSize {
			burst = constants.MinPartSize
		}
		e.Limiter = rate.NewLimiter(rate.Limit(c.opts.MaxBytesPerSecond), burst)
	}

	c.logger.Debug().Int("workers", pool.Size()).Msg("started transfer pool")
	c.engine = e
	return e, nil
}

// Arena returns the part buffer arena, or nil before the first multi-part transfer.
func (c *Client) Arena() *buffers.Arena {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil
	}
	return c.engine.Arena
}

// Upload implements StorageClient.
func (c *Client) Upload(ctx context.Context, meta *models.FileMetadata, src io.Reader) (models.Outcome, error) {
	start := time.Now()
	key := c.key(meta.DestFileName)
	size := meta.TransferSize()

	if !meta.Overwrite {
		_, err := c.backend.Head(ctx, key)
		switch {
		case err == nil:
			c.logger.Info().Str("key", key).Msg("destination exists, skipping upload")
			c.opts.Metrics.ObserveFile("upload", "none", models.SkippedAlreadyExists, 0, time.Since(start))
			return meta.Record(models.SkippedAlreadyExists, nil)
		case !errors.Is(err, storage.ErrNotFound):
			return c.fail(meta, "upload", fmt.Errorf("%w: existence check for %s: %w", storage.ErrTransfer, key, err))
		}
	}

	md, err := envelope.ObjectMetadata(meta)
	if err != nil {
		return c.fail(meta, "upload", fmt.Errorf("%w: %w", storage.ErrKeyMaterial, err))
	}

	payload := src
	if meta.Encrypted {
		er, err := encryption.NewEncryptReader(src, &meta.EncryptionMetadata.FileKey, meta.EncryptionMetadata.IV)
		if err != nil {
			return c.fail(meta, "upload", fmt.Errorf("%w: %w", storage.ErrKeyMaterial, err))
		}
		defer er.Close()
		payload = er
	}

	strategy := "single"
	if size > c.opts.UploadThreshold {
		strategy = "multipart"
		err = c.uploadMultipart(ctx, key, payload, size, md)
	} else {
		err = c.uploadSingle(ctx, key, payload, size, md)
	}
	if err != nil {
		return c.fail(meta, "upload", err)
	}

	elapsed := time.Since(start)
	c.opts.Metrics.ObserveFile("upload", strategy, models.Success, size, elapsed)
	c.logger.Info().
		Str("key", key).
		Int64("bytes", size).
		Str("strategy", strategy).
		Dur("elapsed", elapsed).
		Msg("upload complete")
	return meta.Record(models.Success, nil)
}

func (c *Client) uploadSingle(ctx context.Context, key string, payload io.Reader, size int64, md map[string]string) error {
	data := make([]byte, size)
	if _, err := io.ReadFull(payload, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: %w", storage.ErrSizeMismatch, err)
		}
		return fmt.Errorf("%w: failed to read payload: %w", storage.ErrTransfer, err)
	}
	var probe [1]byte
	if n, _ := io.ReadFull(payload, probe[:]); n > 0 {
		return fmt.Errorf("%w: %w: source has more data than the announced size", storage.ErrTransfer, storage.ErrSizeMismatch)
	}

	if err := c.backend.Put(ctx, key, data, md); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}
	return nil
}

func (c *Client) uploadMultipart(ctx context.Context, key string, payload io.Reader, size int64, md map[string]string) error {
	engine, err := c.multipartEngine()
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}

	parts := xfer.SplitParts(size, c.opts.UploadPartSize)
	if len(parts) > constants.MaxParts {
		return fmt.Errorf("%w: %d parts exceeds the limit of %d", storage.ErrTransfer, len(parts), constants.MaxParts)
	}

	uploadID, err := c.backend.CreateMultipart(ctx, key, md)
	if err != nil {
		return fmt.Errorf("%w: failed to start multipart upload: %w", storage.ErrTransfer, err)
	}

	c.logger.Debug().Str("key", key).Int("parts", len(parts)).Msg("multipart upload started")

	completed := make([]CompletedPart, len(parts))
	err = engine.UploadParts(ctx, payload, parts, func(ctx context.Context, part xfer.Part, data []byte) error {
		cp, err := c.backend.UploadPart(ctx, key, uploadID, part, data)
		if err != nil {
			return err
		}
		completed[part.Index] = cp
		return nil
	})
	if err == nil {
		err = c.backend.CompleteMultipart(ctx, key, uploadID, completed, md)
		if err != nil {
			err = fmt.Errorf("%w: failed to complete multipart upload: %w", storage.ErrTransfer, err)
		}
	}
	if err != nil {
		if abortErr := c.backend.AbortMultipart(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
			c.logger.Warn().Err(abortErr).Str("key", key).Msg("failed to abort multipart upload")
		}
		return err
	}
	return nil
}

// Download implements StorageClient.
func (c *Client) Download(ctx context.Context, meta *models.FileMetadata, dst io.Writer) (models.Outcome, error) {
	start := time.Now()
	key := c.key(meta.SrcFileName)
	size := meta.TransferSize()

	var err error
	strategy := "single"
	if size > c.opts.DownloadThreshold {
		strategy = "multipart"
		err = c.downloadMultipart(ctx, key, dst, size)
	} else {
		err = c.downloadSingle(ctx, key, dst, size)
	}
	if err != nil {
		return c.fail(meta, "download", err)
	}

	elapsed := time.Since(start)
	c.opts.Metrics.ObserveFile("download", strategy, models.Success, size, elapsed)
	c.logger.Info().
		Str("key", key).
		Int64("bytes", size).
		Str("strategy", strategy).
		Dur("elapsed", elapsed).
		Msg("download complete")
	return meta.Record(models.Success, nil)
}

func (c *Client) downloadSingle(ctx context.Context, key string, dst io.Writer, size int64) error {
	cw := &countingWriter{w: dst}
	if err := c.backend.Get(ctx, key, cw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}
	if cw.n != size {
		return fmt.Errorf("%w: %w: received %d of %d bytes", storage.ErrTransfer, storage.ErrSizeMismatch, cw.n, size)
	}
	return nil
}

func (c *Client) downloadMultipart(ctx context.Context, key string, dst io.Writer, size int64) error {
	engine, err := c.multipartEngine()
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}

	parts := xfer.SplitParts(size, c.opts.DownloadPartSize)
	c.logger.Debug().Str("key", key).Int("parts", len(parts)).Msg("multipart download started")

	return engine.DownloadParts(ctx, dst, parts, func(ctx context.Context, part xfer.Part, buf []byte) error {
		return c.backend.GetRange(ctx, key, part.Offset, buf)
	})
}

// GetRemoteFileMetadata implements StorageClient.
func (c *Client) GetRemoteFileMetadata(ctx context.Context, name string, meta *models.FileMetadata) error {
	info, err := c.backend.Head(ctx, c.key(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}

	meta.SrcFileName = name
	meta.SrcFileSize = info.Size
	return envelope.ApplyObjectMetadata(meta, info.Metadata)
}

// Close stops the worker pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.engine != nil {
		c.engine.Pool.Close()
	}
	return nil
}

func (c *Client) fail(meta *models.FileMetadata, op string, err error) (models.Outcome, error) {
	c.opts.Metrics.ObserveFile(op, "none", models.Failed, 0, 0)
	c.logger.Error().Err(err).
		Str("src", meta.SrcFileName).
		Str("dest", meta.DestFileName).
		Msgf("%s failed", op)
	return meta.Record(models.Failed, err)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
