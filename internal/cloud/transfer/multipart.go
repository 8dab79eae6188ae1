package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/models"
	"github.com/rescale/stagexfer/internal/transfer"
	"github.com/rescale/stagexfer/internal/util/buffers"
)

// UploadPartFunc sends one part. data is only valid until the function returns.
type UploadPartFunc func(ctx context.Context, part Part, data []byte) error

// DownloadPartFunc fills buf with the bytes of one part.
type DownloadPartFunc func(ctx context.Context, part Part, buf []byte) error

// Engine runs the parts of one file on a shared pool and slot arena.
// The arena must have at least as many slots as the pool has workers.
type Engine struct {
	Pool  *transfer.Pool
	Arena *buffers.Arena

	// Limiter optionally caps throughput in bytes per second
	Limiter *rate.Limiter

	// OnPart is called once per resolved part
	OnPart func(op string, part Part, elapsed time.Duration, err error)
}

// UploadParts reads parts sequentially from src into arena slots and uploads them
// concurrently. src must yield exactly the bytes the parts cover.
// Returns after every dispatched part has resolved.
func (e *Engine) UploadParts(ctx context.Context, src io.Reader, parts []Part, upload UploadPartFunc) error {
	batch := e.Pool.NewBatch()

	var produceErr error
	for i := range parts {
		if batch.Err() != nil {
			break
		}
		part := &parts[i]

		slot, err := e.Arena.Checkout(ctx)
		if err != nil {
			produceErr = err
			break
		}
		buf := slot.Buffer(int(part.Length))
		if _, err := io.ReadFull(src, buf); err != nil {
			e.Arena.Release(slot)
			produceErr = fmt.Errorf("failed to read part %d: %w", part.Index, err)
			break
		}

		batch.Go(func(int) error {
			defer e.Arena.Release(slot)
			return e.run(ctx, "upload", part, func() error {
				return upload(ctx, *part, buf)
			})
		})
	}

	err := batch.WaitAll()
	if err == nil && produceErr == nil {
		var probe [1]byte
		if n, _ := io.ReadFull(src, probe[:]); n > 0 {
			produceErr = fmt.Errorf("%w: source has more data than the announced size", storage.ErrSizeMismatch)
		}
	}
	if err == nil {
		err = produceErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}
	return nil
}

// DownloadParts fetches parts concurrently and hands them to a ChunkAppender over dst.
// Returns after every dispatched part has resolved.
func (e *Engine) DownloadParts(ctx context.Context, dst io.Writer, parts []Part, fetch DownloadPartFunc) error {
	appender := NewChunkAppender(dst)
	batch := e.Pool.NewBatch()

	for i := range parts {
		if batch.Err() != nil {
			break
		}
		part := &parts[i]

		batch.Go(func(int) error {
			slot, err := e.Arena.Checkout(ctx)
			if err != nil {
				appender.Fail(err)
				return err
			}
			defer e.Arena.Release(slot)

			buf := slot.Buffer(int(part.Length))
			err = e.run(ctx, "download", part, func() error {
				if err := fetch(ctx, *part, buf); err != nil {
					return err
				}
				return appender.WritePart(*part, buf)
			})
			if err != nil {
				appender.Fail(err)
			}
			return err
		})
	}

	if err := batch.WaitAll(); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrTransfer, err)
	}

	var expected int64
	for _, p := range parts {
		expected += p.Length
	}
	if written := appender.Written(); written != expected {
		return fmt.Errorf("%w: %w: wrote %d of %d bytes", storage.ErrTransfer, storage.ErrSizeMismatch, written, expected)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, op string, part *Part, fn func() error) error {
	start := time.Now()
	err := e.throttle(ctx, part.Length)
	if err == nil {
		err = fn()
	}
	if err != nil {
		part.Outcome = models.Failed
		if !errors.Is(err, storage.ErrAborted) {
			err = fmt.Errorf("part %d: %w", part.Index, err)
		}
	} else {
		part.Outcome = models.Success
	}
	if e.OnPart != nil {
		e.OnPart(op, *part, time.Since(start), err)
	}
	return err
}

// throttle waits for n bytes of budget in burst-sized steps.
func (e *Engine) throttle(ctx context.Context, n int64) error {
	if e.Limiter == nil {
		return nil
	}
	burst := int64(e.Limiter.Burst())
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := e.Limiter.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
