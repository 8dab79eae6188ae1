package transfer

import (
	"fmt"
	"io"
	"sync"

	"github.com/rescale/stagexfer/internal/cloud/storage"
)

// ChunkAppender places completed parts into the destination in logical order.
//
// When the destination implements io.WriterAt each part is written at its offset as
// soon as it completes. Otherwise parts are written sequentially: a part that finishes
// early waits, still holding its buffer slot, until every earlier part is written.
// Parts must be indexed 0..n-1 for the sequential mode.
type ChunkAppender struct {
	dst io.Writer
	at  io.WriterAt

	mu      sync.Mutex
	cond    *sync.Cond
	next    int
	written int64
	err     error
}

// NewChunkAppender wraps dst.
func NewChunkAppender(dst io.Writer) *ChunkAppender {
	a := &ChunkAppender{dst: dst}
	if at, ok := dst.(io.WriterAt); ok {
		a.at = at
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Positioned reports whether parts are written at their offsets.
func (a *ChunkAppender) Positioned() bool {
	return a.at != nil
}

// WritePart writes the data of one completed part.
func (a *ChunkAppender) WritePart(part Part, data []byte) error {
	if int64(len(data)) != part.Length {
		return fmt.Errorf("%w: part %d has %d bytes, expected %d", storage.ErrSizeMismatch, part.Index, len(data), part.Length)
	}
	if a.at != nil {
		return a.writeAt(part, data)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.next != part.Index && a.err == nil {
		a.cond.Wait()
	}
	if a.err != nil {
		return fmt.Errorf("%w: part %d not written: %v", storage.ErrAborted, part.Index, a.err)
	}

	n, err := a.dst.Write(data)
	a.written += int64(n)
	if err != nil {
		a.err = err
		a.cond.Broadcast()
		return fmt.Errorf("failed to write part %d: %w", part.Index, err)
	}
	a.next++
	a.cond.Broadcast()
	return nil
}

func (a *ChunkAppender) writeAt(part Part, data []byte) error {
	a.mu.Lock()
	failed := a.err
	a.mu.Unlock()
	if failed != nil {
		return fmt.Errorf("%w: part %d not written: %v", storage.ErrAborted, part.Index, failed)
	}

	n, err := a.at.WriteAt(data, part.Offset)

	a.mu.Lock()
	a.written += int64(n)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write part %d at offset %d: %w", part.Index, part.Offset, err)
	}
	return nil
}

// Fail releases every part waiting for its turn. Later writes return ErrAborted.
func (a *ChunkAppender) Fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Written returns the number of bytes written to the destination.
func (a *ChunkAppender) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}
