package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/stagexfer/internal/constants"
)

var smallAllocations int64

// smallPool provides 16KB buffers for streaming encryption/decryption.
var smallPool = &sync.Pool{
	New: func() interface{} {
		atomic.AddInt64(&smallAllocations, 1)
		buf := make([]byte, constants.EncryptionChunkSize)
		return &buf
	},
}

// GetSmallBuffer retrieves a 16KB buffer from the pool.
//
// Usage:
//
//	buf := buffers.GetSmallBuffer()
//	defer buffers.PutSmallBuffer(buf)
//	n, err := reader.Read(*buf)
func GetSmallBuffer() *[]byte {
	return smallPool.Get().(*[]byte)
}

// PutSmallBuffer returns a small buffer to the pool for reuse.
// The buffer is cleared before being returned to prevent key stream data leakage.
func PutSmallBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.EncryptionChunkSize {
		clear(*buf)
		smallPool.Put(buf)
	}
}

// SmallAllocations returns how many small buffers the pool has created.
func SmallAllocations() int64 {
	return atomic.LoadInt64(&smallAllocations)
}
