package buffers

import (
	"sync"
	"testing"

	"github.com/rescale/stagexfer/internal/constants"
)

// TestSmallBufferPool verifies that small buffers can be retrieved and returned
func TestSmallBufferPool(t *testing.T) {
	buf := GetSmallBuffer()
	if buf == nil {
		t.Fatal("GetSmallBuffer returned nil")
	}

	if len(*buf) != constants.EncryptionChunkSize {
		t.Errorf("Buffer size = %d, want %d", len(*buf), constants.EncryptionChunkSize)
	}

	PutSmallBuffer(buf)

	buf2 := GetSmallBuffer()
	if buf2 == nil {
		t.Fatal("GetSmallBuffer returned nil on second call")
	}
	PutSmallBuffer(buf2)
}

// TestPutSmallBufferClears verifies pooled buffers come back zeroed
func TestPutSmallBufferClears(t *testing.T) {
	buf := GetSmallBuffer()
	for i := range *buf {
		(*buf)[i] = 0xAB
	}
	PutSmallBuffer(buf)

	for i, b := range *buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x after Put, want 0", i, b)
		}
	}
}

// TestPutSmallBufferWithWrongSize verifies wrong-sized buffers are not pooled
func TestPutSmallBufferWithWrongSize(t *testing.T) {
	wrongSizeBuf := make([]byte, 100)
	PutSmallBuffer(&wrongSizeBuf)
}

// TestPutNilBuffer verifies nil buffers are handled gracefully
func TestPutNilBuffer(t *testing.T) {
	PutSmallBuffer(nil)
}

// TestConcurrentAccess verifies the pool is safe for concurrent use
func TestConcurrentAccess(t *testing.T) {
	const goroutines = 50
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				buf := GetSmallBuffer()
				(*buf)[0] = byte(j)
				PutSmallBuffer(buf)
			}
		}()
	}
	wg.Wait()

	if SmallAllocations() == 0 {
		t.Error("Expected at least one allocation to be counted")
	}
}

func BenchmarkSmallBufferWithPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetSmallBuffer()
		PutSmallBuffer(buf)
	}
}

func BenchmarkSmallBufferWithoutPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, constants.EncryptionChunkSize)
		_ = buf
	}
}
