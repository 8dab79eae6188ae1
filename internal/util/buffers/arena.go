package buffers

import (
	"context"
	"sync/atomic"
)

// Slot is one reusable part buffer handed out by an Arena.
// A slot is owned by exactly one job between Checkout and Release.
type Slot struct {
	Index int
	buf   []byte
}

// Buffer returns the slot's buffer resized to n bytes, growing it if needed.
func (s *Slot) Buffer(n int) []byte {
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	return s.buf[:n]
}

// Arena bounds part memory to a fixed number of slots.
// Checkout blocks while every slot is in use.
type Arena struct {
	slots chan *Slot
	size  int
	inUse int64
	peak  int64
}

// NewArena creates an arena with n slots. Buffers are allocated on first use.
func NewArena(n int) *Arena {
	if n < 1 {
		n = 1
	}
	a := &Arena{
		slots: make(chan *Slot, n),
		size:  n,
	}
	for i := 0; i < n; i++ {
		a.slots <- &Slot{Index: i}
	}
	return a
}

// Size returns the number of slots.
func (a *Arena) Size() int {
	return a.size
}

// Checkout claims a free slot, waiting until one is released or ctx is done.
func (a *Arena) Checkout(ctx context.Context) (*Slot, error) {
	select {
	case s := <-a.slots:
		n := atomic.AddInt64(&a.inUse, 1)
		for {
			p := atomic.LoadInt64(&a.peak)
			if n <= p || atomic.CompareAndSwapInt64(&a.peak, p, n) {
				break
			}
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release clears the slot and returns it to the arena.
func (a *Arena) Release(s *Slot) {
	if s == nil {
		return
	}
	clear(s.buf)
	atomic.AddInt64(&a.inUse, -1)
	a.slots <- s
}

// InUse returns the number of slots currently checked out.
func (a *Arena) InUse() int {
	return int(atomic.LoadInt64(&a.inUse))
}

// Peak returns the highest number of slots ever checked out at once.
func (a *Arena) Peak() int {
	return int(atomic.LoadInt64(&a.peak))
}
