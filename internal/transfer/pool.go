// Package transfer provides the bounded worker pool that runs chunk jobs.
package transfer

import (
	"fmt"
	"runtime"
	"sync"
)

// Job is one unit of work. worker is the index of the goroutine running it.
type Job func(worker int) error

// Pool is a fixed set of worker goroutines fed from one FIFO queue.
// Jobs start in submission order; completion order is arbitrary.
type Pool struct {
	size    int
	jobs    chan func(worker int)
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// PoolSize caps the requested parallelism at the hardware concurrency.
func PoolSize(requested int) int {
	n := requested
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool starts PoolSize(parallel) workers.
func NewPool(parallel int) *Pool {
	p := &Pool{
		size: PoolSize(parallel),
		jobs: make(chan func(worker int)),
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		job(id)
	}
}

// Close stops the workers after queued jobs finish. Submitting after Close panics.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}

// NewBatch returns a job group whose WaitAll joins only its own jobs.
func (p *Pool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Batch tracks the jobs of one file on a shared pool.
type Batch struct {
	pool     *Pool
	wg       sync.WaitGroup
	mu       sync.Mutex
	firstErr error
	resolved int
	failed   int
}

// Go queues job, blocking while every worker is busy. Every job resolves exactly once;
// a panic inside the job resolves it as failed.
func (b *Batch) Go(job Job) {
	b.wg.Add(1)
	b.pool.jobs <- func(worker int) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
			b.resolve(err)
		}()
		err = job(worker)
	}
}

func (b *Batch) resolve(err error) {
	b.mu.Lock()
	b.resolved++
	if err != nil {
		b.failed++
		if b.firstErr == nil {
			b.firstErr = err
		}
	}
	b.mu.Unlock()
	b.wg.Done()
}

// Err returns the first failure seen so far without waiting.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

// WaitAll blocks until every queued job has resolved and returns the first failure.
func (b *Batch) WaitAll() error {
	b.wg.Wait()
	return b.Err()
}

// Stats returns how many jobs resolved and how many of them failed.
func (b *Batch) Stats() (resolved, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved, b.failed
}
