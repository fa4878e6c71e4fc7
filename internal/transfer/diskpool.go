package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var errPoolClosed = errors.New("disk pool closed")

type writeJob struct {
	path string
	data []byte
	done chan error
}

// diskPool serializes file writes onto a small fixed set of workers so
// concurrent downloads do not thrash the disk.
type diskPool struct {
	jobs   chan writeJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func newDiskPool(workers int) *diskPool {
	if workers < 1 {
		workers = 1
	}
	p := &diskPool{jobs: make(chan writeJob)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *diskPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.done <- writeFile(job.path, job.data)
	}
}

// Write stores data at path and waits for the result.
func (p *diskPool) Write(ctx context.Context, path string, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errPoolClosed
	}
	job := writeJob{path: path, data: data, done: make(chan error, 1)}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	// the write itself is not interrupted so no half-written file is left
	return <-job.done
}

// Close waits for pending writes and stops the workers.
func (p *diskPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// writeFile writes through a temporary name so a partial file never looks
// complete to a later run.
func writeFile(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
