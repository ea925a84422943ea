package workers

import (
	"sync"
)

// Pool runs queued jobs on a fixed set of goroutines. The bus uses it
// to keep event delivery off the publisher's goroutine.
type Pool struct {
	mu      sync.Mutex
	stopped bool
	jobCh   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPool starts workerCount goroutines draining a buffered job queue.
func NewPool(workerCount, jobBufferSize int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		jobCh: make(chan func(), jobBufferSize),
		done:  make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case job := <-p.jobCh:
			job()
		case <-p.done:
			// Drain jobs accepted before the stop, then exit.
			for {
				select {
				case job := <-p.jobCh:
					job()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues a job without blocking. Returns false when the pool is
// stopped or the queue is full and the job was dropped. The send happens
// under the pool mutex so a concurrent Stop can never close the queue
// out from under it.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	wrapped := func() {
		defer p.wg.Done()
		job()
	}
	select {
	case p.jobCh <- wrapped:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// Wait blocks until every accepted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop rejects further submissions and waits for in-flight jobs. Safe to
// call more than once and concurrently with Submit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}
