// Package batch executes generation jobs on a bounded worker pool and drives
// each job item by item with cooperative cancellation.
package batch

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Submit when the pool cannot accept more work.
// Callers translate it into a backpressure response rather than blocking.
var ErrQueueFull = errors.New("batch: job queue full")

// Job is one unit of queued generation work. The queue is in-memory: jobs
// not yet picked up are lost on restart, at which point the task record
// simply ages out by TTL.
type Job struct {
	TaskID         string
	Kind           string // single | batch
	Owner          string
	Prompts        []string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	Mode           string
	SafetyLevel    string
	Bypass         bool
}

// Pool runs jobs on a fixed number of workers fed from a bounded channel.
type Pool struct {
	run     func(ctx context.Context, job Job)
	jobs    chan Job
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int, run func(ctx context.Context, job Job)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		run:     run,
		jobs:    make(chan Job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels in-flight jobs and waits for workers to drain.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(p.ctx, job)
		}
	}
}
