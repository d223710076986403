package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"investi/internal/logging"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	defaultTimeout   = 2 * time.Minute
)

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Pool is a bounded work queue with a fixed worker count. Enqueue never
// blocks: a full queue is an immediate error so the dispatcher can roll the
// fire back instead of stalling the scheduler cycle.
type Pool struct {
	jobs     chan job
	workers  int
	timeout  time.Duration
	logger   logging.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// PoolConfig sizes the pool. Zero values take defaults.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// InvokeTimeout bounds one job's execution.
	InvokeTimeout time.Duration
}

// NewPool creates a stopped pool; call Start to spin up workers.
func NewPool(config PoolConfig, logger logging.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = defaultTimeout
	}
	return &Pool{
		jobs:    make(chan job, config.QueueSize),
		workers: config.Workers,
		timeout: config.InvokeTimeout,
		logger:  logging.OrNop(logger),
		stopped: make(chan struct{}),
	}
}

// Start launches the workers. They drain the queue until Stop or ctx cancel.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("Agent pool started (%d workers, queue %d)", p.workers, cap(p.jobs))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		case j := <-p.jobs:
			p.execute(ctx, id, j)
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, j job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker %d: panic in %s: %v", workerID, j.name, r)
		}
	}()

	start := time.Now()
	if err := j.run(jobCtx); err != nil {
		p.logger.Error("Worker %d: %s failed after %s: %v", workerID, j.name, time.Since(start).Round(time.Millisecond), err)
		return
	}
	p.logger.Debug("Worker %d: %s done in %s", workerID, j.name, time.Since(start).Round(time.Millisecond))
}

// Enqueue queues a job without blocking. A full queue is an error.
func (p *Pool) Enqueue(name string, run func(ctx context.Context) error) error {
	select {
	case <-p.stopped:
		return fmt.Errorf("agent pool stopped")
	default:
	}
	select {
	case p.jobs <- job{name: name, run: run}:
		return nil
	default:
		return fmt.Errorf("agent queue full (%d pending)", cap(p.jobs))
	}
}

// Stop signals the workers and waits for in-flight jobs to finish. Queued
// but unstarted jobs are dropped; durable task state means they reappear on
// the next scheduler cycle.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
	p.logger.Info("Agent pool stopped")
}
