// Package queue runs deferred work, spool file parses and subject
// fusion runs, on a fixed pool of workers behind a bounded buffer.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of deferred work. Work receives a context bounded by
// the pool's per-job timeout; OnFinish, when set, observes the final
// error after Work returns or panics.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats is a point-in-time view of the pool, served by /ops/status.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"worker_count"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue accepts jobs without blocking: when the buffer is full the job
// is refused and the caller decides whether to retry or drop. Once
// stopped a queue never accepts work again.
type Queue struct {
	pending    chan Job
	workers    int
	jobTimeout time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	closed  bool

	wg        sync.WaitGroup
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(capacity, workers int, jobTimeout time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pending:    make(chan Job, capacity),
		workers:    workers,
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue offers the job to the pool without blocking and reports
// whether it was accepted.
func (q *Queue) Enqueue(job Job) bool {
	if q.offer(job) {
		return true
	}
	q.logger.Warn("job refused",
		zap.String("source", job.Source),
		zap.String("job_id", job.ID),
		zap.Int("backlog", len(q.pending)))
	return false
}

// EnqueueWithRetry keeps offering the job until the window closes. The
// second result reports whether the final refusal was backpressure, a
// full buffer, rather than a cancelled context.
func (q *Queue) EnqueueWithRetry(ctx context.Context, job Job, window, every time.Duration) (queued, full bool) {
	if q.offer(job) {
		return true, false
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	expire := time.NewTimer(window)
	defer expire.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-expire.C:
			return false, true
		case <-tick.C:
			if q.offer(job) {
				return true, false
			}
		}
	}
}

// offer serializes the buffer send with Stop's close so a late caller
// is refused instead of hitting a closed channel.
func (q *Queue) offer(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running || q.closed {
		return false
	}
	select {
	case q.pending <- job:
		return true
	default:
		return false
	}
}

// Stop refuses new work and waits for the buffer to drain, up to the
// context deadline.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.running || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		q.logger.Warn("queue stop deadline reached with jobs still running",
			zap.Int("backlog", len(q.pending)))
	}
}

// Stats returns a snapshot of the pool.
func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.pending),
		Capacity:    cap(q.pending),
		WorkerCount: q.workers,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

// Healthy reports whether the pool is accepting work.
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running && !q.closed
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, open := <-q.pending:
			if !open {
				return
			}
			q.run(ctx, job)
		}
	}
}

// run executes one job under the pool timeout. A panic is converted to
// an error so one bad job cannot take its worker down.
func (q *Queue) run(ctx context.Context, job Job) {
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, q.jobTimeout)
	defer cancel()

	err := q.execute(jobCtx, job)
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("job failed",
			zap.String("source", job.Source),
			zap.String("job_id", job.ID),
			zap.Duration("took", time.Since(started)),
			zap.Error(err))
	} else {
		q.logger.Debug("job done",
			zap.String("source", job.Source),
			zap.String("job_id", job.ID),
			zap.Duration("took", time.Since(started)))
	}
	if job.OnFinish != nil {
		job.OnFinish(err)
	}
}

func (q *Queue) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Work(ctx)
}
