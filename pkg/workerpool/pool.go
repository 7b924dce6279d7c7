// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool is stopped")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload any

	reply chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Error    error
	Attempts int
}

// Success reports whether the task finished without error.
func (r *Result) Success() bool { return r.Error == nil }

// WorkerFunc processes one task. Returning an error wrapped with
// backoff.Permanent stops retries.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the first retry delay; later delays grow exponentially.
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for notification delivery.
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitWait queues a task and waits for its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if err := p.Submit(ctx, task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.reply:
		return result, nil
	}
}

// Stop stops accepting tasks and waits for queued ones to drain, up to the
// graceful shutdown timeout. In-flight retries are then cancelled.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			p.cancel()
			<-done
		}
		p.cancel()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		atomic.AddInt64(&p.queueDepth, -1)
		result := p.processTask(task)
		if !result.Success() {
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Error))
		}
		if task.reply != nil {
			task.reply <- result
		}
	}
}

func (p *Pool) processTask(task *Task) *Result {
	result := &Result{TaskID: task.ID}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.config.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.config.MaxRetries)), p.ctx)

	op := func() error {
		result.Attempts++
		if result.Attempts > 1 {
			atomic.AddInt64(&p.tasksRetried, 1)
		}
		return p.workerFunc(p.ctx, task)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", result.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		atomic.AddInt64(&p.tasksFailed, 1)
		result.Error = fmt.Errorf("task %s failed after %d attempts: %w", task.ID, result.Attempts, err)
		return result
	}
	atomic.AddInt64(&p.tasksCompleted, 1)
	return result
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
