// Package workerpool runs independent jobs on a bounded set of workers. A
// failing or panicking job produces a failed Result and never stops the
// others.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task struct {
	ID      string
	Payload any
}

// Result is the outcome of one task.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Duration time.Duration
}

// WorkerFunc processes one task. A returned error marks the task failed.
type WorkerFunc func(ctx context.Context, task *Task) (any, error)

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
}

// DefaultConfig sizes the pool to the machine.
func DefaultConfig() Config {
	return Config{
		Workers:   runtime.GOMAXPROCS(0),
		QueueSize: 64,
	}
}

// Pool manages a pool of workers.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	activeWorkers  int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
	}, nil
}

// Start launches the workers. Once ctx is cancelled, tasks still queued
// fail with the context error instead of running.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	}
}

// Results returns the result channel. It is closed by Stop once every
// worker has exited.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop closes the queue and waits for queued tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskChan)
		p.wg.Wait()
		close(p.resultChan)
		p.logger.Debug("worker pool stopped")
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		p.resultChan <- p.processTask(ctx, id, task)
	}
}

func (p *Pool) processTask(ctx context.Context, workerID int, task *Task) (result *Result) {
	start := time.Now()
	result = &Result{TaskID: task.ID}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("task %s panicked: %v", task.ID, r)
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		result.Duration = time.Since(start)
		if result.Success {
			atomic.AddInt64(&p.tasksCompleted, 1)
		} else {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", workerID),
				zap.Error(result.Error))
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}
	data, err := p.workerFunc(ctx, task)
	result.Data = data
	result.Error = err
	result.Success = err == nil
	return result
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}

// Run processes tasks on a fresh pool and returns their results in task
// order. Task IDs must be unique.
func Run(ctx context.Context, cfg Config, fn WorkerFunc, logger *zap.Logger, tasks []*Task) ([]*Result, error) {
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start(ctx)

	byID := make(map[string]*Result, len(tasks))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range pool.Results() {
			byID[r.TaskID] = r
		}
	}()

	var submitErr error
	for _, t := range tasks {
		if err := pool.Submit(ctx, t); err != nil {
			submitErr = err
			break
		}
	}
	pool.Stop()
	<-done

	st := pool.Stats()
	pool.logger.Info("worker pool finished",
		zap.Int("workers", st.Workers),
		zap.Int64("submitted", st.TasksSubmitted),
		zap.Int64("completed", st.TasksCompleted),
		zap.Int64("failed", st.TasksFailed))

	out := make([]*Result, len(tasks))
	for i, t := range tasks {
		if r, ok := byID[t.ID]; ok {
			out[i] = r
			continue
		}
		out[i] = &Result{TaskID: t.ID, Error: fmt.Errorf("task not run: %w", submitErr)}
	}
	return out, nil
}
