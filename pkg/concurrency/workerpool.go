// Package concurrency runs independent tasks on a bounded set of worker
// goroutines. Callers never deal with the channels and goroutines behind
// the pool.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/metropolis/pkg/logging"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("task queue is full")
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("worker pool is not running")
)

// WorkerPool runs submitted tasks on a fixed number of workers.
type WorkerPool interface {
	// Start launches the workers.
	Start() error

	// Stop stops accepting tasks and waits for queued and in-flight tasks.
	// When ctx expires first, running tasks see their context cancelled
	// and Stop returns an error.
	Stop(ctx context.Context) error

	// Submit queues a task without blocking.
	Submit(task Task) error

	// Workers returns the number of worker goroutines.
	Workers() int

	// IsRunning reports whether the pool accepts tasks.
	IsRunning() bool
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers   int // worker goroutines, at least 1
	QueueSize int // bounded task queue
	Logger    logging.Logger
}

type defaultWorkerPool struct {
	workers  int
	taskChan chan Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  int32
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	logger   logging.Logger

	completed int64
	failed    int64
}

// NewWorkerPool creates a stopped WorkerPool. Task contexts derive from ctx.
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig) WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = config.Workers
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &defaultWorkerPool{
		workers:  config.Workers,
		taskChan: make(chan Task, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

func (wp *defaultWorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 1 {
		return fmt.Errorf("worker pool is already running")
	}
	if wp.stopped {
		return fmt.Errorf("worker pool cannot be restarted")
	}

	atomic.StoreInt32(&wp.running, 1)
	wp.wg.Add(wp.workers)
	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}
	return nil
}

func (wp *defaultWorkerPool) worker(id int) {
	defer wp.wg.Done()

	for task := range wp.taskChan {
		if err := task.Execute(wp.ctx); err != nil {
			atomic.AddInt64(&wp.failed, 1)
			wp.logger.WithFields(map[string]interface{}{
				"worker": id,
				"task":   task.Name(),
			}).Errorf("task failed: %v", err)
			continue
		}
		atomic.AddInt64(&wp.completed, 1)
	}
}

func (wp *defaultWorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if atomic.LoadInt32(&wp.running) == 0 {
		wp.mu.Unlock()
		return nil
	}
	atomic.StoreInt32(&wp.running, 0)
	wp.stopped = true
	close(wp.taskChan)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		wp.logger.Debugf("worker pool stopped: %d completed, %d failed",
			atomic.LoadInt64(&wp.completed), atomic.LoadInt64(&wp.failed))
		return nil
	case <-ctx.Done():
		wp.cancel()
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

func (wp *defaultWorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	// Held across the send so Stop cannot close the channel underneath it.
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if atomic.LoadInt32(&wp.running) == 0 {
		return ErrNotRunning
	}

	select {
	case wp.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (wp *defaultWorkerPool) Workers() int {
	return wp.workers
}

func (wp *defaultWorkerPool) IsRunning() bool {
	return atomic.LoadInt32(&wp.running) == 1
}
