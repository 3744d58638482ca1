// Package concurrency wraps alitto/pond with standardized configuration and
// panic recovery. A pool backs the alert dispatcher so a slow alert channel
// cannot stall the tick loop.
package concurrency

import (
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"

	"optionsbot/internal/core"
)

// PoolConfig holds configuration for a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // if true, Submit returns an error instead of blocking when full
}

// WorkerPool wraps a pond pool.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.Logger
	mu     sync.RWMutex
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg PoolConfig, logger core.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("Worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit adds a task to the pool.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits a task and blocks until it completes.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Group runs tasks concurrently and waits for all of them.
func (wp *WorkerPool) Group(tasks ...func()) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		t := task
		wg.Add(1)
		wp.pool.Submit(func() {
			defer wg.Done()
			t()
		})
	}
	wg.Wait()
}

// RunningWorkers returns the current worker count.
func (wp *WorkerPool) RunningWorkers() int {
	return wp.pool.RunningWorkers()
}

// StopAndWait shuts the pool down after draining queued tasks.
func (wp *WorkerPool) StopAndWait() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.pool.StopAndWait()
}
