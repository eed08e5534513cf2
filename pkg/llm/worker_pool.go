package llm

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPoolConfig configures the LLM worker pool.
type WorkerPoolConfig struct {
	MaxConcurrent int // Maximum concurrent LLM calls (default: 4)
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxConcurrent: 4,
	}
}

// WorkerPool runs LLM calls with bounded parallelism.
//
// Items are dispatched one at a time in submission order. Cancellation is
// checked before every dispatch: once the context is done no further items
// start, while items already running finish on a context detached from the
// cancellation.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger
}

// NewWorkerPool creates a new LLM worker pool.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultWorkerPoolConfig().MaxConcurrent
	}
	return &WorkerPool{
		config: config,
		logger: logger.Named("llm-worker-pool"),
	}
}

// MaxConcurrent returns the configured concurrency cap.
func (p *WorkerPool) MaxConcurrent() int {
	return p.config.MaxConcurrent
}

// WorkItem represents a unit of work to be processed.
type WorkItem[T any] struct {
	ID      string                               // For logging/tracking
	Ordinal int                                  // Position in the outward-visible ordering
	Execute func(ctx context.Context) (T, error) // The work to be executed
}

// WorkResult represents the result of a work item.
type WorkResult[T any] struct {
	ID         string
	Ordinal    int
	Result     T
	Err        error
	Dispatched bool // false when cancellation stopped the item from starting
}

// Process executes all work items with bounded parallelism and returns one
// result per item in submission order. Items that were never dispatched carry
// the context error.
//
// onProgress is called from a single goroutine after each successful item,
// so completed strictly increases across calls.
func Process[T any](
	ctx context.Context,
	pool *WorkerPool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]WorkResult[T], len(items))
	for i, item := range items {
		results[i] = WorkResult[T]{ID: item.ID, Ordinal: item.Ordinal}
	}

	done := make(chan int, len(items))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		completed := 0
		for i := range done {
			if results[i].Err != nil {
				continue
			}
			completed++
			if onProgress != nil {
				onProgress(completed, len(items))
			}
		}
	}()

	sem := make(chan struct{}, pool.config.MaxConcurrent)
	runCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	dispatched := 0
dispatch:
	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			break
		}

		dispatched++
		results[i].Dispatched = true
		wg.Add(1)
		go func(i int, item WorkItem[T]) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := item.Execute(runCtx)
			results[i].Result = result
			results[i].Err = err
			done <- i
		}(i, item)
	}

	wg.Wait()
	close(done)
	<-collected

	if dispatched < len(items) {
		for i := dispatched; i < len(items); i++ {
			results[i].Err = ctx.Err()
		}
		pool.logger.Info("Dispatch stopped by cancellation",
			zap.Int("dispatched", dispatched),
			zap.Int("total", len(items)))
	}

	return results
}
