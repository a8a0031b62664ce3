// Package dispatch drives a drill: it loads raster tiles on a bounded worker
// pool, reduces each work unit, runs the zonal kernel per vessel and writes
// the results in time order.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wetland-drill/internal/artifact"
	"github.com/sells-group/wetland-drill/internal/monitoring"
	"github.com/sells-group/wetland-drill/internal/raster"
)

// ErrTaskFailed marks a work unit abandoned because one of its load tasks
// failed.
var ErrTaskFailed = eris.New("dispatch: task failed")

// ErrPoolClosed is returned when waiting on a batch of a closed pool.
var ErrPoolClosed = eris.New("dispatch: pool closed")

// Task loads one tile of one time step.
type Task struct {
	Step int
	Tile raster.Tile
}

// Result is the outcome of a Task.
type Result struct {
	Task  Task
	Stack *raster.Stack
	Err   error
}

type job struct {
	batch *Batch
	idx   int
}

// Pool runs load tasks on a fixed set of workers.
type Pool struct {
	loader  artifact.Loader
	metrics *monitoring.Metrics

	jobs   chan job
	quit   chan struct{}
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewPool starts workers goroutines loading through loader. metrics may be
// nil.
func NewPool(ctx context.Context, loader artifact.Loader, workers int, metrics *monitoring.Metrics) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		loader:  loader,
		metrics: metrics,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for range max(1, workers) {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.quit:
			return nil
		case j := <-p.jobs:
			task := j.batch.results[j.idx].Task
			start := time.Now()
			s, err := p.loader.Load(p.ctx, task.Step, task.Tile)
			p.metrics.RecordTask(err, time.Since(start))
			j.batch.results[j.idx].Stack = s
			j.batch.results[j.idx].Err = err
			j.batch.finish()
		}
	}
}

// Batch is a set of submitted tasks. Wait is the barrier on all of them.
type Batch struct {
	pool      *Pool
	results   []Result
	remaining atomic.Int64
	done      chan struct{}
}

func (b *Batch) finish() {
	if b.remaining.Add(-1) == 0 {
		close(b.done)
	}
}

// Submit queues tasks and returns without waiting for them.
func (p *Pool) Submit(tasks []Task) *Batch {
	b := &Batch{pool: p, results: make([]Result, len(tasks)), done: make(chan struct{})}
	for i, t := range tasks {
		b.results[i].Task = t
	}
	if len(tasks) == 0 {
		close(b.done)
		return b
	}
	b.remaining.Store(int64(len(tasks)))
	go func() {
		for i := range tasks {
			select {
			case p.jobs <- job{batch: b, idx: i}:
			case <-p.quit:
				return
			}
		}
	}()
	return b
}

// Wait blocks until every task of the batch has finished and returns the
// results in submission order. The first failed task, in submission
// order, fails the batch with ErrTaskFailed.
func (b *Batch) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "dispatch: wait for batch")
	case <-b.pool.quit:
		return nil, ErrPoolClosed
	}
	for _, r := range b.results {
		if r.Err != nil {
			return b.results, eris.Wrapf(ErrTaskFailed, "dispatch: load step %d tile %+v: %v", r.Task.Step, r.Task.Tile, r.Err)
		}
	}
	return b.results, nil
}

// Close stops the workers. Tasks still queued are dropped and pending
// batches fail with ErrPoolClosed.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	close(p.quit)
	err := p.group.Wait()
	zap.L().Debug("dispatch pool closed")
	return err
}
