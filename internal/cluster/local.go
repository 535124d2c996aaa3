package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/metrics"
)

var (
	// ErrQueueFull is returned when no more computations can be queued.
	ErrQueueFull = errors.New("cluster queue full")

	// ErrStopped is returned after Close.
	ErrStopped = errors.New("cluster stopped")
)

// job is one queued computation.
type job struct {
	id   matching.ComputationID
	args []matching.Argument
	cb   matching.Callback
}

// Local runs an Executor in process behind a bounded queue.
type Local struct {
	exec  *Executor
	queue chan job

	mu      sync.RWMutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewLocal starts workers goroutines serving a queue of queueSize.
func NewLocal(exec *Executor, workers, queueSize int) *Local {
	if workers < 1 {
		workers = 1
	}

	l := &Local{
		exec:  exec,
		queue: make(chan job, queueSize),
		stop:  make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	return l
}

// SubmitComputation validates and queues a computation. A full queue
// rejects the submission instead of blocking.
func (l *Local) SubmitComputation(ctx context.Context, id matching.ComputationID, args []matching.Argument, cb matching.Callback) error {
	if _, err := matching.ParseArguments(args); err != nil {
		return fmt.Errorf("invalid request:\n%w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.stopped {
		return ErrStopped
	}

	select {
	case l.queue <- job{id: id, args: args, cb: cb}:
		metrics.ExecutorQueueDepth.Set(float64(len(l.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Executor returns the underlying executor.
func (l *Local) Executor() *Executor {
	return l.exec
}

// Close stops the workers. Queued computations are dropped.
func (l *Local) Close() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	l.stopped = true
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Local) worker() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			return
		case j := <-l.queue:
			metrics.ExecutorQueueDepth.Set(float64(len(l.queue)))
			l.run(j)
		}
	}
}

// run executes j and always calls its callback once. A failed execution
// is reported as an unsigned output, which the receiver aborts.
func (l *Local) run(j job) {
	out, err := l.exec.Execute(j.id, j.args)
	if err != nil {
		logger.Warn("computation failed", "computation", j.id, "error", err)

		out = &matching.SignedOutput{
			ComputationID: j.id,
			ClusterID:     l.exec.ClusterID(),
			CircuitID:     l.exec.CircuitID(),
		}
	}

	j.cb(j.id, out)
}
