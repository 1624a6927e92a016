// Package coordinator serializes every mutation of a core.Engine through
// one FIFO worker, running each transaction's critical section, commit,
// and continuation in strict submission order.
package coordinator

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

// ErrStopped is returned by Submit once the coordinator has stopped,
// either because Stop was called or because a StorageError made it fatal.
var ErrStopped = errors.New("coordinator: stopped")

// CriticalSection runs against the engine with exclusive access. It
// should call Produce/Consume and return any mapper/trigger error; it
// must never call Commit or Rollback itself — Submit does that.
type CriticalSection func(*core.Engine) error

// Continuation runs after a successful commit, given the events that were
// just durably persisted. It typically hands them to an effect dispatcher.
// Submit runs it synchronously on the worker goroutine before returning,
// so a slow continuation delays the next job and a panic in it is not
// recovered; fan-out work is handed off to a separate pool (see
// pkg/engine/effect) rather than done here.
type Continuation func(persisted []lss.Event)

// FatalHandler is invoked exactly once, from the coordinator's own
// goroutine, when a commit fails with a StorageError: a storage failure
// is fatal for the whole process, not just the transaction. The
// coordinator does not call os.Exit itself so that callers (tests, the
// CLI) control the actual exit behavior.
type FatalHandler func(err error)

type job struct {
	critical     CriticalSection
	continuation Continuation
	result       chan error
}

// Coordinator is the single writer of a core.Engine. Every mutation must
// go through Submit; nothing else may call Produce/Consume/Commit on the
// wrapped engine.
type Coordinator struct {
	engine  *core.Engine
	onFatal FatalHandler

	jobs   chan *job
	stopCh chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a Coordinator around engine. queueSize bounds how many
// pending Submit calls may queue before Submit blocks.
func New(engine *core.Engine, queueSize int, onFatal FatalHandler) *Coordinator {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Coordinator{
		engine:  engine,
		onFatal: onFatal,
		jobs:    make(chan *job, queueSize),
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Submit enqueues a transaction and blocks until it has been committed
// (or rejected/rolled back). Submits are served strictly FIFO by the
// single worker goroutine started in New, which is what gives the whole
// engine its single-writer guarantee.
func (c *Coordinator) Submit(critical CriticalSection, continuation Continuation) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.mu.Unlock()

	j := &job{critical: critical, continuation: continuation, result: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-c.stopCh:
		return ErrStopped
	}

	select {
	case err := <-j.result:
		return err
	case <-c.stopCh:
		return ErrStopped
	}
}

// Stop drains no further jobs and waits for the current one to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		select {
		case j := <-c.jobs:
			c.process(j)
		case <-c.stopCh:
			c.drainRemaining()
			return
		}
	}
}

// drainRemaining rejects anything still queued once Stop has been called,
// so no Submit call is left waiting forever.
func (c *Coordinator) drainRemaining() {
	for {
		select {
		case j := <-c.jobs:
			j.result <- ErrStopped
		default:
			return
		}
	}
}

// process runs the critical section in memory first, appends to the log
// second, then runs the post-commit continuation. Nothing touches the
// log until the in-memory transaction has fully succeeded, which is what
// makes rollback on mapper failure atomic — a failed critical section
// never reaches Commit at all.
func (c *Coordinator) process(j *job) {
	if err := j.critical(c.engine); err != nil {
		c.engine.Rollback()
		j.result <- err
		return
	}

	persisted, err := c.engine.Commit()
	if err != nil {
		slog.Error("coordinator: commit failed, treating as fatal storage error", "error", err)
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.stopOnce.Do(func() { close(c.stopCh) })
		if c.onFatal != nil {
			c.onFatal(err)
		}
		j.result <- err
		return
	}

	if j.continuation != nil {
		j.continuation(persisted)
	}

	j.result <- nil
}
