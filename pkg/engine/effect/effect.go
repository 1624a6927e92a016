// Package effect fans committed events out to registered callbacks on a
// fixed-size worker pool: a fixed set of goroutines drain a task channel,
// each callback invocation gets a context carrying its own timeout, and
// dispatch never blocks: a task that does not fit the queue is dropped.
package effect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

// Deps is what a Callback is allowed to do: read projections, submit new
// commands, and report externally-sourced facts back through the
// coordinator. It must never touch a core.Engine directly — that would
// break the single-writer discipline.
type Deps struct {
	Query   core.QueryFunc
	Submit  func(core.Command) error
	Consume func(lss.Event) error
}

// Callback reacts to one committed event. It returns nothing, and this
// package never retries it — retry bookkeeping belongs in a projection,
// which is why Callback gets Submit and Consume: to push a "note this
// attempt" command, or an already-resolved fact, back through the engine.
type Callback func(ctx context.Context, event lss.Event, deps Deps)

type task struct {
	event lss.Event
	deps  Deps
}

// Pool dispatches committed events to registered callbacks.
type Pool struct {
	workers   int
	timeout   time.Duration
	tasks     chan task
	callbacks map[string][]Callback

	mu      sync.RWMutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a Pool with workers goroutines, each callback invocation
// bounded by timeout, and a task queue of bufferSize.
func NewPool(workers int, timeout time.Duration, bufferSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Pool{
		workers:   workers,
		timeout:   timeout,
		tasks:     make(chan task, bufferSize),
		callbacks: make(map[string][]Callback),
		stopCh:    make(chan struct{}),
	}
}

// RegisterCallback wires fn to fire for every committed event of type
// eventType. Must be called before Start.
func (p *Pool) RegisterCallback(eventType string, fn Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[eventType] = append(p.callbacks[eventType], fn)
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
}

// Stop signals the workers to exit and waits for in-flight callbacks to
// finish. Tasks still queued at that point may never run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// Dispatch enqueues every persisted event that has a registered callback.
// This is meant to be handed to coordinator.Submit as the Continuation:
// it must never block the coordinator's single writer goroutine for long,
// so a full queue drops the task with a logged warning rather than
// blocking.
func (p *Pool) Dispatch(events []lss.Event, deps Deps) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range events {
		if _, ok := p.callbacks[e.Type]; !ok {
			continue
		}
		select {
		case p.tasks <- task{event: e, deps: deps}:
		default:
			slog.Warn("effect: dropped callback dispatch, queue full", "type", e.Type, "orderId", e.OrderID)
		}
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.execute(t)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) execute(t task) {
	p.mu.RLock()
	cbs := p.callbacks[t.event.Type]
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for _, cb := range cbs {
		cb(ctx, t.event, t.deps)
	}
}
