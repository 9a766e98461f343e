package blockio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
)

type AsyncConfiguration struct {
	Workers    int
	QueueDepth int
}

func DefaultAsyncConfiguration() AsyncConfiguration {
	return AsyncConfiguration{
		Workers:    4,
		QueueDepth: 256,
	}
}

// AsyncEngine hands requests to a pool of workers. Submit returns as soon as
// the request is queued; the result shows up in Reap later.
type AsyncEngine struct {
	backend Backend
	log     types.Logger

	submissions chan Request
	notify      chan struct{}

	lock        sync.Mutex
	completions []Completion
	pending     atomic.Int64

	submitLock sync.RWMutex
	stopped    bool
	closed     bool

	goroutineManager *manager.GoroutineManager
	errs             error
	closeOnce        sync.Once
}

func NewAsyncEngine(backend Backend, cfg AsyncConfiguration, log types.Logger) *AsyncEngine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}

	e := &AsyncEngine{
		backend:     backend,
		log:         log,
		submissions: make(chan Request, cfg.QueueDepth),
		notify:      make(chan struct{}, 1),
	}

	e.goroutineManager = manager.NewGoroutineManager(
		context.Background(),
		&e.errs,
		manager.GoroutineManagerHooks{},
	)

	for i := 0; i < cfg.Workers; i++ {
		e.goroutineManager.StartForegroundGoroutine(func(_ context.Context) {
			for req := range e.submissions {
				c := execute(e.backend, req)

				e.lock.Lock()
				e.completions = append(e.completions, c)
				e.lock.Unlock()

				signal(e.notify)
			}
		})
	}

	return e
}

func (e *AsyncEngine) Kind() string {
	return EngineAsync
}

func (e *AsyncEngine) Submit(req Request) error {
	e.submitLock.RLock()
	defer e.submitLock.RUnlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.stopped {
		return ErrIntakeStopped
	}

	e.pending.Add(1)
	e.submissions <- req

	return nil
}

func (e *AsyncEngine) Reap() []Completion {
	e.lock.Lock()
	defer e.lock.Unlock()

	out := e.completions
	e.completions = nil
	e.pending.Add(-int64(len(out)))

	return out
}

func (e *AsyncEngine) PendingOps() int {
	return int(e.pending.Load())
}

func (e *AsyncEngine) Notify() <-chan struct{} {
	return e.notify
}

func (e *AsyncEngine) Accepting() bool {
	e.submitLock.RLock()
	defer e.submitLock.RUnlock()

	return !e.stopped && !e.closed
}

func (e *AsyncEngine) StopIntake() {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()

	e.stopped = true
}

func (e *AsyncEngine) ResumeIntake() {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()

	e.stopped = false
}

// Close stops intake and waits for the workers to finish what was queued.
func (e *AsyncEngine) Close() error {
	e.closeOnce.Do(func() {
		e.submitLock.Lock()
		e.closed = true
		close(e.submissions)
		e.submitLock.Unlock()

		e.goroutineManager.StopAllGoroutines()
		e.goroutineManager.Wait()

		if e.log != nil {
			e.log.Debug().Int64("pending_ops", e.pending.Load()).Msg("async engine closed")
		}
	})

	return e.errs
}
