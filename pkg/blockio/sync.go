package blockio

import (
	"sync"
	"sync/atomic"
)

// SyncEngine executes every request inside Submit. Nothing is ever in flight
// once Submit returned and its completion was reaped.
type SyncEngine struct {
	backend Backend

	lock        sync.Mutex
	completions []Completion
	stopped     atomic.Bool
	closed      atomic.Bool
	notify      chan struct{}
}

func NewSyncEngine(backend Backend) *SyncEngine {
	return &SyncEngine{
		backend: backend,
		notify:  make(chan struct{}, 1),
	}
}

func (e *SyncEngine) Kind() string {
	return EngineSync
}

func (e *SyncEngine) Submit(req Request) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.stopped.Load() {
		return ErrIntakeStopped
	}

	c := execute(e.backend, req)

	e.lock.Lock()
	e.completions = append(e.completions, c)
	e.lock.Unlock()

	signal(e.notify)

	return nil
}

func (e *SyncEngine) Reap() []Completion {
	e.lock.Lock()
	defer e.lock.Unlock()

	out := e.completions
	e.completions = nil

	return out
}

func (e *SyncEngine) PendingOps() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return len(e.completions)
}

func (e *SyncEngine) Notify() <-chan struct{} {
	return e.notify
}

func (e *SyncEngine) Accepting() bool {
	return !e.stopped.Load()
}

func (e *SyncEngine) StopIntake() {
	e.stopped.Store(true)
}

func (e *SyncEngine) ResumeIntake() {
	e.stopped.Store(false)
}

func (e *SyncEngine) Close() error {
	e.closed.Store(true)

	return nil
}
