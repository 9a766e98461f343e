package vcpu

import (
	"context"
	"errors"
	"sync"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
)

var (
	ErrAlreadyRunning = errors.New("vCPUs are already running")
	ErrNotRunning     = errors.New("vCPUs are not running")
	ErrStopped        = errors.New("vCPUs were stopped")
	ErrStateCount     = errors.New("vCPU state count does not match vCPU count")
)

// State is the architectural state of one vCPU. Registers is opaque to the
// snapshot engine and restored verbatim.
type State struct {
	ID        int    `cbor:"id" json:"id"`
	Registers []byte `cbor:"registers" json:"registers"`
}

// Program is executed repeatedly by a running vCPU. One call is one
// indivisible step; pausing waits for in-progress steps to return.
type Program func(ctx context.Context, v *VCPU) error

type VCPU struct {
	id int

	lock      sync.Mutex
	registers []byte
}

func (v *VCPU) ID() int {
	return v.id
}

func (v *VCPU) Registers() []byte {
	v.lock.Lock()
	defer v.lock.Unlock()

	return append([]byte{}, v.registers...)
}

func (v *VCPU) SetRegisters(r []byte) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.registers = append([]byte{}, r...)
}

// Set runs a fixed number of vCPUs behind a common pause gate.
type Set struct {
	log     types.Logger
	program Program
	vcpus   []*VCPU

	lock    sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	active  int
	started bool

	goroutineManager *manager.GoroutineManager
	errs             error
}

func NewSet(count int, program Program, log types.Logger) *Set {
	s := &Set{
		log:     log,
		program: program,
		paused:  true,
	}
	s.cond = sync.NewCond(&s.lock)

	for i := 0; i < count; i++ {
		s.vcpus = append(s.vcpus, &VCPU{id: i})
	}

	return s
}

// RestoreSet creates paused vCPUs from captured states.
func RestoreSet(states []State, program Program, log types.Logger) *Set {
	s := NewSet(len(states), program, log)
	for i, st := range states {
		s.vcpus[i].id = st.ID
		s.vcpus[i].registers = append([]byte{}, st.Registers...)
	}

	return s
}

func (s *Set) VCPUs() []*VCPU {
	return s.vcpus
}

// Resume lets the vCPUs execute. The first call starts their goroutines.
func (s *Set) Resume() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if !s.paused {
		return ErrAlreadyRunning
	}

	if !s.started {
		s.started = true
		s.goroutineManager = manager.NewGoroutineManager(
			context.Background(),
			&s.errs,
			manager.GoroutineManagerHooks{},
		)

		for _, v := range s.vcpus {
			s.goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
				s.run(ctx, v)
			})
		}
	}

	s.paused = false
	s.cond.Broadcast()

	if s.log != nil {
		s.log.Debug().Int("vcpus", len(s.vcpus)).Msg("vCPUs resumed")
	}

	return nil
}

// Pause returns once no vCPU is inside a program step.
func (s *Set) Pause() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.paused {
		return ErrNotRunning
	}

	s.paused = true
	for s.active > 0 {
		s.cond.Wait()
	}

	if s.log != nil {
		s.log.Debug().Int("vcpus", len(s.vcpus)).Msg("vCPUs paused")
	}

	return nil
}

func (s *Set) Paused() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.paused
}

// Save returns the state of every vCPU. The set has to be paused.
func (s *Set) Save() ([]State, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.paused {
		return nil, ErrAlreadyRunning
	}

	states := make([]State, len(s.vcpus))
	for i, v := range s.vcpus {
		states[i] = State{ID: v.id, Registers: v.Registers()}
	}

	return states, nil
}

// Stop terminates the vCPU goroutines and returns the first program error.
func (s *Set) Stop() error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()

		return nil
	}
	s.stopped = true
	s.cond.Broadcast()
	gm := s.goroutineManager
	s.lock.Unlock()

	if gm != nil {
		gm.StopAllGoroutines()
		gm.Wait()
	}

	return s.errs
}

func (s *Set) enter() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	for s.paused && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return false
	}

	s.active++

	return true
}

func (s *Set) exit() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.active--
	s.cond.Broadcast()
}

func (s *Set) run(ctx context.Context, v *VCPU) {
	for {
		if !s.enter() {
			return
		}

		var err error
		if s.program != nil {
			err = s.program(ctx, v)
		}

		s.exit()

		if err != nil {
			if s.log != nil {
				s.log.Error().Int("vcpu", v.id).Err(err).Msg("vCPU program failed")
			}

			panic(err)
		}

		if ctx.Err() != nil {
			return
		}
	}
}
