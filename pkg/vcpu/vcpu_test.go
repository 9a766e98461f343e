package vcpu

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(ctx context.Context, v *VCPU) error {
	regs := v.Registers()
	if len(regs) < 8 {
		regs = make([]byte, 8)
	}
	binary.LittleEndian.PutUint64(regs, binary.LittleEndian.Uint64(regs)+1)
	v.SetRegisters(regs)

	time.Sleep(time.Millisecond)

	return nil
}

func steps(s State) uint64 {
	if len(s.Registers) < 8 {
		return 0
	}

	return binary.LittleEndian.Uint64(s.Registers)
}

func TestPauseFreezesRegisters(t *testing.T) {
	s := NewSet(2, counter, nil)
	defer s.Stop()

	_, err := s.Save()
	require.NoError(t, err)

	require.NoError(t, s.Resume())
	assert.ErrorIs(t, s.Resume(), ErrAlreadyRunning)

	_, err = s.Save()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Pause())

	first, err := s.Save()
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotZero(t, steps(first[0]))

	time.Sleep(10 * time.Millisecond)

	second, err := s.Save()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRestoreSetContinuesFromState(t *testing.T) {
	regs := make([]byte, 8)
	binary.LittleEndian.PutUint64(regs, 1000)

	s := RestoreSet([]State{{ID: 0, Registers: regs}}, counter, nil)
	defer s.Stop()

	require.NoError(t, s.Resume())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Pause())

	states, err := s.Save()
	require.NoError(t, err)
	assert.Greater(t, steps(states[0]), uint64(1000))
}

func TestStopReportsProgramError(t *testing.T) {
	var calls atomic.Int32
	s := NewSet(1, func(ctx context.Context, v *VCPU) error {
		if calls.Add(1) == 3 {
			return errors.New("triple fault")
		}
		return nil
	}, nil)

	require.NoError(t, s.Resume())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Error(t, s.Stop())
	assert.ErrorIs(t, s.Resume(), ErrStopped)
}
