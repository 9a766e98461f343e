package blockio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedBackend holds every write until release is closed.
type gatedBackend struct {
	*os.File

	release chan struct{}
	entered sync.WaitGroup
}

func (g *gatedBackend) WriteAt(p []byte, off int64) (int, error) {
	g.entered.Done()
	<-g.release

	return g.File.WriteAt(p, off)
}

func newBackingFile(t *testing.T, size int64) *os.File {
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() {
		f.Close()
	})

	return f
}

func TestSyncEngineDrainsWithNothingPending(t *testing.T) {
	e := NewSyncEngine(newBackingFile(t, 4096))
	defer e.Close()

	require.NoError(t, e.Submit(Request{Op: OpWrite, Offset: 0, Data: []byte("hi"), UserData: 1}))
	assert.Len(t, e.Reap(), 1)

	report, err := Drain(context.Background(), e, DefaultDrainConfiguration(), func(Completion) error {
		t.Fatal("nothing to flush")
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PendingAtStart)
	assert.Equal(t, EngineSync, report.Engine)

	assert.ErrorIs(t, e.Submit(Request{Op: OpFlush}), ErrIntakeStopped)
	e.ResumeIntake()
	assert.NoError(t, e.Submit(Request{Op: OpFlush}))
}

func TestAsyncDrainFlushesEveryInFlightOp(t *testing.T) {
	const inFlight = 8

	backend := &gatedBackend{File: newBackingFile(t, 4096*inFlight), release: make(chan struct{})}
	backend.entered.Add(inFlight)

	e := NewAsyncEngine(backend, AsyncConfiguration{Workers: inFlight, QueueDepth: inFlight}, nil)
	defer e.Close()

	for i := 0; i < inFlight; i++ {
		require.NoError(t, e.Submit(Request{Op: OpWrite, Offset: int64(i) * 4096, Data: []byte{byte(i)}, UserData: uint64(i)}))
	}
	backend.entered.Wait()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(backend.release)
	}()

	var (
		lock    sync.Mutex
		flushed = map[uint64]bool{}
	)
	report, err := Drain(context.Background(), e, DefaultDrainConfiguration(), func(c Completion) error {
		lock.Lock()
		defer lock.Unlock()

		assert.NoError(t, c.Err)
		flushed[c.UserData] = true

		return nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, inFlight, report.PendingAtStart)
	assert.Equal(t, inFlight, report.Flushed)
	assert.Len(t, flushed, inFlight)
	assert.Equal(t, 0, e.PendingOps())
	assert.False(t, e.Accepting())
}

func TestAsyncDrainTimesOut(t *testing.T) {
	backend := &gatedBackend{File: newBackingFile(t, 4096), release: make(chan struct{})}
	backend.entered.Add(1)

	e := NewAsyncEngine(backend, AsyncConfiguration{Workers: 1, QueueDepth: 1}, nil)
	defer func() {
		close(backend.release)
		assert.NoError(t, e.Close())
	}()

	require.NoError(t, e.Submit(Request{Op: OpWrite, Data: []byte{1}}))
	backend.entered.Wait()

	report, err := Drain(context.Background(), e, DrainConfiguration{Timeout: 20 * time.Millisecond}, func(Completion) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, 1, report.PendingAtStart)
	assert.Equal(t, 1, e.PendingOps())
}

func TestDrainReportsFlushFailure(t *testing.T) {
	e := NewAsyncEngine(newBackingFile(t, 4096), DefaultAsyncConfiguration(), nil)
	defer e.Close()

	require.NoError(t, e.Submit(Request{Op: OpFlush}))

	_, err := Drain(context.Background(), e, DefaultDrainConfiguration(), func(Completion) error {
		return errors.New("guest memory unmapped")
	}, nil)
	assert.ErrorIs(t, err, ErrCouldNotFlushCompletion)
}

func TestAsyncReadCompletes(t *testing.T) {
	f := newBackingFile(t, 4096)
	_, err := f.WriteAt([]byte("hello"), 100)
	require.NoError(t, err)

	e := NewAsyncEngine(f, DefaultAsyncConfiguration(), nil)
	defer e.Close()

	require.NoError(t, e.Submit(Request{Op: OpRead, Offset: 100, Data: make([]byte, 5), UserData: 7}))

	select {
	case <-e.Notify():
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}

	cs := e.Reap()
	require.Len(t, cs, 1)
	assert.Equal(t, uint64(7), cs[0].UserData)
	assert.Equal(t, "hello", string(cs[0].Data))
	assert.Equal(t, 0, e.PendingOps())
}
