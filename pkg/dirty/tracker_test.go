package dirty

import (
	"errors"
	"sync"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAndResetRequiresEnable(t *testing.T) {
	tr := NewTracker([]uint64{16}, nil)

	tr.MarkDirty(0, 1)

	_, err := tr.ReadAndReset()
	assert.ErrorIs(t, err, ErrTrackingDisabled)
}

func TestFirstReadAfterEnableIsAll(t *testing.T) {
	tr := NewTracker([]uint64{16, 8}, nil)
	require.NoError(t, tr.Enable())

	tr.MarkDirty(1, 3)

	b, err := tr.ReadAndReset()
	require.NoError(t, err)
	assert.True(t, b.All)
	assert.Equal(t, uint64(1), b.DirtyPages())

	tr.Commit()

	tr.MarkDirty(0, 15)
	b, err = tr.ReadAndReset()
	require.NoError(t, err)
	assert.False(t, b.All)
	assert.True(t, b.Regions[0].Test(15))
	assert.Equal(t, uint64(1), b.DirtyPages())

	b, err = tr.ReadAndReset()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.DirtyPages())
}

func TestEnableWithBaseline(t *testing.T) {
	tr := NewTracker([]uint64{4}, nil)
	require.NoError(t, tr.EnableWithBaseline())

	b, err := tr.ReadAndReset()
	require.NoError(t, err)
	assert.False(t, b.All)
	assert.Equal(t, uint64(0), b.DirtyPages())
}

func TestMarkRangeAndIgnoredWhileDisabled(t *testing.T) {
	tr := NewTracker([]uint64{8}, nil)

	tr.MarkRange(0, 0, 4096, 4096)
	require.NoError(t, tr.EnableWithBaseline())
	assert.Equal(t, uint64(0), tr.Peek()[0].Count())

	tr.MarkRange(0, 4095, 2, 4096)
	tr.MarkDirty(0, 100)
	tr.MarkDirty(3, 0)

	peek := tr.Peek()
	assert.True(t, peek[0].Test(0))
	assert.True(t, peek[0].Test(1))
	assert.Equal(t, uint64(2), peek[0].Count())
}

func TestRequeueKeepsPages(t *testing.T) {
	tr := NewTracker([]uint64{8}, nil)
	require.NoError(t, tr.EnableWithBaseline())

	tr.MarkDirty(0, 2)
	b, err := tr.ReadAndReset()
	require.NoError(t, err)

	tr.MarkDirty(0, 5)
	require.NoError(t, tr.Requeue(b))

	b, err = tr.ReadAndReset()
	require.NoError(t, err)
	assert.True(t, b.Regions[0].Test(2))
	assert.True(t, b.Regions[0].Test(5))
}

func TestConcurrentWritesAreNeverLost(t *testing.T) {
	const pages = 1024

	tr := NewTracker([]uint64{pages}, nil)
	require.NoError(t, tr.EnableWithBaseline())

	seen := utils.NewBitmap(pages)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for p := uint64(w); p < pages; p += 4 {
				tr.MarkDirty(0, p)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}

		b, err := tr.ReadAndReset()
		require.NoError(t, err)
		seen.Merge(b.Regions[0])
	}

	b, err := tr.ReadAndReset()
	require.NoError(t, err)
	seen.Merge(b.Regions[0])

	assert.Equal(t, uint64(pages), seen.Count())
}

type fakeSource struct {
	enabled bool
	pending []uint64
	err     error
}

func (f *fakeSource) Enable() error {
	f.enabled = true
	return nil
}

func (f *fakeSource) Collect(into []utils.Bitmap) error {
	if f.err != nil {
		return f.err
	}

	for _, p := range f.pending {
		into[0].Set(p)
	}
	f.pending = nil

	return nil
}

func TestSourcesAreCollected(t *testing.T) {
	src := &fakeSource{}

	tr := NewTracker([]uint64{8}, nil)
	tr.AddSource(src)
	require.NoError(t, tr.EnableWithBaseline())
	assert.True(t, src.enabled)

	src.pending = []uint64{6}
	tr.MarkDirty(0, 1)

	b, err := tr.ReadAndReset()
	require.NoError(t, err)
	assert.True(t, b.Regions[0].Test(1))
	assert.True(t, b.Regions[0].Test(6))

	src.err = errors.New("kvm went away")
	_, err = tr.ReadAndReset()
	assert.ErrorIs(t, err, ErrCouldNotCollectSource)
}
