package memory

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/dirty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) (*GuestMemory, *dirty.Tracker) {
	layout, err := NewLayout([]RegionConfiguration{
		{GuestPhysAddr: 0, Size: 8 * PageSize},
		{GuestPhysAddr: 16 * PageSize, Size: 4 * PageSize},
	}, false)
	require.NoError(t, err)

	mem, err := NewGuestMemory(layout)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mem.Close())
	})

	tracker := dirty.NewTracker(layout.PagesPerRegion(), nil)
	mem.SetTracker(tracker)

	return mem, tracker
}

func captureTo(t *testing.T, mem *GuestMemory, b *dirty.Bitmap, path string) CaptureStats {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	require.NoError(t, err)
	defer f.Close()

	stats, err := Capture(mem, b, f)
	require.NoError(t, err)

	return stats
}

func fill(t *testing.T, mem *GuestMemory, gpa int64, value byte, size int) {
	_, err := mem.WriteAt(bytes.Repeat([]byte{value}, size), gpa)
	require.NoError(t, err)
}

func TestFullCaptureAndEagerLoad(t *testing.T) {
	mem, _ := newTestMemory(t)
	fill(t, mem, 3*PageSize, 0xab, PageSize)
	fill(t, mem, 17*PageSize+10, 0xcd, 20)

	path := filepath.Join(t.TempDir(), "memory.bin")
	stats := captureTo(t, mem, nil, path)
	assert.True(t, stats.Full)
	assert.Equal(t, mem.Layout().TotalSize(), stats.BytesWritten)

	for _, backend := range []Backend{BackendEager, BackendFile} {
		f, err := os.Open(path)
		require.NoError(t, err)

		loaded, err := Load(f, mem.Layout(), LoadOptions{Backend: backend})
		require.NoError(t, err)

		assert.Equal(t, mem.Slice(0), loaded.Slice(0), backend.String())
		assert.Equal(t, mem.Slice(1), loaded.Slice(1), backend.String())

		assert.NoError(t, loaded.Close())
		assert.NoError(t, f.Close())
	}
}

func TestDiffOverlayReconstructsMemory(t *testing.T) {
	mem, tracker := newTestMemory(t)
	require.NoError(t, tracker.Enable())

	fill(t, mem, 0, 0x11, 8*PageSize)

	dir := t.TempDir()
	full := filepath.Join(dir, "full.bin")
	diff := filepath.Join(dir, "diff.bin")

	b, err := tracker.ReadAndReset()
	require.NoError(t, err)
	assert.True(t, b.All)
	captureTo(t, mem, b, full)
	tracker.Commit()

	fill(t, mem, 2*PageSize, 0x22, 1)
	fill(t, mem, 18*PageSize, 0x33, PageSize)

	b, err = tracker.ReadAndReset()
	require.NoError(t, err)
	assert.False(t, b.All)

	base, err := os.ReadFile(full)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(diff, base, 0600))

	stats := captureTo(t, mem, b, diff)
	assert.False(t, stats.Full)
	assert.Equal(t, uint64(2), stats.PagesWritten)

	merged, err := os.ReadFile(diff)
	require.NoError(t, err)
	assert.NotEqual(t, base, merged)

	expected := append(append([]byte{}, mem.Slice(0)...), mem.Slice(1)...)
	assert.Equal(t, expected, merged)
}

func TestSecondDiffOnlyTouchesDirtyPages(t *testing.T) {
	mem, tracker := newTestMemory(t)
	require.NoError(t, tracker.EnableWithBaseline())

	path := filepath.Join(t.TempDir(), "memory.bin")
	captureTo(t, mem, nil, path)

	fill(t, mem, 1*PageSize, 0x01, PageSize)
	b, err := tracker.ReadAndReset()
	require.NoError(t, err)
	captureTo(t, mem, b, path)
	tracker.Commit()

	// Corrupt an unrelated page behind the engine's back: a later diff must
	// not rewrite it.
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 5*PageSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	fill(t, mem, 6*PageSize, 0x02, 1)
	b, err = tracker.ReadAndReset()
	require.NoError(t, err)
	stats := captureTo(t, mem, b, path)
	assert.Equal(t, uint64(1), stats.PagesWritten)

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	for p := 0; p < len(before)/PageSize; p++ {
		page := func(b []byte) []byte { return b[p*PageSize : (p+1)*PageSize] }
		if p == 6 {
			assert.NotEqual(t, page(before), page(after))
			continue
		}
		assert.Equal(t, page(before), page(after), "page %d", p)
	}
}

func TestLoadRejectsMismatches(t *testing.T) {
	mem, _ := newTestMemory(t)

	path := filepath.Join(t.TempDir(), "memory.bin")
	captureTo(t, mem, nil, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = Load(f, mem.Layout(), LoadOptions{Backend: BackendEager, HugePages: true})
	assert.ErrorIs(t, err, ErrHugePageMismatch)

	bigger, err := DefaultLayout(1, false)
	require.NoError(t, err)
	_, err = Load(f, bigger, LoadOptions{Backend: BackendEager})
	assert.ErrorIs(t, err, ErrMemoryFileUndersized)
}

func TestMemoryInfo(t *testing.T) {
	mem, _ := newTestMemory(t)
	fill(t, mem, 2*PageSize, 0x01, 1)

	empty := EmptyPages(mem)
	assert.False(t, empty[0].Test(2))
	assert.Equal(t, uint64(7), empty[0].Count())
	assert.Equal(t, uint64(4), empty[1].Count())

	resident, err := ResidentPages(mem)
	require.NoError(t, err)
	assert.True(t, resident[0].Test(2))

	mappings := mem.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, uint64(8*PageSize), mappings[1].Offset)
	assert.Equal(t, uint64(mem.HostAddr(1)), mappings[1].BaseHostVirtAddr)
}

func TestResidentPagesOfUntouchedMemory(t *testing.T) {
	mem, _ := newTestMemory(t)

	resident, err := ResidentPages(mem)
	require.NoError(t, err)
	require.Len(t, resident, 2)
	assert.Equal(t, uint64(0), resident[1].Count())

	require.NoError(t, mincore(nil, nil))
}
