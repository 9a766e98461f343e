package uffd

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInstaller struct {
	lock  sync.Mutex
	pages map[uint64][]byte
	count map[uint64]int
}

func newRecordingInstaller() *recordingInstaller {
	return &recordingInstaller{
		pages: map[uint64][]byte{},
		count: map[uint64]int{},
	}
}

func (r *recordingInstaller) Install(dst uint64, page []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.pages[dst] = append([]byte{}, page...)
	r.count[dst]++

	return nil
}

const (
	testBase  = 0x7f0000000000
	testPages = 32
)

func testMappings() []memory.Mapping {
	return []memory.Mapping{
		{BaseHostVirtAddr: testBase, Size: 16 * memory.PageSize, Offset: 0, PageSize: memory.PageSize},
		{BaseHostVirtAddr: testBase + 1<<30, Size: 16 * memory.PageSize, Offset: 16 * memory.PageSize, PageSize: memory.PageSize},
	}
}

func testFile() []byte {
	file := make([]byte, testPages*memory.PageSize)
	for p := 0; p < testPages; p++ {
		copy(file[p*memory.PageSize:], bytes.Repeat([]byte{byte(p + 1)}, memory.PageSize))
	}

	return file
}

func TestHandleFaultInstallsFromRegionOffset(t *testing.T) {
	inst := newRecordingInstaller()
	s := NewServer(testMappings(), bytes.NewReader(testFile()), inst, nil)

	require.NoError(t, s.HandleFault(testBase+1<<30+3*memory.PageSize+17))

	page, ok := inst.pages[testBase+1<<30+3*memory.PageSize]
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{16 + 3 + 1}, memory.PageSize), page)

	assert.ErrorIs(t, s.HandleFault(testBase-1), ErrAddressNotMapped)
}

func TestConcurrentFaultsInstallEachPageOnce(t *testing.T) {
	inst := newRecordingInstaller()
	s := NewServer(testMappings(), bytes.NewReader(testFile()), inst, nil)

	faults := make(chan uint64)

	var (
		wg   sync.WaitGroup
		errs error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)

		errs = s.Serve(context.Background(), faults, 4)
	}()

	const vcpus = 8
	for v := 0; v < vcpus; v++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for _, m := range testMappings() {
				for p := uint64(0); p < m.Size/m.PageSize; p++ {
					faults <- m.BaseHostVirtAddr + p*m.PageSize + uint64(v)
				}
			}
		}()
	}

	wg.Wait()
	close(faults)
	<-done

	require.NoError(t, errs)
	assert.Equal(t, uint64(testPages), s.Installs())
	assert.Equal(t, uint64((vcpus-1)*testPages), s.Duplicates())

	for dst, n := range inst.count {
		assert.Equal(t, 1, n, "page %#x", dst)
	}
}

func TestSparseFileReadsZero(t *testing.T) {
	inst := newRecordingInstaller()
	s := NewServer(testMappings(), bytes.NewReader(testFile()[:4*memory.PageSize]), inst, nil)

	require.NoError(t, s.HandleFault(testBase+10*memory.PageSize))
	assert.Equal(t, make([]byte, memory.PageSize), inst.pages[testBase+10*memory.PageSize])
}
