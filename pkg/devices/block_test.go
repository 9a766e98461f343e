package devices

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/vmsnap/pkg/blockio"
	"github.com/loopholelabs/vmsnap/pkg/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockSyncWriteThenRead(t *testing.T) {
	mem := newFlatMemory()
	path := newDisk(t, 64*SectorSize)

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "rootfs", PathOnHost: path, Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)
	defer b.Close()

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, SectorSize)
	enqueue(t, mem, drv, 0, BlockTypeOut, 3, payload)
	require.NoError(t, b.Kick())

	enqueue(t, mem, drv, 1, BlockTypeIn, 3, make([]byte, SectorSize))
	require.NoError(t, b.Kick())

	used, err := drv.Used()
	require.NoError(t, err)
	assert.Len(t, used, 2)

	got := make([]byte, SectorSize)
	_, err = mem.ReadAt(got, int64(dataAddr(1)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, byte(BlockStatusOK), mem.buf[statusAddr(1)])

	disk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, disk[3*SectorSize:4*SectorSize])
}

func TestBlockRejectsOutOfRangeAndReadOnlyWrites(t *testing.T) {
	mem := newFlatMemory()
	path := newDisk(t, 4*SectorSize)

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "ro", PathOnHost: path, IsReadOnly: true, Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)
	defer b.Close()

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	enqueue(t, mem, drv, 0, BlockTypeIn, 10, make([]byte, SectorSize))
	enqueue(t, mem, drv, 1, BlockTypeOut, 0, make([]byte, SectorSize))
	require.NoError(t, b.Kick())

	assert.Equal(t, byte(BlockStatusIOErr), mem.buf[statusAddr(0)])
	assert.Equal(t, byte(BlockStatusIOErr), mem.buf[statusAddr(1)])
}

func TestBlockAsyncDrainPublishesEveryCompletion(t *testing.T) {
	const requests = 32

	mem := newFlatMemory()
	path := newDisk(t, requests*SectorSize)

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "data", PathOnHost: path, IOEngine: blockio.EngineAsync, Queue: blockQueue}, blockio.AsyncConfiguration{Workers: 4, QueueDepth: requests}, nil)
	require.NoError(t, err)
	defer b.Close()

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	for i := 0; i < requests; i++ {
		enqueue(t, mem, drv, i, BlockTypeOut, uint64(i), bytes.Repeat([]byte{byte(i)}, SectorSize))
	}
	require.NoError(t, b.Kick())

	report, err := b.Drain(context.Background(), blockio.DefaultDrainConfiguration())
	require.NoError(t, err)
	assert.Equal(t, blockio.EngineAsync, report.Engine)
	assert.LessOrEqual(t, report.PendingAtStart, requests)

	usedIdx, err := b.Queue().UsedIdx()
	require.NoError(t, err)
	assert.Equal(t, uint16(requests), usedIdx)

	outstanding, err := drv.Outstanding()
	require.NoError(t, err)
	assert.Zero(t, outstanding)

	// Requests queued during the drain stay in the ring until intake resumes.
	enqueue(t, mem, drv, 0, BlockTypeIn, 0, make([]byte, SectorSize))
	require.NoError(t, b.Kick())
	outstanding, err = drv.Outstanding()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), outstanding)

	_, err = b.Save()
	require.NoError(t, err)

	b.ResumeIntake()
	require.NoError(t, b.OnResume())
	_, err = b.Drain(context.Background(), blockio.DefaultDrainConfiguration())
	require.NoError(t, err)

	outstanding, err = drv.Outstanding()
	require.NoError(t, err)
	assert.Zero(t, outstanding)
}

func TestBlockSaveRefusesInFlightRequests(t *testing.T) {
	mem := newFlatMemory()

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "data", PathOnHost: newDisk(t, SectorSize), Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)
	defer b.Close()

	b.inflight[42] = blockRequest{}

	_, err = b.Save()
	assert.ErrorIs(t, err, ErrDeviceNotQuiesced)
}

func TestBlockRestoreBackingErrors(t *testing.T) {
	mem := newFlatMemory()
	path := newDisk(t, 8*SectorSize)

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "rootfs", PathOnHost: path, Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)

	payload, err := b.Save()
	require.NoError(t, err)
	require.NoError(t, b.Close())

	entry := Entry{ID: "rootfs", Kind: KindBlock, Version: blockStateVersion, Payload: payload}
	rctx := RestoreContext{Memory: mem}

	restored, err := restoreBlock(rctx, entry)
	require.NoError(t, err)
	require.NoError(t, restored.Close())

	rctx.Overrides.BlockPaths = map[string]string{"rootfs": path + ".missing"}
	_, err = restoreBlock(rctx, entry)
	assert.ErrorIs(t, err, ErrBackingNotFound)

	small := newDisk(t, SectorSize)
	rctx.Overrides.BlockPaths = map[string]string{"rootfs": small}
	_, err = restoreBlock(rctx, entry)
	assert.ErrorIs(t, err, ErrBackingUndersized)

	if os.Geteuid() != 0 {
		require.NoError(t, os.Chmod(small, 0))
		_, err = restoreBlock(rctx, entry)
		assert.ErrorIs(t, err, ErrBackingPermissionDenied)
	}

	_, err = restoreBlock(rctx, Entry{ID: "rootfs", Kind: KindBlock, Version: blockStateVersion + 1, Payload: payload})
	assert.ErrorIs(t, err, ErrUnsupportedStateVersion)
}

// heldBackend blocks every write until release is closed.
type heldBackend struct {
	*os.File

	release chan struct{}
}

func (h *heldBackend) WriteAt(p []byte, off int64) (int, error) {
	<-h.release

	return h.File.WriteAt(p, off)
}

// holdWrites moves b onto an async engine whose writes stay in flight until
// the returned function is called.
func holdWrites(t *testing.T, b *Block) func() {
	backend := &heldBackend{File: b.file, release: make(chan struct{})}

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(backend.release)
		})
	}
	t.Cleanup(release)

	b.stopReaper()

	b.lock.Lock()
	defer b.lock.Unlock()

	require.NoError(t, b.engine.Close())
	b.engine = blockio.NewAsyncEngine(backend, b.async, nil)
	b.startReaper()

	return release
}

func TestBlockDrainFlushesRequestsInFlight(t *testing.T) {
	const requests = 8

	mem := newFlatMemory()
	path := newDisk(t, requests*SectorSize)

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "data", PathOnHost: path, IOEngine: blockio.EngineAsync, Queue: blockQueue}, blockio.AsyncConfiguration{Workers: 2, QueueDepth: requests}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
	})

	release := holdWrites(t, b)

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	for i := 0; i < requests; i++ {
		enqueue(t, mem, drv, i, BlockTypeOut, uint64(i), bytes.Repeat([]byte{byte(i + 1)}, SectorSize))
		_, err = mem.WriteAt([]byte{0xff}, int64(statusAddr(i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Kick())
	assert.Equal(t, requests, b.PendingOps())

	type result struct {
		report blockio.DrainReport
		err    error
	}
	drained := make(chan result, 1)
	go func() {
		report, err := b.Drain(context.Background(), blockio.DefaultDrainConfiguration())
		drained <- result{report, err}
	}()

	// Intake stops once the drain holds the device.
	require.Eventually(t, func() bool {
		return !b.engine.Accepting()
	}, 5*time.Second, time.Millisecond)
	release()

	var res result
	select {
	case res = <-drained:
	case <-time.After(10 * time.Second):
		t.Fatal("drain did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, requests, res.report.PendingAtStart)
	assert.Equal(t, requests, res.report.Flushed)

	usedIdx, err := b.Queue().UsedIdx()
	require.NoError(t, err)
	assert.Equal(t, uint16(requests), usedIdx)

	outstanding, err := drv.Outstanding()
	require.NoError(t, err)
	assert.Zero(t, outstanding)

	disk, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := 0; i < requests; i++ {
		status := make([]byte, 1)
		_, err = mem.ReadAt(status, int64(statusAddr(i)))
		require.NoError(t, err)
		assert.Equal(t, byte(BlockStatusOK), status[0], "request %d", i)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, SectorSize), disk[i*SectorSize:(i+1)*SectorSize])
	}

	_, err = b.Save()
	require.NoError(t, err)
}

func TestBlockCompletesUnprocessableRequests(t *testing.T) {
	mem := newFlatMemory()

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "data", PathOnHost: newDisk(t, 4*SectorSize), Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)
	defer b.Close()

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	// A chain with neither a header nor a data descriptor.
	mem.buf[statusAddr(0)] = 0xff
	_, err = drv.Add([]virtio.Descriptor{{Addr: statusAddr(0), Len: 1, Flags: virtio.DescFlagWrite}})
	require.NoError(t, err)

	enqueue(t, mem, drv, 1, BlockTypeIn, 0, make([]byte, SectorSize))
	mem.buf[statusAddr(1)] = 0xff

	require.NoError(t, b.Kick())

	used, err := drv.Used()
	require.NoError(t, err)
	assert.Len(t, used, 2)
	assert.Equal(t, byte(BlockStatusIOErr), mem.buf[statusAddr(0)])
	assert.Equal(t, byte(BlockStatusOK), mem.buf[statusAddr(1)])

	outstanding, err := drv.Outstanding()
	require.NoError(t, err)
	assert.Zero(t, outstanding)
}

func TestBlockPatchSwapsBacking(t *testing.T) {
	mem := newFlatMemory()

	b, err := NewBlock(mem, BlockConfiguration{DriveID: "data", PathOnHost: newDisk(t, 4*SectorSize), Queue: blockQueue}, blockio.AsyncConfiguration{}, nil)
	require.NoError(t, err)
	defer b.Close()

	bigger := newDisk(t, 16*SectorSize)
	marker := bytes.Repeat([]byte{0x7e}, SectorSize)
	f, err := os.OpenFile(bigger, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(marker, 10*SectorSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Patch(context.Background(), bigger, blockio.DefaultDrainConfiguration()))
	assert.Equal(t, bigger, b.Configuration().PathOnHost)

	drv, err := virtio.NewDriver(mem, blockQueue)
	require.NoError(t, err)

	// Sector 10 lies past the end of the previous file.
	enqueue(t, mem, drv, 0, BlockTypeIn, 10, make([]byte, SectorSize))
	require.NoError(t, b.Kick())
	assert.Equal(t, byte(BlockStatusOK), mem.buf[statusAddr(0)])

	got := make([]byte, SectorSize)
	_, err = mem.ReadAt(got, int64(dataAddr(0)))
	require.NoError(t, err)
	assert.Equal(t, marker, got)

	payload, err := b.Save()
	require.NoError(t, err)

	var st blockState
	require.NoError(t, decodeState(Entry{ID: "data", Kind: KindBlock, Version: blockStateVersion, Payload: payload}, blockStateVersion, &st))
	assert.Equal(t, bigger, st.Config.PathOnHost)
	assert.Equal(t, int64(16*SectorSize), st.SizeBytes)

	err = b.Patch(context.Background(), bigger+".missing", blockio.DefaultDrainConfiguration())
	assert.ErrorIs(t, err, ErrBackingNotFound)
	assert.Equal(t, bigger, b.Configuration().PathOnHost)
}
