package devices

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/virtio"
	"github.com/stretchr/testify/require"
)

type flatMemory struct {
	lock sync.Mutex
	buf  []byte
}

func newFlatMemory() *flatMemory {
	return &flatMemory{buf: make([]byte, 0x40000)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.EOF
	}

	return copy(p, m.buf[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}

	return copy(m.buf[off:], p), nil
}

var blockQueue = virtio.QueueState{
	Size:      64,
	DescTable: 0x1000,
	AvailRing: 0x2000,
	UsedRing:  0x3000,
}

func headerAddr(i int) uint64 { return 0x4000 + uint64(i)*BlockHeaderSize }
func statusAddr(i int) uint64 { return 0x6000 + uint64(i) }
func dataAddr(i int) uint64   { return 0x10000 + uint64(i)*SectorSize }

func enqueue(t *testing.T, mem *flatMemory, drv *virtio.Driver, i int, typ uint32, sector uint64, data []byte) {
	hdr := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint64(hdr[8:], sector)
	_, err := mem.WriteAt(hdr, int64(headerAddr(i)))
	require.NoError(t, err)

	dataFlags := uint16(0)
	if typ == BlockTypeIn {
		dataFlags = virtio.DescFlagWrite
	} else {
		_, err = mem.WriteAt(data, int64(dataAddr(i)))
		require.NoError(t, err)
	}

	_, err = drv.Add([]virtio.Descriptor{
		{Addr: headerAddr(i), Len: BlockHeaderSize},
		{Addr: dataAddr(i), Len: uint32(len(data)), Flags: dataFlags},
		{Addr: statusAddr(i), Len: 1, Flags: virtio.DescFlagWrite},
	})
	require.NoError(t, err)
}

func newDisk(t *testing.T, size int64) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	require.NoError(t, os.Truncate(path, size))

	return path
}
