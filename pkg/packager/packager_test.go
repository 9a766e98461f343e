package packager

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/snapshot"
	"github.com/loopholelabs/vmsnap/pkg/vcpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRandom(t *testing.T, path string, size int) []byte {
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	return b
}

func writeSnapshot(t *testing.T, dir string) string {
	layout, err := memory.DefaultLayout(2, false)
	require.NoError(t, err)

	vmgenid, err := devices.NewVMGenIDEntry(snapshot.VMGenIDAddr(layout), 0)
	require.NoError(t, err)

	path := filepath.Join(dir, "vm.state")
	require.NoError(t, snapshot.Write(path, &snapshot.MicrovmState{
		Machine: snapshot.MachineInfo{
			ID:         "vm-1",
			AppName:    "app",
			VMMVersion: "0.1.0",
			VCPUCount:  1,
			MemSizeMib: 2,
			SnapshotID: "snap-2",
			ParentID:   "snap-1",
		},
		Memory:  layout,
		VCPUs:   []vcpu.State{{ID: 0, Registers: []byte{1}}},
		Devices: []devices.Entry{vmgenid},
	}, snapshot.CurrentVersion))

	return path
}

func TestArchiveExtractRoundTrip(t *testing.T) {
	dir := t.TempDir()

	a := writeRandom(t, filepath.Join(dir, "a"), 4096)
	b := writeRandom(t, filepath.Join(dir, "b"), 1<<20)

	pkg := filepath.Join(dir, "out.tar.zst")
	var seen []string
	require.NoError(t, Archive(context.Background(), []Resource{
		{Name: "first", Path: filepath.Join(dir, "a")},
		{Name: "second", Path: filepath.Join(dir, "b")},
	}, pkg, Hooks{
		OnBeforeProcessFile: func(name, path string, size int64) {
			seen = append(seen, name)
		},
	}))
	assert.Equal(t, []string{"first", "second"}, seen)

	names, err := List(pkg)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names)

	out := t.TempDir()
	require.NoError(t, Extract(context.Background(), pkg, []Resource{
		{Name: "second", Path: filepath.Join(out, "nested", "b")},
		{Name: "first", Path: filepath.Join(out, "a")},
	}, Hooks{}))

	gotA, err := os.ReadFile(filepath.Join(out, "a"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, gotA))

	gotB, err := os.ReadFile(filepath.Join(out, "nested", "b"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, gotB))
}

func TestExtractMissingResource(t *testing.T) {
	dir := t.TempDir()
	writeRandom(t, filepath.Join(dir, "a"), 16)

	pkg := filepath.Join(dir, "out.tar.zst")
	require.NoError(t, Archive(context.Background(), []Resource{{Name: "first", Path: filepath.Join(dir, "a")}}, pkg, Hooks{}))

	err := Extract(context.Background(), pkg, []Resource{{Name: "missing", Path: filepath.Join(dir, "x")}}, Hooks{})
	assert.ErrorIs(t, err, ErrMissingResource)
}

func TestArchiveMissingInput(t *testing.T) {
	dir := t.TempDir()

	err := Archive(context.Background(), []Resource{{Name: "first", Path: filepath.Join(dir, "nope")}}, filepath.Join(dir, "out.tar.zst"), Hooks{})
	assert.ErrorIs(t, err, ErrCouldNotStatResource)
}

func TestArchiveCancelled(t *testing.T) {
	dir := t.TempDir()
	writeRandom(t, filepath.Join(dir, "a"), 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Archive(ctx, []Resource{{Name: "first", Path: filepath.Join(dir, "a")}}, filepath.Join(dir, "out.tar.zst"), Hooks{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPackUnpackSnapshot(t *testing.T) {
	dir := t.TempDir()

	statePath := writeSnapshot(t, dir)
	mem := writeRandom(t, filepath.Join(dir, "vm.mem"), 2<<20)
	disk := writeRandom(t, filepath.Join(dir, "rootfs.ext4"), 64<<10)

	pkg := filepath.Join(dir, "snapshot.tar.zst")
	manifest, err := Pack(context.Background(), statePath, filepath.Join(dir, "vm.mem"), map[string]string{"rootfs": filepath.Join(dir, "rootfs.ext4")}, pkg, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "snap-2", manifest.SnapshotID)
	assert.Equal(t, "snap-1", manifest.ParentID)
	assert.Equal(t, snapshot.CurrentVersion.String(), manifest.Version)

	read, err := ReadManifest(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, manifest.SnapshotID, read.SnapshotID)
	assert.Equal(t, []string{"rootfs"}, read.Disks)

	out := t.TempDir()
	unpacked, err := Unpack(context.Background(), pkg, out, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "rootfs.img"), unpacked.Disks["rootfs"])

	state, _, err := snapshot.ReadFile(unpacked.StatePath)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", state.Machine.ID)

	gotMem, err := os.ReadFile(unpacked.MemoryPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(mem, gotMem))

	gotDisk, err := os.ReadFile(unpacked.Disks["rootfs"])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(disk, gotDisk))
}
