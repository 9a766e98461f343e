package v1

import (
	"encoding/json"
	"testing"

	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/utils"
	"github.com/loopholelabs/vmsnap/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotLoadRequestParams(t *testing.T) {
	var req SnapshotLoadRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"snapshot_path": "/tmp/vm.state",
		"mem_backend": {"backend_type": "Uffd", "backend_path": "/tmp/uffd.sock"},
		"enable_diff_snapshots": true,
		"resume_vm": true,
		"network_overrides": [{"iface_id": "eth0", "host_dev_name": "tap1"}]
	}`), &req))

	params := req.Params()
	assert.Equal(t, vmm.MemoryBackendUffd, params.MemBackend.BackendType)
	assert.Equal(t, "/tmp/uffd.sock", params.MemBackend.BackendPath)
	assert.True(t, params.EnableDiffSnapshots)
	assert.True(t, params.ResumeVM)
	assert.Equal(t, map[string]string{"eth0": "tap1"}, params.NetworkOverrides)
}

func TestSnapshotCreateRequestParams(t *testing.T) {
	var req SnapshotCreateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"snapshot_type": "Diff", "snapshot_path": "a", "mem_file_path": "b", "version": "6.0.0"}`), &req))

	params := req.Params()
	assert.Equal(t, vmm.SnapshotTypeDiff, params.SnapshotType)
	assert.Equal(t, "b", params.MemFilePath)
	assert.Equal(t, "6.0.0", params.Version)
}

func TestNewMemoryInfoCountsPages(t *testing.T) {
	resident := utils.NewBitmap(8)
	resident.Set(1)
	resident.Set(2)

	empty := utils.NewBitmap(8)
	empty.Set(0)

	info := NewMemoryInfo(&vmm.MemoryInfo{
		Layout:   memory.Layout{{GuestPhysAddr: 0, Size: 8 * memory.PageSize, PageSize: memory.PageSize}},
		Resident: []utils.Bitmap{resident},
		Empty:    []utils.Bitmap{empty},
	})

	require.Len(t, info.Regions, 1)
	assert.Equal(t, uint64(2), info.Regions[0].ResidentPages)
	assert.Equal(t, uint64(1), info.Regions[0].EmptyPages)
	assert.Zero(t, info.Regions[0].DirtyPages)
}
