package vmm

import (
	"errors"

	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/utils"
)

type InstanceInfo struct {
	ID         string `json:"id"`
	AppName    string `json:"app_name"`
	VMMVersion string `json:"vmm_version"`
	State      State  `json:"state"`
	// SnapshotID is the last snapshot taken of, or restored into, this VM.
	SnapshotID    string          `json:"snapshot_id,omitempty"`
	Generation    uint64          `json:"generation"`
	MemoryRegions []memory.Region `json:"memory_regions,omitempty"`
}

func (v *VM) InstanceInfo() InstanceInfo {
	v.lock.Lock()
	defer v.lock.Unlock()

	info := InstanceInfo{
		ID:         v.id,
		AppName:    v.opts.AppName,
		VMMVersion: VMMVersion,
		State:      v.state,
		SnapshotID: v.snapshotID,
	}
	if v.vmgenid != nil {
		info.Generation = v.vmgenid.Generation()
	}

	if v.memory != nil {
		info.MemoryRegions = v.memory.Layout()
	}

	return info
}

// MemoryInfo holds per region page bitmaps of guest memory.
type MemoryInfo struct {
	Layout   memory.Layout  `json:"layout"`
	Resident []utils.Bitmap `json:"resident"`
	Empty    []utils.Bitmap `json:"empty"`
	// Dirty is nil unless dirty page tracking is enabled.
	Dirty []utils.Bitmap `json:"dirty,omitempty"`
}

func (v *VM) MemoryInfo() (*MemoryInfo, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return nil, ErrVMUnusable
	}

	if v.memory == nil {
		return nil, ErrNotStarted
	}

	resident, err := memory.ResidentPages(v.memory)
	if err != nil {
		return nil, errors.Join(ErrCouldNotQueryMemory, err)
	}

	info := &MemoryInfo{
		Layout:   v.memory.Layout(),
		Resident: resident,
		Empty:    memory.EmptyPages(v.memory),
	}
	if v.tracker.Enabled() {
		info.Dirty = v.tracker.Peek()
	}

	return info, nil
}

// MemoryMappings is what a page fault handler needs to serve this VM's memory.
func (v *VM) MemoryMappings() ([]memory.Mapping, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return nil, ErrVMUnusable
	}

	if v.memory == nil {
		return nil, ErrNotStarted
	}

	return v.memory.Mappings(), nil
}
