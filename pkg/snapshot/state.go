package snapshot

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/vcpu"
)

// MachineInfo is the configuration the captured VM was started with.
type MachineInfo struct {
	ID              string `cbor:"id" json:"id"`
	AppName         string `cbor:"app_name" json:"app_name"`
	VMMVersion      string `cbor:"vmm_version" json:"vmm_version"`
	VCPUCount       int    `cbor:"vcpu_count" json:"vcpu_count"`
	MemSizeMib      int    `cbor:"mem_size_mib" json:"mem_size_mib"`
	HugePages       bool   `cbor:"huge_pages" json:"huge_pages"`
	TrackDirtyPages bool   `cbor:"track_dirty_pages" json:"track_dirty_pages"`
	// SnapshotID identifies this capture; ParentID the capture its memory
	// file was diffed against.
	SnapshotID string `cbor:"snapshot_id,omitempty" json:"snapshot_id,omitempty"`
	ParentID   string `cbor:"parent_id,omitempty" json:"parent_id,omitempty"`
	// VMGenIDGeneration carries the VMGenID generation counter in formats
	// that cannot hold the device itself.
	VMGenIDGeneration uint64 `cbor:"vmgenid_generation,omitempty" json:"vmgenid_generation,omitempty"`
}

// MicrovmState is everything except guest memory needed to recreate a VM.
type MicrovmState struct {
	Machine MachineInfo     `json:"machine"`
	Memory  memory.Layout   `json:"memory"`
	VCPUs   []vcpu.State    `json:"vcpus"`
	Devices []devices.Entry `json:"devices"`
}

// VMGenIDAddr is where the VMGenID device lives for a given layout: the last
// page of the first region.
func VMGenIDAddr(layout memory.Layout) uint64 {
	return layout[0].End() - memory.PageSize
}

type regionV4 struct {
	GuestPhysAddr uint64 `cbor:"guest_phys_addr"`
	Size          uint64 `cbor:"size"`
	Offset        uint64 `cbor:"offset"`
}

type stateV4 struct {
	Machine MachineInfo     `cbor:"machine"`
	Regions []regionV4      `cbor:"regions"`
	VCPUs   []vcpu.State    `cbor:"vcpus"`
	Devices []devices.Entry `cbor:"devices"`
}

type regionV6 struct {
	GuestPhysAddr uint64 `cbor:"guest_phys_addr"`
	Size          uint64 `cbor:"size"`
}

// stateV6 is also the layout of Version8; they differ in the devices present.
type stateV6 struct {
	Machine MachineInfo     `cbor:"machine"`
	Regions []regionV6      `cbor:"regions"`
	VCPUs   []vcpu.State    `cbor:"vcpus"`
	Devices []devices.Entry `cbor:"devices"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

func encodePayload(state *MicrovmState, version Version) ([]byte, error) {
	if !version.Writable() {
		return nil, errors.Join(ErrUnsupportedVersion, fmt.Errorf("cannot write %s", version))
	}

	if err := state.Memory.Validate(); err != nil {
		return nil, errors.Join(ErrCouldNotEncodeState, err)
	}

	wire := stateV6{
		Machine: state.Machine,
		VCPUs:   state.VCPUs,
		Devices: state.Devices,
	}
	for _, r := range state.Memory {
		wire.Regions = append(wire.Regions, regionV6{GuestPhysAddr: r.GuestPhysAddr, Size: r.Size})
	}

	if version.Compare(Version8) < 0 {
		wire.Devices = nil
		for _, d := range state.Devices {
			if d.Kind != devices.KindVMGenID {
				wire.Devices = append(wire.Devices, d)

				continue
			}

			generation, err := devices.VMGenIDGeneration(d)
			if err != nil {
				return nil, errors.Join(ErrCouldNotEncodeState, err)
			}
			wire.Machine.VMGenIDGeneration = generation
		}
	}

	payload, err := encMode.Marshal(wire)
	if err != nil {
		return nil, errors.Join(ErrCouldNotEncodeState, err)
	}

	return payload, nil
}

func decodePayload(payload []byte, version Version) (*MicrovmState, error) {
	var state *MicrovmState

	switch {
	case version == Version4:
		var wire stateV4
		if err := cbor.Unmarshal(payload, &wire); err != nil {
			return nil, errors.Join(ErrCouldNotDecodeState, err)
		}

		pageSize := uint64(memory.PageSize)
		if wire.Machine.HugePages {
			pageSize = memory.HugePageSize
		}

		layout := make(memory.Layout, 0, len(wire.Regions))
		for _, r := range wire.Regions {
			layout = append(layout, memory.Region{
				GuestPhysAddr: r.GuestPhysAddr,
				Size:          r.Size,
				Offset:        r.Offset,
				PageSize:      pageSize,
				HugePages:     wire.Machine.HugePages,
			})
		}

		if err := layout.Validate(); err != nil {
			return nil, errors.Join(ErrCouldNotDecodeState, err)
		}

		state = &MicrovmState{
			Machine: wire.Machine,
			Memory:  layout,
			VCPUs:   wire.VCPUs,
			Devices: wire.Devices,
		}

	default:
		var wire stateV6
		if err := cbor.Unmarshal(payload, &wire); err != nil {
			return nil, errors.Join(ErrCouldNotDecodeState, err)
		}

		regions := make([]memory.RegionConfiguration, 0, len(wire.Regions))
		for _, r := range wire.Regions {
			regions = append(regions, memory.RegionConfiguration{GuestPhysAddr: r.GuestPhysAddr, Size: r.Size})
		}

		layout, err := memory.NewLayout(regions, wire.Machine.HugePages)
		if err != nil {
			return nil, errors.Join(ErrCouldNotDecodeState, err)
		}

		state = &MicrovmState{
			Machine: wire.Machine,
			Memory:  layout,
			VCPUs:   wire.VCPUs,
			Devices: wire.Devices,
		}
	}

	if version.Compare(Version8) < 0 {
		if err := upgrade(state); err != nil {
			return nil, errors.Join(ErrCouldNotUpgradeState, err)
		}
	}

	return state, nil
}

// upgrade brings a state read from an older format up to the current one.
func upgrade(state *MicrovmState) error {
	for _, d := range state.Devices {
		if d.Kind == devices.KindVMGenID {
			return nil
		}
	}

	entry, err := devices.NewVMGenIDEntry(VMGenIDAddr(state.Memory), state.Machine.VMGenIDGeneration)
	if err != nil {
		return err
	}
	state.Devices = append(state.Devices, entry)
	state.Machine.VMGenIDGeneration = 0

	return nil
}
