package v1

import (
	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/vmm"
)

type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
	IOEngine     string `json:"io_engine,omitempty"`
}

func (d Drive) Configuration() devices.BlockConfiguration {
	return devices.BlockConfiguration{
		DriveID:      d.DriveID,
		PathOnHost:   d.PathOnHost,
		IsRootDevice: d.IsRootDevice,
		IsReadOnly:   d.IsReadOnly,
		IOEngine:     d.IOEngine,
	}
}

// PartialDrive moves an attached drive onto another host file.
type PartialDrive struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
}

type MachineConfig struct {
	VCPUCount       int  `json:"vcpu_count"`
	MemSizeMib      int  `json:"mem_size_mib"`
	HugePages       bool `json:"huge_pages,omitempty"`
	TrackDirtyPages bool `json:"track_dirty_pages"`
}

func (m MachineConfig) Configuration() vmm.MachineConfiguration {
	return vmm.MachineConfiguration{
		VCPUCount:       m.VCPUCount,
		MemSizeMib:      m.MemSizeMib,
		HugePages:       m.HugePages,
		TrackDirtyPages: m.TrackDirtyPages,
	}
}

type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
	Namespace   string `json:"namespace,omitempty"`
}

func (n NetworkInterface) Configuration() devices.NetConfiguration {
	return devices.NetConfiguration{
		IfaceID:     n.IfaceID,
		GuestMAC:    n.GuestMAC,
		HostDevName: n.HostDevName,
		NetNS:       n.Namespace,
	}
}

type VSock struct {
	GuestCID int    `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func (v VSock) Configuration() devices.VsockConfiguration {
	return devices.VsockConfiguration{
		GuestCID: uint32(v.GuestCID),
		UDSPath:  v.UDSPath,
	}
}

type VirtualMachineStateRequest struct {
	State string `json:"state"`
}

type SnapshotCreateRequest struct {
	SnapshotType   string `json:"snapshot_type"`
	SnapshotPath   string `json:"snapshot_path"`
	MemoryFilePath string `json:"mem_file_path"`
	Version        string `json:"version,omitempty"`
}

func (r SnapshotCreateRequest) Params() vmm.SaveParams {
	return vmm.SaveParams{
		SnapshotType: vmm.SnapshotType(r.SnapshotType),
		SnapshotPath: r.SnapshotPath,
		MemFilePath:  r.MemoryFilePath,
		Version:      r.Version,
	}
}

type SnapshotLoadRequest struct {
	SnapshotPath         string                           `json:"snapshot_path"`
	MemoryBackend        SnapshotLoadRequestMemoryBackend `json:"mem_backend"`
	EnableDiffSnapshots  bool                             `json:"enable_diff_snapshots"`
	ResumeVirtualMachine bool                             `json:"resume_vm"`
	NetworkOverrides     []NetworkOverride                `json:"network_overrides,omitempty"`
	BlockOverrides       map[string]string                `json:"block_overrides,omitempty"`
	VsockUDSPath         string                           `json:"vsock_uds_path,omitempty"`
}

type SnapshotLoadRequestMemoryBackend struct {
	BackendPath string `json:"backend_path"`
	BackendType string `json:"backend_type"`
}

type NetworkOverride struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

func (r SnapshotLoadRequest) Params() vmm.RestoreParams {
	params := vmm.RestoreParams{
		SnapshotPath: r.SnapshotPath,
		MemBackend: vmm.MemoryBackend{
			BackendType: vmm.MemoryBackendType(r.MemoryBackend.BackendType),
			BackendPath: r.MemoryBackend.BackendPath,
		},
		EnableDiffSnapshots: r.EnableDiffSnapshots,
		ResumeVM:            r.ResumeVirtualMachine,
		BlockOverrides:      r.BlockOverrides,
		VsockUDSPath:        r.VsockUDSPath,
	}

	if len(r.NetworkOverrides) > 0 {
		params.NetworkOverrides = map[string]string{}
		for _, o := range r.NetworkOverrides {
			params.NetworkOverrides[o.IfaceID] = o.HostDevName
		}
	}

	return params
}

type InstanceInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	VMMVersion string `json:"vmm_version"`
	AppName    string `json:"app_name"`
}

func NewInstanceInfo(info vmm.InstanceInfo) InstanceInfo {
	return InstanceInfo{
		ID:         info.ID,
		State:      string(info.State),
		VMMVersion: info.VMMVersion,
		AppName:    info.AppName,
	}
}

type MemoryRegionInfo struct {
	GuestPhysAddr uint64 `json:"guest_phys_addr"`
	Size          uint64 `json:"size"`
	PageSize      uint64 `json:"page_size"`
	ResidentPages uint64 `json:"resident_pages"`
	EmptyPages    uint64 `json:"empty_pages"`
	DirtyPages    uint64 `json:"dirty_pages"`
}

type MemoryInfo struct {
	Regions []MemoryRegionInfo `json:"regions"`
}

func NewMemoryInfo(info *vmm.MemoryInfo) MemoryInfo {
	out := MemoryInfo{}
	for i, r := range info.Layout {
		region := MemoryRegionInfo{
			GuestPhysAddr: r.GuestPhysAddr,
			Size:          r.Size,
			PageSize:      r.PageSize,
			ResidentPages: info.Resident[i].Count(),
			EmptyPages:    info.Empty[i].Count(),
		}
		if info.Dirty != nil {
			region.DirtyPages = info.Dirty[i].Count()
		}

		out.Regions = append(out.Regions, region)
	}

	return out
}
