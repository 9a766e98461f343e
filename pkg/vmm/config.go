package vmm

import (
	"context"
	"time"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/blockio"
	"github.com/loopholelabs/vmsnap/pkg/catalog"
	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/vcpu"
)

const (
	VMMVersion = "0.1.0"

	DefaultVCPUCount  = 1
	DefaultMemSizeMib = 128
)

type State string

const (
	StateNotStarted State = "Not started"
	StatePaused     State = "Paused"
	StateRunning    State = "Running"
)

type SnapshotType string

const (
	SnapshotTypeFull SnapshotType = "Full"
	SnapshotTypeDiff SnapshotType = "Diff"
)

type MemoryBackendType string

const (
	// MemoryBackendFile maps the memory file privately; pages are read on first access.
	MemoryBackendFile MemoryBackendType = "File"
	// MemoryBackendEager copies the whole memory file before the VM runs.
	MemoryBackendEager MemoryBackendType = "Eager"
	// MemoryBackendUffd hands page faults to a handler listening on BackendPath.
	MemoryBackendUffd MemoryBackendType = "Uffd"
)

type MachineConfiguration struct {
	VCPUCount       int  `json:"vcpu_count"`
	MemSizeMib      int  `json:"mem_size_mib"`
	HugePages       bool `json:"huge_pages"`
	TrackDirtyPages bool `json:"track_dirty_pages"`
	// Regions replaces the default layout derived from MemSizeMib.
	Regions []memory.RegionConfiguration `json:"regions,omitempty"`
}

func DefaultMachineConfiguration() MachineConfiguration {
	return MachineConfiguration{
		VCPUCount:  DefaultVCPUCount,
		MemSizeMib: DefaultMemSizeMib,
	}
}

func (c MachineConfiguration) layout() (memory.Layout, error) {
	if len(c.Regions) > 0 {
		return memory.NewLayout(c.Regions, c.HugePages)
	}

	return memory.DefaultLayout(c.MemSizeMib, c.HugePages)
}

type Options struct {
	// ID defaults to a random UUID.
	ID      string
	AppName string

	Log     types.Logger
	Metrics *Metrics
	Catalog catalog.Catalog

	// Program is the guest workload each vCPU steps through. The default idles.
	Program vcpu.Program

	Drain blockio.DrainConfiguration
	Async blockio.AsyncConfiguration

	LinkChecker devices.LinkChecker
	// PagemapTracking adds the kernel soft-dirty bits as a dirty page source.
	PagemapTracking bool
}

type SaveParams struct {
	SnapshotType SnapshotType `json:"snapshot_type"`
	SnapshotPath string       `json:"snapshot_path"`
	MemFilePath  string       `json:"mem_file_path"`
	// Version writes an older state format; empty means the current one.
	Version string `json:"version,omitempty"`
	// AllowFullFallback turns a Diff request without dirty tracking into a Full capture.
	AllowFullFallback bool `json:"allow_full_fallback,omitempty"`
}

type SaveResponse struct {
	SnapshotID    string                `json:"snapshot_id"`
	ParentID      string                `json:"parent_id,omitempty"`
	EffectiveType SnapshotType          `json:"effective_type"`
	Version       string                `json:"version"`
	Memory        memory.CaptureStats   `json:"memory"`
	Drain         []blockio.DrainReport `json:"drain"`
	Duration      time.Duration         `json:"duration"`
}

type MemoryBackend struct {
	BackendType MemoryBackendType `json:"backend_type"`
	BackendPath string            `json:"backend_path"`
}

type RestoreParams struct {
	SnapshotPath string        `json:"snapshot_path"`
	MemBackend   MemoryBackend `json:"mem_backend"`

	EnableDiffSnapshots bool `json:"enable_diff_snapshots"`
	ResumeVM            bool `json:"resume_vm"`
	// HugePages is the huge page configuration of this host; it has to
	// match the one the snapshot was taken with.
	HugePages bool `json:"huge_pages"`

	NetworkOverrides map[string]string `json:"network_overrides,omitempty"`
	BlockOverrides   map[string]string `json:"block_overrides,omitempty"`
	VsockUDSPath     string            `json:"vsock_uds_path,omitempty"`
}

func idle(ctx context.Context, _ *vcpu.VCPU) error {
	select {
	case <-ctx.Done():
	case <-time.After(time.Millisecond):
	}

	return nil
}
