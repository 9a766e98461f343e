package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/snapshot"
	"github.com/loopholelabs/vmsnap/pkg/uffd"
	"github.com/loopholelabs/vmsnap/pkg/vcpu"
)

func (t MemoryBackendType) backend() (memory.Backend, error) {
	switch t {
	case MemoryBackendFile, "":
		return memory.BackendFile, nil
	case MemoryBackendEager:
		return memory.BackendEager, nil
	case MemoryBackendUffd:
		return memory.BackendLazy, nil
	default:
		return 0, errors.Join(ErrInvalidMemoryBackend, fmt.Errorf("backend %q", t))
	}
}

// Restore loads a snapshot into a VM that was never started. Any failure
// leaves the VM unusable.
func (v *VM) Restore(ctx context.Context, params RestoreParams) (errs error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkPreBoot(); err != nil {
		return err
	}

	before := time.Now()

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{
			OnAfterRecover: func() {
				v.unusable = true

				if err := v.teardownLocked(); err != nil {
					errs = errors.Join(errs, err)
				}
			},
		},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()
	defer goroutineManager.CreateBackgroundPanicCollector()()

	backend, err := params.MemBackend.BackendType.backend()
	if err != nil {
		panic(err)
	}

	state, version, err := snapshot.ReadFile(params.SnapshotPath)
	if err != nil {
		panic(errors.Join(ErrCouldNotReadState, err))
	}

	if v.log != nil {
		v.log.Debug().
			Str("path", params.SnapshotPath).
			Str("version", version.String()).
			Str("snapshot_id", state.Machine.SnapshotID).
			Str("backend", backend.String()).
			Msg("restoring microVM snapshot")
	}

	mem, err := v.loadMemory(state.Memory, backend, params)
	if err != nil {
		panic(errors.Join(ErrCouldNotLoadMemory, err))
	}
	v.memory = mem

	tracker, err := v.newTracker(mem, params.EnableDiffSnapshots || state.Machine.TrackDirtyPages, true)
	if err != nil {
		panic(err)
	}
	v.tracker = tracker

	registry := devices.NewRegistry(v.log)
	if err := registry.RestoreAll(devices.RestoreContext{
		Memory: mem,
		Overrides: devices.Overrides{
			NetInterfaces: params.NetworkOverrides,
			BlockPaths:    params.BlockOverrides,
			VsockUDSPath:  params.VsockUDSPath,
		},
		LinkChecker: v.opts.LinkChecker,
		Async:       v.opts.Async,
		Log:         v.log,
	}, state.Devices); err != nil {
		panic(errors.Join(ErrCouldNotAttachDevices, err))
	}
	v.registry = registry

	for _, d := range registry.Devices() {
		if g, ok := d.(*devices.VMGenID); ok {
			v.vmgenid = g
		}
	}
	if v.vmgenid == nil {
		panic(errors.Join(ErrCouldNotAttachDevices, fmt.Errorf("snapshot has no %s device", devices.KindVMGenID)))
	}

	if len(state.VCPUs) == 0 {
		panic(errors.Join(ErrCouldNotRestoreVCPUs, vcpu.ErrStateCount))
	}
	v.vcpus = vcpu.RestoreSet(state.VCPUs, v.opts.Program, v.log)

	v.machine = MachineConfiguration{
		VCPUCount:       len(state.VCPUs),
		MemSizeMib:      int(state.Memory.TotalSize() >> 20),
		HugePages:       state.Memory.HugePages(),
		TrackDirtyPages: tracker.Enabled(),
	}
	v.loaded = true
	v.state = StatePaused
	v.snapshotID = state.Machine.SnapshotID
	v.pendingResume = true

	if params.ResumeVM {
		if err := v.resumeLocked(); err != nil {
			panic(errors.Join(ErrCouldNotResumeVM, err))
		}
	}

	duration := time.Since(before)
	if v.opts.Metrics != nil {
		v.opts.Metrics.MetricRestoreDurationMS.WithLabelValues(v.id).Set(float64(duration.Milliseconds()))
	}

	if v.log != nil {
		v.log.Info().
			Str("snapshot_id", v.snapshotID).
			Str("state", string(v.state)).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("restored microVM snapshot")
	}

	return
}

func (v *VM) loadMemory(layout memory.Layout, backend memory.Backend, params RestoreParams) (*memory.GuestMemory, error) {
	if backend != memory.BackendLazy {
		f, err := os.Open(params.MemBackend.BackendPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		return memory.Load(f, layout, memory.LoadOptions{
			Backend:   backend,
			HugePages: params.HugePages,
		})
	}

	if layout.HugePages() != params.HugePages {
		return nil, errors.Join(memory.ErrHugePageMismatch, fmt.Errorf("snapshot huge pages=%v, host huge pages=%v", layout.HugePages(), params.HugePages))
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}

	mem, err := memory.NewGuestMemory(layout)
	if err != nil {
		return nil, err
	}

	fd, err := uffd.Attach(params.MemBackend.BackendPath, mem.Mappings())
	if err != nil {
		_ = mem.Close()

		return nil, err
	}
	v.uffdFD = fd

	return mem, nil
}
