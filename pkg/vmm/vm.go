package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/blockio"
	"github.com/loopholelabs/vmsnap/pkg/catalog"
	"github.com/loopholelabs/vmsnap/pkg/devices"
	"github.com/loopholelabs/vmsnap/pkg/dirty"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/snapshot"
	"github.com/loopholelabs/vmsnap/pkg/vcpu"
	"golang.org/x/sys/unix"
)

type deviceFactory func(mem *memory.GuestMemory) (devices.Device, error)

// VM is one microVM instance. A VM is either started from configuration or
// restored from a snapshot, once.
type VM struct {
	id   string
	opts Options
	log  types.Logger

	lock     sync.Mutex
	state    State
	loaded   bool
	unusable bool

	machine   MachineConfiguration
	factories []deviceFactory

	memory   *memory.GuestMemory
	tracker  *dirty.Tracker
	registry *devices.Registry
	vcpus    *vcpu.Set
	vmgenid  *devices.VMGenID
	uffdFD   int

	// snapshotID is the last capture of this VM, or the snapshot it was
	// restored from; the parent of the next capture.
	snapshotID    string
	pendingResume bool
}

func New(opts Options) *VM {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	if opts.Program == nil {
		opts.Program = idle
	}

	if opts.Drain.Timeout == 0 {
		opts.Drain = blockio.DefaultDrainConfiguration()
	}

	if opts.Async.Workers == 0 {
		opts.Async = blockio.DefaultAsyncConfiguration()
	}

	if opts.LinkChecker == nil {
		opts.LinkChecker = devices.NetlinkChecker{}
	}

	var log types.Logger
	if opts.Log != nil {
		log = opts.Log.SubLogger("vmm")
	}

	return &VM{
		id:      opts.ID,
		opts:    opts,
		log:     log,
		state:   StateNotStarted,
		machine: DefaultMachineConfiguration(),
		uffdFD:  -1,
	}
}

func (v *VM) ID() string {
	return v.id
}

func (v *VM) State() State {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.state
}

// Memory is the guest memory of a started or restored VM.
func (v *VM) Memory() *memory.GuestMemory {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.memory
}

func (v *VM) VMGenID() *devices.VMGenID {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.vmgenid
}

func (v *VM) Device(kind devices.Kind, id string) (devices.Device, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.registry == nil {
		return nil, false
	}

	return v.registry.Get(kind, id)
}

func (v *VM) checkPreBoot() error {
	if v.unusable {
		return ErrVMUnusable
	}

	if v.state != StateNotStarted || v.loaded {
		return ErrPostLoadRestricted
	}

	return nil
}

func (v *VM) PutMachineConfiguration(cfg MachineConfiguration) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkPreBoot(); err != nil {
		return err
	}

	if cfg.VCPUCount < 1 {
		return errors.Join(ErrCouldNotStartVM, fmt.Errorf("vcpu count %d", cfg.VCPUCount))
	}

	if _, err := cfg.layout(); err != nil {
		return err
	}

	v.machine = cfg

	return nil
}

func (v *VM) addDevice(f deviceFactory) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkPreBoot(); err != nil {
		return err
	}

	v.factories = append(v.factories, f)

	return nil
}

func (v *VM) AddBlock(cfg devices.BlockConfiguration) error {
	return v.addDevice(func(mem *memory.GuestMemory) (devices.Device, error) {
		return devices.NewBlock(mem, cfg, v.opts.Async, v.log)
	})
}

func (v *VM) AddVhostUserBlock(cfg devices.VhostUserBlockConfiguration) error {
	return v.addDevice(func(_ *memory.GuestMemory) (devices.Device, error) {
		return devices.NewVhostUserBlock(cfg)
	})
}

func (v *VM) AddNet(cfg devices.NetConfiguration) error {
	return v.addDevice(func(_ *memory.GuestMemory) (devices.Device, error) {
		return devices.NewNet(cfg, v.opts.LinkChecker, v.log)
	})
}

func (v *VM) AddVsock(cfg devices.VsockConfiguration) error {
	return v.addDevice(func(_ *memory.GuestMemory) (devices.Device, error) {
		return devices.NewVsock(cfg, v.log)
	})
}

func (v *VM) AddEntropy(cfg devices.EntropyConfiguration) error {
	return v.addDevice(func(mem *memory.GuestMemory) (devices.Device, error) {
		return devices.NewEntropy(mem, cfg)
	})
}

// newTracker attaches a dirty page tracker to mem and enables it when asked.
// baseline marks mem as equal to an existing capture.
func (v *VM) newTracker(mem *memory.GuestMemory, enable, baseline bool) (*dirty.Tracker, error) {
	tracker := dirty.NewTracker(mem.Layout().PagesPerRegion(), v.log)

	if v.opts.PagemapTracking {
		var regions []dirty.PagemapRegion
		for _, m := range mem.Mappings() {
			regions = append(regions, dirty.PagemapRegion{
				HostAddr: uintptr(m.BaseHostVirtAddr),
				Size:     m.Size,
				PageSize: m.PageSize,
			})
		}
		tracker.AddSource(dirty.NewPagemapSource(regions))
	}

	mem.SetTracker(tracker)

	if !enable {
		return tracker, nil
	}

	enableTracking := tracker.Enable
	if baseline {
		enableTracking = tracker.EnableWithBaseline
	}

	if err := enableTracking(); err != nil {
		return nil, errors.Join(ErrCouldNotEnableTracking, err)
	}

	return tracker, nil
}

// Start boots the configured VM and runs it.
func (v *VM) Start() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkPreBoot(); err != nil {
		return err
	}

	layout, err := v.machine.layout()
	if err != nil {
		return errors.Join(ErrCouldNotStartVM, err)
	}

	mem, err := memory.NewGuestMemory(layout)
	if err != nil {
		return errors.Join(ErrCouldNotStartVM, err)
	}

	tracker, err := v.newTracker(mem, v.machine.TrackDirtyPages, false)
	if err != nil {
		_ = mem.Close()

		return errors.Join(ErrCouldNotStartVM, err)
	}

	registry := devices.NewRegistry(v.log)
	fail := func(err error) error {
		_ = registry.Close()
		_ = mem.Close()

		return errors.Join(ErrCouldNotStartVM, err)
	}

	for _, f := range v.factories {
		d, err := f(mem)
		if err != nil {
			return fail(errors.Join(ErrCouldNotAttachDevice, err))
		}

		if err := registry.Attach(d); err != nil {
			_ = d.Close()

			return fail(errors.Join(ErrCouldNotAttachDevice, err))
		}
	}

	vmgenid, err := devices.NewVMGenID(mem, devices.VMGenIDConfiguration{GuestAddr: snapshot.VMGenIDAddr(layout)}, v.log)
	if err != nil {
		return fail(err)
	}
	if err := registry.Attach(vmgenid); err != nil {
		return fail(err)
	}

	v.memory = mem
	v.tracker = tracker
	v.registry = registry
	v.vmgenid = vmgenid
	v.vcpus = vcpu.NewSet(v.machine.VCPUCount, v.opts.Program, v.log)
	v.state = StatePaused

	if err := v.resumeLocked(); err != nil {
		v.teardownLocked()
		v.state = StateNotStarted

		return errors.Join(ErrCouldNotStartVM, err)
	}

	if v.log != nil {
		v.log.Info().Str("id", v.id).Int("vcpus", v.machine.VCPUCount).Uint64("memory_bytes", layout.TotalSize()).Msg("started microVM")
	}

	return nil
}

func (v *VM) Pause() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return ErrVMUnusable
	}

	switch v.state {
	case StateNotStarted:
		return ErrNotStarted
	case StatePaused:
		return nil
	}

	if err := v.vcpus.Pause(); err != nil {
		return errors.Join(ErrCouldNotPauseVM, err)
	}
	v.state = StatePaused

	if v.opts.Metrics != nil {
		v.opts.Metrics.MetricVMRunning.WithLabelValues(v.id).Set(0)
	}

	return nil
}

func (v *VM) Resume() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return ErrVMUnusable
	}

	switch v.state {
	case StateNotStarted:
		return ErrNotStarted
	case StateRunning:
		return nil
	}

	if err := v.resumeLocked(); err != nil {
		return errors.Join(ErrCouldNotResumeVM, err)
	}

	return nil
}

// resumeLocked tells the devices before the vCPUs run, so the guest observes
// a bumped generation id from its first instruction.
func (v *VM) resumeLocked() error {
	if err := v.registry.NotifyResumed(); err != nil {
		return err
	}

	if err := v.vcpus.Resume(); err != nil {
		return err
	}
	v.state = StateRunning

	if v.opts.Metrics != nil {
		v.opts.Metrics.MetricVMRunning.WithLabelValues(v.id).Set(1)
	}

	if v.pendingResume {
		v.pendingResume = false
		v.recordResume()
	}

	return nil
}

func (v *VM) recordResume() {
	if v.opts.Catalog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := v.opts.Catalog.RecordResume(ctx, catalog.Resume{
		VMID:       v.id,
		SnapshotID: v.snapshotID,
		Generation: v.vmgenid.Generation(),
		At:         time.Now().UTC(),
	}); err != nil && v.log != nil {
		v.log.Warn().Str("snapshot_id", v.snapshotID).Err(err).Msg("could not record resume in catalog")
	}
}

// Kick notifies device id that the guest made requests available.
func (v *VM) Kick(id string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return ErrVMUnusable
	}

	if v.registry == nil {
		return ErrNotStarted
	}

	return v.registry.Kick(id)
}

// PatchBlock moves block device driveID onto the file at path while the VM
// is running or paused. Snapshots taken afterwards record the new file.
func (v *VM) PatchBlock(ctx context.Context, driveID, path string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return ErrVMUnusable
	}

	if v.state == StateNotStarted || v.registry == nil {
		return ErrNotStarted
	}

	d, ok := v.registry.Get(devices.KindBlock, driveID)
	if !ok {
		return errors.Join(ErrCouldNotPatchDrive, devices.ErrDeviceNotFound, fmt.Errorf("drive %s", driveID))
	}

	b, ok := d.(*devices.Block)
	if !ok {
		return errors.Join(ErrCouldNotPatchDrive, fmt.Errorf("drive %s is not a block device", driveID))
	}

	if err := b.Patch(ctx, path, v.opts.Drain); err != nil {
		return errors.Join(ErrCouldNotPatchDrive, err)
	}

	return nil
}

func (v *VM) teardownLocked() error {
	var errs error

	if v.vcpus != nil {
		if err := v.vcpus.Stop(); err != nil {
			errs = errors.Join(errs, err)
		}
		v.vcpus = nil
	}

	if v.registry != nil {
		if err := v.registry.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		v.registry = nil
	}

	if v.uffdFD >= 0 {
		_ = unix.Close(v.uffdFD)
		v.uffdFD = -1
	}

	if v.memory != nil {
		if err := v.memory.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		v.memory = nil
	}

	v.tracker = nil
	v.vmgenid = nil

	return errs
}

func (v *VM) Close() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.opts.Metrics != nil {
		v.opts.Metrics.MetricVMRunning.WithLabelValues(v.id).Set(0)
	}

	return v.teardownLocked()
}
