package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/loopholelabs/vmsnap/pkg/catalog"
	"github.com/loopholelabs/vmsnap/pkg/dirty"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/snapshot"
)

// lockDestinations takes an exclusive lock next to every destination path so
// two captures never write the same files.
func lockDestinations(paths ...string) (func(), error) {
	var locks []*flock.Flock
	release := func() {
		for _, l := range locks {
			_ = l.Unlock()
			_ = os.Remove(l.Path())
		}
	}

	for _, p := range paths {
		l := flock.New(p + ".lock")

		locked, err := l.TryLock()
		if err != nil {
			release()

			return nil, errors.Join(ErrCouldNotLockDestination, err)
		}

		if !locked {
			release()

			return nil, errors.Join(ErrDestinationBusy, fmt.Errorf("path %s", p))
		}

		locks = append(locks, l)
	}

	return release, nil
}

// Save captures a paused VM into a state file and a memory file. The VM stays
// paused.
func (v *VM) Save(ctx context.Context, params SaveParams) (*SaveResponse, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.unusable {
		return nil, ErrVMUnusable
	}

	switch v.state {
	case StateNotStarted:
		return nil, ErrNotStarted
	case StateRunning:
		return nil, ErrSaveWhileRunning
	}

	if params.SnapshotType == "" {
		params.SnapshotType = SnapshotTypeFull
	}
	if params.SnapshotType != SnapshotTypeFull && params.SnapshotType != SnapshotTypeDiff {
		return nil, errors.Join(ErrInvalidSnapshotType, fmt.Errorf("type %q", params.SnapshotType))
	}

	version := snapshot.CurrentVersion
	if params.Version != "" {
		var err error
		version, err = snapshot.ParseVersion(params.Version)
		if err != nil {
			return nil, err
		}
	}
	if !version.Writable() {
		return nil, errors.Join(snapshot.ErrUnsupportedVersion, fmt.Errorf("cannot write version %s", version))
	}

	release, err := lockDestinations(params.SnapshotPath, params.MemFilePath)
	if err != nil {
		return nil, err
	}
	defer release()

	before := time.Now()

	reports, err := v.registry.Drain(ctx, v.opts.Drain)
	if err != nil {
		return nil, errors.Join(ErrCouldNotDrainDevices, err)
	}
	defer v.registry.ResumeIntake()

	var bitmap *dirty.Bitmap
	if v.tracker.Enabled() {
		if bitmap, err = v.tracker.ReadAndReset(); err != nil {
			return nil, errors.Join(ErrCouldNotCaptureMemory, err)
		}

		if params.SnapshotType == SnapshotTypeFull {
			bitmap.All = true
		}
	} else if params.SnapshotType == SnapshotTypeDiff && !params.AllowFullFallback {
		return nil, ErrDirtyTrackingDisabled
	}

	requeue := func() {
		if bitmap == nil {
			return
		}

		if err := v.tracker.Requeue(bitmap); err != nil && v.log != nil {
			v.log.Error().Err(err).Msg("could not requeue dirty pages after failed capture")
		}
	}

	stats, err := captureMemory(v.memory, bitmap, params.MemFilePath)
	if err != nil {
		requeue()

		return nil, errors.Join(ErrCouldNotCaptureMemory, err)
	}

	entries, err := v.registry.CaptureAll()
	if err != nil {
		requeue()

		return nil, errors.Join(ErrCouldNotCaptureDevices, err)
	}

	vcpus, err := v.vcpus.Save()
	if err != nil {
		requeue()

		return nil, errors.Join(ErrCouldNotCaptureVCPUs, err)
	}

	effective := SnapshotTypeDiff
	if stats.Full {
		effective = SnapshotTypeFull
	}

	id := uuid.NewString()
	state := &snapshot.MicrovmState{
		Machine: snapshot.MachineInfo{
			ID:              v.id,
			AppName:         v.opts.AppName,
			VMMVersion:      VMMVersion,
			VCPUCount:       len(vcpus),
			MemSizeMib:      int(v.memory.Layout().TotalSize() >> 20),
			HugePages:       v.memory.Layout().HugePages(),
			TrackDirtyPages: v.tracker.Enabled(),
			SnapshotID:      id,
		},
		Memory:  v.memory.Layout(),
		VCPUs:   vcpus,
		Devices: entries,
	}
	if effective == SnapshotTypeDiff {
		state.Machine.ParentID = v.snapshotID
	}

	if err := snapshot.Write(params.SnapshotPath, state, version); err != nil {
		requeue()

		return nil, errors.Join(ErrCouldNotWriteState, err)
	}

	if bitmap != nil {
		v.tracker.Commit()
	}

	parentID := state.Machine.ParentID
	v.snapshotID = id

	res := &SaveResponse{
		SnapshotID:    id,
		ParentID:      parentID,
		EffectiveType: effective,
		Version:       version.String(),
		Memory:        stats,
		Drain:         reports,
		Duration:      time.Since(before),
	}

	if m := v.opts.Metrics; m != nil {
		pending := 0
		for _, r := range reports {
			pending += r.PendingAtStart
		}

		m.MetricSaveDurationMS.WithLabelValues(v.id).Set(float64(res.Duration.Milliseconds()))
		m.MetricDrainPendingOps.WithLabelValues(v.id).Set(float64(pending))
		m.MetricDirtyPagesCaptured.WithLabelValues(v.id).Set(float64(stats.PagesWritten))
		m.MetricBytesWritten.WithLabelValues(v.id).Set(float64(stats.BytesWritten))
	}

	if v.opts.Catalog != nil {
		if err := v.opts.Catalog.Put(ctx, catalog.Record{
			ID:         id,
			ParentID:   parentID,
			VMID:       v.id,
			Type:       string(effective),
			Generation: v.vmgenid.Generation(),
			StatePath:  params.SnapshotPath,
			MemPath:    params.MemFilePath,
			CreatedAt:  time.Now().UTC(),
		}); err != nil && v.log != nil {
			v.log.Warn().Str("snapshot_id", id).Err(err).Msg("could not record snapshot in catalog")
		}
	}

	if v.log != nil {
		v.log.Info().
			Str("snapshot_id", id).
			Str("type", string(effective)).
			Str("version", version.String()).
			Uint64("pages", stats.PagesWritten).
			Uint64("bytes", stats.BytesWritten).
			Int64("duration_ms", res.Duration.Milliseconds()).
			Msg("saved microVM snapshot")
	}

	return res, nil
}

// captureMemory writes mem into path without truncating it first: a diff is
// laid over the existing contents, and the file may back the mapping being
// captured. A diff is only laid over an empty file or one spanning exactly
// the layout.
func captureMemory(mem *memory.GuestMemory, bitmap *dirty.Bitmap, path string) (memory.CaptureStats, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return memory.CaptureStats{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return memory.CaptureStats{}, err
	}

	total := int64(mem.Layout().TotalSize())
	if bitmap != nil && !bitmap.All && info.Size() > 0 && info.Size() != total {
		return memory.CaptureStats{}, errors.Join(memory.ErrLayoutMismatch, fmt.Errorf("%s holds %d bytes, layout spans %d", path, info.Size(), total))
	}

	if info.Size() < total {
		if err := f.Truncate(total); err != nil {
			return memory.CaptureStats{}, err
		}
	}

	stats, err := memory.Capture(mem, bitmap, f)
	if err != nil {
		return stats, err
	}

	if stats.Full && info.Size() > total {
		if err := f.Truncate(total); err != nil {
			return stats, err
		}
	}

	if err := f.Sync(); err != nil {
		return stats, err
	}

	return stats, nil
}
