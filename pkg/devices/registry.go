package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/blockio"
)

// Registry owns the devices of one VM in attach order, which is also the
// order the guest enumerates them in.
type Registry struct {
	log types.Logger

	lock    sync.Mutex
	devices []Device
	ids     map[string]struct{}
	kinds   map[Kind]RestoreFunc
}

func NewRegistry(log types.Logger) *Registry {
	r := &Registry{
		log:   log,
		ids:   map[string]struct{}{},
		kinds: map[Kind]RestoreFunc{},
	}

	r.RegisterKind(KindBlock, restoreBlock)
	r.RegisterKind(KindVhostUserBlock, restoreVhostUserBlock)
	r.RegisterKind(KindNet, restoreNet)
	r.RegisterKind(KindVsock, restoreVsock)
	r.RegisterKind(KindEntropy, restoreEntropy)
	r.RegisterKind(KindVMGenID, restoreVMGenID)

	return r
}

func (r *Registry) RegisterKind(kind Kind, fn RestoreFunc) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.kinds[kind] = fn
}

// Unregister drops support for restoring kind.
func (r *Registry) Unregister(kind Kind) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.kinds, kind)
}

func (r *Registry) Attach(d Device) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.attachLocked(d)
}

func (r *Registry) attachLocked(d Device) error {
	key := string(d.Kind()) + "/" + d.ID()
	if _, ok := r.ids[key]; ok {
		return errors.Join(ErrDuplicateDevice, fmt.Errorf("%s", key))
	}

	r.ids[key] = struct{}{}
	r.devices = append(r.devices, d)

	return nil
}

func (r *Registry) Devices() []Device {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]Device{}, r.devices...)
}

func (r *Registry) Get(kind Kind, id string) (Device, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, d := range r.devices {
		if d.Kind() == kind && d.ID() == id {
			return d, true
		}
	}

	return nil, false
}

// CaptureAll saves every device in attach order. Identical configurations
// produce identical entries.
func (r *Registry) CaptureAll() ([]Entry, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	entries := make([]Entry, 0, len(r.devices))
	for _, d := range r.devices {
		payload, err := d.Save()
		if err != nil {
			return nil, errors.Join(ErrCouldNotCaptureDevice, fmt.Errorf("device %s (%s)", d.ID(), d.Kind()), err)
		}

		entries = append(entries, Entry{
			ID:      d.ID(),
			Kind:    d.Kind(),
			Version: d.Version(),
			Payload: payload,
		})
	}

	return entries, nil
}

// RestoreAll recreates the devices of entries in order and attaches them. The
// first failure closes everything restored so far and aborts.
func (r *Registry) RestoreAll(rctx RestoreContext, entries []Entry) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var restored []Device
	fail := func(err error) error {
		for _, d := range restored {
			_ = d.Close()
		}

		return err
	}

	for _, entry := range entries {
		fn, ok := r.kinds[entry.Kind]
		if !ok {
			return fail(errors.Join(ErrUnsupportedDeviceKind, fmt.Errorf("device %s has kind %q", entry.ID, entry.Kind)))
		}

		d, err := fn(rctx, entry)
		if err != nil {
			return fail(errors.Join(ErrCouldNotRestoreDevice, fmt.Errorf("device %s (%s)", entry.ID, entry.Kind), err))
		}
		restored = append(restored, d)

		if r.log != nil {
			r.log.Debug().Str("id", entry.ID).Str("kind", string(entry.Kind)).Msg("restored device")
		}
	}

	for _, d := range restored {
		if err := r.attachLocked(d); err != nil {
			return fail(err)
		}
	}

	return nil
}

// Drain quiesces every drainable device. Devices already drained have their
// intake resumed if a later one fails.
func (r *Registry) Drain(ctx context.Context, cfg blockio.DrainConfiguration) ([]blockio.DrainReport, error) {
	var reports []blockio.DrainReport
	for _, d := range r.Devices() {
		dr, ok := d.(Drainable)
		if !ok {
			continue
		}

		report, err := dr.Drain(ctx, cfg)
		if err != nil {
			r.ResumeIntake()

			return reports, err
		}
		reports = append(reports, report)
	}

	return reports, nil
}

func (r *Registry) ResumeIntake() {
	for _, d := range r.Devices() {
		if dr, ok := d.(Drainable); ok {
			dr.ResumeIntake()
		}
	}
}

func (r *Registry) NotifyResumed() error {
	var errs error
	for _, d := range r.Devices() {
		if rn, ok := d.(ResumeNotifier); ok {
			if err := rn.OnResume(); err != nil {
				errs = errors.Join(errs, ErrCouldNotNotifyDevice, fmt.Errorf("device %s", d.ID()), err)
			}
		}
	}

	return errs
}

func (r *Registry) Kick(id string) error {
	for _, d := range r.Devices() {
		if d.ID() != id {
			continue
		}

		if k, ok := d.(Kicker); ok {
			return k.Kick()
		}

		return nil
	}

	return errors.Join(ErrDeviceNotFound, fmt.Errorf("device %s", id))
}

func (r *Registry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var errs error
	for _, d := range r.devices {
		if err := d.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	r.devices = nil
	r.ids = map[string]struct{}{}

	return errs
}
