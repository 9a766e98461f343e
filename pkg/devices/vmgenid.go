package devices

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/virtio"
)

const (
	VMGenIDSize = 24

	vmgenidStateVersion = 1
	vmgenidID           = "vmgenid"
)

type VMGenIDConfiguration struct {
	// GuestAddr is where the 16 byte generation id followed by a 64 bit
	// generation counter is published to the guest.
	GuestAddr uint64 `cbor:"guest_addr" json:"guest_addr"`
}

type vmgenidState struct {
	GuestAddr    uint64    `cbor:"guest_addr"`
	GenerationID uuid.UUID `cbor:"generation_id"`
	Generation   uint64    `cbor:"generation"`
}

// VMGenID publishes a generation id that changes every time the VM resumes
// from a snapshot, telling the guest it may be one of several clones.
type VMGenID struct {
	mem  virtio.Memory
	addr uint64
	log  types.Logger

	lock       sync.Mutex
	genID      uuid.UUID
	generation uint64
	pending    bool
	notify     chan uint64
}

func NewVMGenID(mem virtio.Memory, cfg VMGenIDConfiguration, log types.Logger) (*VMGenID, error) {
	v := &VMGenID{
		mem:    mem,
		addr:   cfg.GuestAddr,
		log:    log,
		genID:  uuid.New(),
		notify: make(chan uint64, 64),
	}

	if err := v.publish(); err != nil {
		return nil, err
	}

	return v, nil
}

func (v *VMGenID) ID() string {
	return vmgenidID
}

func (v *VMGenID) Kind() Kind {
	return KindVMGenID
}

func (v *VMGenID) Version() uint16 {
	return vmgenidStateVersion
}

func (v *VMGenID) GenerationID() uuid.UUID {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.genID
}

// Generation counts the resumes from snapshot across the whole lineage.
func (v *VMGenID) Generation() uint64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.generation
}

// Notifications delivers the new generation on every bump.
func (v *VMGenID) Notifications() <-chan uint64 {
	return v.notify
}

func (v *VMGenID) publish() error {
	buf := make([]byte, VMGenIDSize)
	copy(buf, v.genID[:])
	binary.LittleEndian.PutUint64(buf[16:], v.generation)

	if _, err := v.mem.WriteAt(buf, int64(v.addr)); err != nil {
		return errors.Join(ErrCouldNotWriteGuestMemory, err)
	}

	return nil
}

// OnResume bumps the generation once for the restore that armed it.
func (v *VMGenID) OnResume() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !v.pending {
		return nil
	}

	v.genID = uuid.New()
	v.generation++
	if err := v.publish(); err != nil {
		return err
	}
	v.pending = false

	select {
	case v.notify <- v.generation:
	default:
	}

	if v.log != nil {
		v.log.Info().Str("generation_id", v.genID.String()).Uint64("generation", v.generation).Msg("vmgenid bumped")
	}

	return nil
}

func (v *VMGenID) Save() ([]byte, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	return encodeState(vmgenidState{
		GuestAddr:    v.addr,
		GenerationID: v.genID,
		Generation:   v.generation,
	})
}

func (v *VMGenID) Close() error {
	return nil
}

func restoreVMGenID(rctx RestoreContext, entry Entry) (Device, error) {
	var st vmgenidState
	if err := decodeState(entry, vmgenidStateVersion, &st); err != nil {
		return nil, err
	}

	return &VMGenID{
		mem:        rctx.Memory,
		addr:       st.GuestAddr,
		log:        rctx.Log,
		genID:      st.GenerationID,
		generation: st.Generation,
		pending:    true,
		notify:     make(chan uint64, 64),
	}, nil
}

// NewVMGenIDEntry builds the entry of a VMGenID device at generation, for
// snapshots written in formats without the device.
func NewVMGenIDEntry(guestAddr, generation uint64) (Entry, error) {
	payload, err := encodeState(vmgenidState{
		GuestAddr:    guestAddr,
		GenerationID: uuid.New(),
		Generation:   generation,
	})
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		ID:      vmgenidID,
		Kind:    KindVMGenID,
		Version: vmgenidStateVersion,
		Payload: payload,
	}, nil
}

func VMGenIDGeneration(entry Entry) (uint64, error) {
	var st vmgenidState
	if err := decodeState(entry, vmgenidStateVersion, &st); err != nil {
		return 0, err
	}

	return st.Generation, nil
}
