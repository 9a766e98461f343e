package virtio

import (
	"encoding/binary"
	"errors"
)

// Driver is the guest side of a split virtqueue, used by guest programs that
// run on the in-process vCPUs.
type Driver struct {
	mem   Memory
	state QueueState

	nextDesc uint16
	availIdx uint16
	lastUsed uint16
}

// NewDriver attaches to a queue whose rings are already set up in mem.
func NewDriver(mem Memory, state QueueState) (*Driver, error) {
	if state.Size == 0 || state.Size&(state.Size-1) != 0 {
		return nil, ErrInvalidQueueSize
	}

	d := &Driver{mem: mem, state: state}

	idx, err := d.readUint16(state.AvailRing + 2)
	if err != nil {
		return nil, err
	}
	d.availIdx = idx
	d.nextDesc = idx % state.Size

	used, err := d.readUint16(state.UsedRing + 2)
	if err != nil {
		return nil, err
	}
	d.lastUsed = used

	return d, nil
}

// Add writes descs as one chain and makes it available.
func (d *Driver) Add(descs []Descriptor) (uint16, error) {
	if len(descs) == 0 || len(descs) > int(d.state.Size) {
		return 0, ErrChainTooLong
	}

	head := d.nextDesc
	for i, desc := range descs {
		idx := (head + uint16(i)) % d.state.Size

		desc.Flags &^= DescFlagNext
		if i < len(descs)-1 {
			desc.Flags |= DescFlagNext
			desc.Next = (idx + 1) % d.state.Size
		}

		buf := make([]byte, descSize)
		binary.LittleEndian.PutUint64(buf[0:], desc.Addr)
		binary.LittleEndian.PutUint32(buf[8:], desc.Len)
		binary.LittleEndian.PutUint16(buf[12:], desc.Flags)
		binary.LittleEndian.PutUint16(buf[14:], desc.Next)
		if _, err := d.mem.WriteAt(buf, int64(d.state.DescTable+uint64(idx)*descSize)); err != nil {
			return 0, errors.Join(ErrCouldNotWriteRing, err)
		}
	}
	d.nextDesc = (head + uint16(len(descs))) % d.state.Size

	slot := make([]byte, 2)
	binary.LittleEndian.PutUint16(slot, head)
	if _, err := d.mem.WriteAt(slot, int64(d.state.AvailRing+ringHeader+uint64(d.availIdx%d.state.Size)*2)); err != nil {
		return 0, errors.Join(ErrCouldNotWriteRing, err)
	}

	d.availIdx++
	binary.LittleEndian.PutUint16(slot, d.availIdx)
	if _, err := d.mem.WriteAt(slot, int64(d.state.AvailRing+2)); err != nil {
		return 0, errors.Join(ErrCouldNotWriteRing, err)
	}

	return head, nil
}

// Used returns the heads the device completed since the previous call.
func (d *Driver) Used() ([]uint16, error) {
	idx, err := d.readUint16(d.state.UsedRing + 2)
	if err != nil {
		return nil, err
	}

	var heads []uint16
	for ; d.lastUsed != idx; d.lastUsed++ {
		buf := make([]byte, usedElemSize)
		if _, err := d.mem.ReadAt(buf, int64(d.state.UsedRing+ringHeader+uint64(d.lastUsed%d.state.Size)*usedElemSize)); err != nil {
			return nil, errors.Join(ErrCouldNotReadRing, err)
		}
		heads = append(heads, uint16(binary.LittleEndian.Uint32(buf)))
	}

	return heads, nil
}

// Outstanding is the number of chains made available but not yet used.
func (d *Driver) Outstanding() (uint16, error) {
	idx, err := d.readUint16(d.state.UsedRing + 2)
	if err != nil {
		return 0, err
	}

	return d.availIdx - idx, nil
}

func (d *Driver) readUint16(gpa uint64) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := d.mem.ReadAt(buf, int64(gpa)); err != nil {
		return 0, errors.Join(ErrCouldNotReadRing, err)
	}

	return binary.LittleEndian.Uint16(buf), nil
}
