package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	DescFlagNext  = 1
	DescFlagWrite = 2

	descSize     = 16
	usedElemSize = 8
	ringHeader   = 4
	maxChainLen  = 64
)

var (
	ErrInvalidQueueSize  = errors.New("queue size must be a power of two")
	ErrChainTooLong      = errors.New("descriptor chain too long")
	ErrDescriptorIndex   = errors.New("descriptor index out of range")
	ErrCouldNotReadRing  = errors.New("could not read ring")
	ErrCouldNotWriteRing = errors.New("could not write ring")
)

// Memory is the guest memory a queue lives in.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// QueueState is everything needed to rebuild a queue on restore. The rings
// themselves live in guest memory and travel with the memory file.
type QueueState struct {
	Size         uint16 `cbor:"size" json:"size"`
	DescTable    uint64 `cbor:"desc_table" json:"desc_table"`
	AvailRing    uint64 `cbor:"avail_ring" json:"avail_ring"`
	UsedRing     uint64 `cbor:"used_ring" json:"used_ring"`
	LastAvailIdx uint16 `cbor:"last_avail_idx" json:"last_avail_idx"`
	NextUsedIdx  uint16 `cbor:"next_used_idx" json:"next_used_idx"`
}

// RingBytes is the guest memory needed by a split queue of the given size.
func RingBytes(size uint16) (desc, avail, used uint64) {
	return uint64(size) * descSize, ringHeader + uint64(size)*2, ringHeader + uint64(size)*usedElemSize
}

type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type Chain struct {
	Head        uint16
	Descriptors []Descriptor
}

// Queue is the device side of a split virtqueue.
type Queue struct {
	mem Memory

	lock  sync.Mutex
	state QueueState
}

func NewQueue(mem Memory, state QueueState) (*Queue, error) {
	if state.Size == 0 || state.Size&(state.Size-1) != 0 {
		return nil, ErrInvalidQueueSize
	}

	return &Queue{
		mem:   mem,
		state: state,
	}, nil
}

func (q *Queue) State() QueueState {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.state
}

// Pop returns the next chain the driver made available, if any.
func (q *Queue) Pop() (*Chain, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	availIdx, err := q.readUint16(q.state.AvailRing + 2)
	if err != nil {
		return nil, err
	}

	if availIdx == q.state.LastAvailIdx {
		return nil, nil
	}

	head, err := q.readUint16(q.state.AvailRing + ringHeader + uint64(q.state.LastAvailIdx%q.state.Size)*2)
	if err != nil {
		return nil, err
	}

	chain := &Chain{Head: head}
	for idx, i := head, 0; ; i++ {
		if i >= maxChainLen {
			return nil, ErrChainTooLong
		}

		desc, err := q.descriptor(idx)
		if err != nil {
			return nil, err
		}
		chain.Descriptors = append(chain.Descriptors, desc)

		if desc.Flags&DescFlagNext == 0 {
			break
		}
		idx = desc.Next
	}

	q.state.LastAvailIdx++

	return chain, nil
}

// PushUsed publishes a completed chain to the driver. The element is written
// before the used index so the driver never sees an index ahead of its element.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	elem := make([]byte, usedElemSize)
	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], length)

	if _, err := q.mem.WriteAt(elem, int64(q.state.UsedRing+ringHeader+uint64(q.state.NextUsedIdx%q.state.Size)*usedElemSize)); err != nil {
		return errors.Join(ErrCouldNotWriteRing, err)
	}

	q.state.NextUsedIdx++

	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, q.state.NextUsedIdx)
	if _, err := q.mem.WriteAt(idx, int64(q.state.UsedRing+2)); err != nil {
		return errors.Join(ErrCouldNotWriteRing, err)
	}

	return nil
}

// UsedIdx reads the used index as the driver sees it in guest memory.
func (q *Queue) UsedIdx() (uint16, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.readUint16(q.state.UsedRing + 2)
}

func (q *Queue) descriptor(idx uint16) (Descriptor, error) {
	if idx >= q.state.Size {
		return Descriptor{}, errors.Join(ErrDescriptorIndex, fmt.Errorf("index %d, size %d", idx, q.state.Size))
	}

	buf := make([]byte, descSize)
	if _, err := q.mem.ReadAt(buf, int64(q.state.DescTable+uint64(idx)*descSize)); err != nil {
		return Descriptor{}, errors.Join(ErrCouldNotReadRing, err)
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:]),
		Len:   binary.LittleEndian.Uint32(buf[8:]),
		Flags: binary.LittleEndian.Uint16(buf[12:]),
		Next:  binary.LittleEndian.Uint16(buf[14:]),
	}, nil
}

func (q *Queue) readUint16(gpa uint64) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := q.mem.ReadAt(buf, int64(gpa)); err != nil {
		return 0, errors.Join(ErrCouldNotReadRing, err)
	}

	return binary.LittleEndian.Uint16(buf), nil
}
