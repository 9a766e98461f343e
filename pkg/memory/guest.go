package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/loopholelabs/vmsnap/pkg/dirty"
)

// GuestMemory is the host mapping of every region of a layout. Writes made
// through WriteAt are reported to the attached dirty tracker; writes made
// directly to Slice are only visible to kernel sources such as pagemap.
type GuestMemory struct {
	layout   Layout
	mappings [][]byte

	trackerLock sync.RWMutex
	tracker     *dirty.Tracker

	closeOnce sync.Once
	unmap     func([]byte) error
}

func newGuestMemory(layout Layout, mappings [][]byte, unmap func([]byte) error) *GuestMemory {
	return &GuestMemory{
		layout:   layout,
		mappings: mappings,
		unmap:    unmap,
	}
}

func (m *GuestMemory) Layout() Layout {
	return append(Layout{}, m.layout...)
}

func (m *GuestMemory) SetTracker(t *dirty.Tracker) {
	m.trackerLock.Lock()
	defer m.trackerLock.Unlock()

	m.tracker = t
}

func (m *GuestMemory) Tracker() *dirty.Tracker {
	m.trackerLock.RLock()
	defer m.trackerLock.RUnlock()

	return m.tracker
}

// Slice returns the host mapping of region i.
func (m *GuestMemory) Slice(i int) []byte {
	return m.mappings[i]
}

func (m *GuestMemory) HostAddr(i int) uintptr {
	return uintptr(unsafe.Pointer(&m.mappings[i][0]))
}

// Mapping is the guest region to host address translation handed to a page
// fault handler.
type Mapping struct {
	BaseHostVirtAddr uint64 `json:"base_host_virt_addr"`
	Size             uint64 `json:"size"`
	Offset           uint64 `json:"offset"`
	PageSize         uint64 `json:"page_size"`
}

func (m *GuestMemory) Mappings() []Mapping {
	out := make([]Mapping, len(m.layout))
	for i, r := range m.layout {
		out[i] = Mapping{
			BaseHostVirtAddr: uint64(m.HostAddr(i)),
			Size:             r.Size,
			Offset:           r.Offset,
			PageSize:         r.PageSize,
		}
	}

	return out
}

// ReadAt reads guest physical memory starting at gpa off.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, false)
}

// WriteAt writes guest physical memory starting at gpa off and marks the
// touched pages dirty.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, true)
}

func (m *GuestMemory) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, ErrAddressNotMapped
	}

	done := 0
	for done < len(p) {
		gpa := uint64(off) + uint64(done)

		i, inner, ok := m.layout.Find(gpa)
		if !ok {
			return done, errors.Join(ErrAddressNotMapped, fmt.Errorf("gpa %#x", gpa))
		}

		mapping := m.mappings[i][inner:]
		var n int
		if write {
			n = copy(mapping, p[done:])

			if t := m.Tracker(); t != nil {
				t.MarkRange(i, inner, uint64(n), m.layout[i].PageSize)
			}
		} else {
			n = copy(p[done:], mapping)
		}

		done += n
	}

	return done, nil
}

func (m *GuestMemory) Close() error {
	var errs error
	m.closeOnce.Do(func() {
		for _, mapping := range m.mappings {
			if err := m.unmap(mapping); err != nil {
				errs = errors.Join(errs, ErrCouldNotUnmapRegion, err)
			}
		}
	})

	return errs
}
