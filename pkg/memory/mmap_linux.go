//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewGuestMemory maps anonymous, private memory for every region of layout.
func NewGuestMemory(layout Layout) (*GuestMemory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	mappings := make([][]byte, 0, len(layout))
	for i, r := range layout {
		flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
		if r.HugePages {
			flags |= unix.MAP_HUGETLB
		}

		mapping, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ|unix.PROT_WRITE, flags)
		if err != nil {
			unmapAll(mappings)

			return nil, errors.Join(ErrCouldNotMapRegion, fmt.Errorf("region %d", i), err)
		}

		mappings = append(mappings, mapping)
	}

	return newGuestMemory(layout, mappings, unix.Munmap), nil
}

// mapFilePrivate maps every region copy-on-write from its offset in f. Guest
// writes never reach the file.
func mapFilePrivate(layout Layout, f *os.File) (*GuestMemory, error) {
	mappings := make([][]byte, 0, len(layout))
	for i, r := range layout {
		mapping, err := unix.Mmap(int(f.Fd()), int64(r.Offset), int(r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
		if err != nil {
			unmapAll(mappings)

			return nil, errors.Join(ErrCouldNotMapRegion, fmt.Errorf("region %d", i), err)
		}

		mappings = append(mappings, mapping)
	}

	return newGuestMemory(layout, mappings, unix.Munmap), nil
}

func unmapAll(mappings [][]byte) {
	for _, m := range mappings {
		_ = unix.Munmap(m)
	}
}

func mincore(b []byte, vec []byte) error {
	if len(b) == 0 || len(vec) == 0 {
		return nil
	}

	if _, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(unsafe.Pointer(&vec[0]))); errno != 0 {
		return errno
	}

	return nil
}
