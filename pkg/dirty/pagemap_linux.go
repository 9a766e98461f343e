//go:build linux

package dirty

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/loopholelabs/vmsnap/pkg/utils"
	"golang.org/x/sys/unix"
)

const (
	pagemapPath   = "/proc/self/pagemap"
	clearRefsPath = "/proc/self/clear_refs"

	pagemapEntrySize = 8

	PagemapSoftDirty = uint64(1) << 55
	PagemapUffdWP    = uint64(1) << 57
	PagemapPresent   = uint64(1) << 63
)

// PagemapRegion is a host mapping of one guest memory region.
type PagemapRegion struct {
	HostAddr uintptr
	Size     uint64
	PageSize uint64
}

// PagemapSource reports pages whose soft-dirty bit is set in /proc/self/pagemap.
// Resetting writes "4" to /proc/self/clear_refs, which affects the whole process.
type PagemapSource struct {
	regions  []PagemapRegion
	hostPage uint64
}

func NewPagemapSource(regions []PagemapRegion) *PagemapSource {
	return &PagemapSource{
		regions:  regions,
		hostPage: uint64(os.Getpagesize()),
	}
}

func (p *PagemapSource) Enable() error {
	return clearSoftDirty()
}

func (p *PagemapSource) Collect(into []utils.Bitmap) error {
	if len(into) != len(p.regions) {
		return ErrBitmapLayoutMismatch
	}

	f, err := os.Open(pagemapPath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenPagemap, err)
	}
	defer f.Close()

	for i, r := range p.regions {
		entries, err := p.read(int(f.Fd()), r)
		if err != nil {
			return err
		}

		perPage := r.PageSize / p.hostPage
		if perPage == 0 {
			perPage = 1
		}

		for j, e := range entries {
			if e&PagemapSoftDirty != 0 {
				into[i].Set(uint64(j) / perPage)
			}
		}
	}

	return clearSoftDirty()
}

// Entries returns the raw pagemap entries of every host page of r.
func (p *PagemapSource) Entries(r PagemapRegion) ([]uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenPagemap, err)
	}
	defer f.Close()

	return p.read(int(f.Fd()), r)
}

func (p *PagemapSource) read(fd int, r PagemapRegion) ([]uint64, error) {
	count := r.Size / p.hostPage
	buf := make([]byte, count*pagemapEntrySize)

	off := int64(uint64(r.HostAddr) / p.hostPage * pagemapEntrySize)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(fd, buf[done:], off+int64(done))
		if err != nil {
			return nil, errors.Join(ErrCouldNotReadPagemap, err)
		}
		if n == 0 {
			return nil, ErrCouldNotReadPagemap
		}
		done += n
	}

	entries := make([]uint64, count)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint64(buf[i*pagemapEntrySize:])
	}

	return entries, nil
}

func clearSoftDirty() error {
	if err := os.WriteFile(clearRefsPath, []byte("4"), 0); err != nil {
		return errors.Join(ErrCouldNotClearSoftDirty, err)
	}

	return nil
}
