package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loopholelabs/vmsnap/pkg/dirty"
	"github.com/loopholelabs/vmsnap/pkg/utils"
)

// CaptureStats describes what a capture wrote.
type CaptureStats struct {
	BytesWritten uint64 `json:"bytes_written"`
	PagesWritten uint64 `json:"pages_written"`
	Full         bool   `json:"full"`
}

// Capture writes guest memory to dst. A nil bitmap, or one with All set,
// writes every page. Otherwise only dirty pages are written, at the offsets a
// full capture would use, so the result can be laid over an earlier capture
// of the same layout.
func Capture(mem *GuestMemory, bitmap *dirty.Bitmap, dst io.WriterAt) (CaptureStats, error) {
	full := bitmap == nil || bitmap.All
	if !full && len(bitmap.Regions) != len(mem.layout) {
		return CaptureStats{}, dirty.ErrBitmapLayoutMismatch
	}

	stats := CaptureStats{Full: full}
	for i, r := range mem.layout {
		src := mem.mappings[i]
		w := utils.NewSectionWriterAt(dst, int64(r.Offset), int64(r.Size))

		if full {
			if err := writeFull(w, src); err != nil {
				return stats, errors.Join(ErrCouldNotWriteRegion, fmt.Errorf("region %d", i), err)
			}

			stats.BytesWritten += r.Size
			stats.PagesWritten += r.Pages()

			continue
		}

		if err := bitmap.Regions[i].Runs(r.Pages(), func(start, length uint64) error {
			off := start * r.PageSize
			size := length * r.PageSize

			if err := writeFull(utils.NewSectionWriterAt(w, int64(off), int64(size)), src[off:off+size]); err != nil {
				return err
			}

			stats.BytesWritten += size
			stats.PagesWritten += length

			return nil
		}); err != nil {
			return stats, errors.Join(ErrCouldNotWriteRegion, fmt.Errorf("region %d", i), err)
		}
	}

	return stats, nil
}

func writeFull(w io.WriterAt, p []byte) error {
	n, err := w.WriteAt(p, 0)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}

	return nil
}

// Backend selects how Load populates guest memory.
type Backend int

const (
	// BackendFile maps the memory file copy-on-write; pages are read by the
	// kernel on first access.
	BackendFile Backend = iota
	// BackendEager copies the memory file into anonymous memory up front.
	BackendEager
	// BackendLazy maps empty anonymous memory whose pages are installed by a
	// page fault handler.
	BackendLazy
)

func (b Backend) String() string {
	switch b {
	case BackendFile:
		return "File"
	case BackendEager:
		return "Eager"
	case BackendLazy:
		return "Uffd"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

type LoadOptions struct {
	Backend Backend
	// HugePages is the huge page configuration of the restoring host; it must
	// match the one the memory was captured with.
	HugePages bool
}

// Load maps the memory captured with layout from src.
func Load(src *os.File, layout Layout, opts LoadOptions) (*GuestMemory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	if layout.HugePages() != opts.HugePages {
		return nil, errors.Join(ErrHugePageMismatch, fmt.Errorf("snapshot huge pages=%v, host huge pages=%v", layout.HugePages(), opts.HugePages))
	}

	if layout.HugePages() && opts.Backend != BackendLazy {
		return nil, ErrHugePagesRequireLazy
	}

	info, err := src.Stat()
	if err != nil {
		return nil, errors.Join(ErrCouldNotStatMemoryFile, err)
	}

	if uint64(info.Size()) < layout.TotalSize() {
		return nil, errors.Join(ErrMemoryFileUndersized, fmt.Errorf("%s is %d bytes, layout needs %d", src.Name(), info.Size(), layout.TotalSize()))
	}

	switch opts.Backend {
	case BackendFile:
		return mapFilePrivate(layout, src)

	case BackendLazy:
		return NewGuestMemory(layout)

	default:
		mem, err := NewGuestMemory(layout)
		if err != nil {
			return nil, err
		}

		for i, r := range layout {
			if _, err := io.ReadFull(io.NewSectionReader(src, int64(r.Offset), int64(r.Size)), mem.mappings[i]); err != nil {
				_ = mem.Close()

				return nil, errors.Join(ErrCouldNotReadRegion, fmt.Errorf("region %d", i), err)
			}
		}

		return mem, nil
	}
}
