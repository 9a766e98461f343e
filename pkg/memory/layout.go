package memory

import (
	"errors"
	"fmt"
	"sort"
)

const (
	PageSize     = 4096
	HugePageSize = 2 << 20
	mib          = 1 << 20
	mmioGapStart = 3 << 30
	mmioGapEnd   = 4 << 30
)

// Region is a contiguous guest physical range and where it lives in the memory file.
type Region struct {
	GuestPhysAddr uint64 `cbor:"guest_phys_addr" json:"guest_phys_addr"`
	Size          uint64 `cbor:"size" json:"size"`
	Offset        uint64 `cbor:"offset" json:"offset"`
	PageSize      uint64 `cbor:"page_size" json:"page_size"`
	HugePages     bool   `cbor:"huge_pages" json:"huge_pages"`
}

func (r Region) Pages() uint64 {
	return r.Size / r.PageSize
}

func (r Region) End() uint64 {
	return r.GuestPhysAddr + r.Size
}

// Layout is the ordered list of regions covering guest memory. File offsets are
// assigned back to back in guest physical order.
type Layout []Region

type RegionConfiguration struct {
	GuestPhysAddr uint64
	Size          uint64
}

func NewLayout(regions []RegionConfiguration, hugePages bool) (Layout, error) {
	pageSize := uint64(PageSize)
	if hugePages {
		pageSize = HugePageSize
	}

	sorted := append([]RegionConfiguration{}, regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GuestPhysAddr < sorted[j].GuestPhysAddr })

	layout := make(Layout, 0, len(sorted))
	offset := uint64(0)
	for _, r := range sorted {
		layout = append(layout, Region{
			GuestPhysAddr: r.GuestPhysAddr,
			Size:          r.Size,
			Offset:        offset,
			PageSize:      pageSize,
			HugePages:     hugePages,
		})
		offset += r.Size
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}

	return layout, nil
}

// DefaultLayout places memory below the x86 MMIO gap first and the remainder above 4 GiB.
func DefaultLayout(memSizeMib int, hugePages bool) (Layout, error) {
	size := uint64(memSizeMib) * mib
	if size <= mmioGapStart {
		return NewLayout([]RegionConfiguration{{GuestPhysAddr: 0, Size: size}}, hugePages)
	}

	return NewLayout([]RegionConfiguration{
		{GuestPhysAddr: 0, Size: mmioGapStart},
		{GuestPhysAddr: mmioGapEnd, Size: size - mmioGapStart},
	}, hugePages)
}

func (l Layout) Validate() error {
	if len(l) == 0 {
		return errors.Join(ErrInvalidLayout, errors.New("no regions"))
	}

	offset := uint64(0)
	for i, r := range l {
		switch {
		case r.PageSize != PageSize && r.PageSize != HugePageSize:
			return errors.Join(ErrInvalidLayout, fmt.Errorf("region %d: unsupported page size %d", i, r.PageSize))
		case r.HugePages != (r.PageSize == HugePageSize):
			return errors.Join(ErrInvalidLayout, ErrPageSizeMismatch, fmt.Errorf("region %d: page size %d with huge pages=%v", i, r.PageSize, r.HugePages))
		case r.Size == 0 || r.Size%r.PageSize != 0:
			return errors.Join(ErrInvalidLayout, fmt.Errorf("region %d: size %d is not a multiple of page size %d", i, r.Size, r.PageSize))
		case r.GuestPhysAddr%r.PageSize != 0:
			return errors.Join(ErrInvalidLayout, fmt.Errorf("region %d: address %#x is not page aligned", i, r.GuestPhysAddr))
		case r.Offset != offset:
			return errors.Join(ErrInvalidLayout, fmt.Errorf("region %d: offset %d, expected %d", i, r.Offset, offset))
		case i > 0 && r.GuestPhysAddr < l[i-1].End():
			return errors.Join(ErrInvalidLayout, fmt.Errorf("region %d overlaps region %d", i, i-1))
		}

		offset += r.Size
	}

	return nil
}

func (l Layout) TotalSize() uint64 {
	var total uint64
	for _, r := range l {
		total += r.Size
	}

	return total
}

func (l Layout) PagesPerRegion() []uint64 {
	pages := make([]uint64, len(l))
	for i, r := range l {
		pages[i] = r.Pages()
	}

	return pages
}

func (l Layout) HugePages() bool {
	for _, r := range l {
		if r.HugePages {
			return true
		}
	}

	return false
}

// Find returns the region containing gpa and the offset of gpa within it.
func (l Layout) Find(gpa uint64) (int, uint64, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].End() > gpa })
	if i == len(l) || gpa < l[i].GuestPhysAddr {
		return 0, 0, false
	}

	return i, gpa - l[i].GuestPhysAddr, true
}

// CheckCompatible reports whether memory captured with layout l can be written
// onto or loaded as other.
func (l Layout) CheckCompatible(other Layout) error {
	if len(l) != len(other) {
		return errors.Join(ErrLayoutMismatch, fmt.Errorf("%d regions, expected %d", len(other), len(l)))
	}

	for i := range l {
		a, b := l[i], other[i]
		if a.HugePages != b.HugePages {
			return errors.Join(ErrHugePageMismatch, fmt.Errorf("region %d: huge pages=%v, expected %v", i, b.HugePages, a.HugePages))
		}
		if a.PageSize != b.PageSize {
			return errors.Join(ErrPageSizeMismatch, fmt.Errorf("region %d: page size %d, expected %d", i, b.PageSize, a.PageSize))
		}
		if a.GuestPhysAddr != b.GuestPhysAddr || a.Size != b.Size || a.Offset != b.Offset {
			return errors.Join(ErrLayoutMismatch, fmt.Errorf("region %d: %#x+%d@%d, expected %#x+%d@%d", i, b.GuestPhysAddr, b.Size, b.Offset, a.GuestPhysAddr, a.Size, a.Offset))
		}
	}

	return nil
}
