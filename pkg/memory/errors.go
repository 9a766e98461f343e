package memory

import "errors"

var (
	ErrInvalidLayout          = errors.New("invalid memory layout")
	ErrLayoutMismatch         = errors.New("memory layout mismatch")
	ErrHugePageMismatch       = errors.New("huge page configuration mismatch")
	ErrPageSizeMismatch       = errors.New("page size mismatch")
	ErrHugePagesRequireLazy   = errors.New("huge page backed memory can only be restored through a page fault handler")
	ErrMemoryFileUndersized   = errors.New("memory file is smaller than the memory layout")
	ErrAddressNotMapped       = errors.New("guest physical address is not mapped")
	ErrCouldNotMapRegion      = errors.New("could not map memory region")
	ErrCouldNotUnmapRegion    = errors.New("could not unmap memory region")
	ErrCouldNotStatMemoryFile = errors.New("could not stat memory file")
	ErrCouldNotReadRegion     = errors.New("could not read memory region")
	ErrCouldNotWriteRegion    = errors.New("could not write memory region")
	ErrCouldNotQueryResidency = errors.New("could not query page residency")
)
