package dirty

import "errors"

var (
	ErrTrackingDisabled       = errors.New("dirty page tracking is not enabled")
	ErrRegionOutOfRange       = errors.New("region index out of range")
	ErrBitmapLayoutMismatch   = errors.New("dirty bitmap does not match memory layout")
	ErrCouldNotEnableSource   = errors.New("could not enable dirty page source")
	ErrCouldNotCollectSource  = errors.New("could not collect dirty pages from source")
	ErrCouldNotOpenPagemap    = errors.New("could not open pagemap")
	ErrCouldNotReadPagemap    = errors.New("could not read pagemap")
	ErrCouldNotClearSoftDirty = errors.New("could not clear soft-dirty bits")
)
