package devices

import "errors"

var (
	ErrUnsupportedDeviceKind    = errors.New("unsupported device kind")
	ErrUnsupportedStateVersion  = errors.New("unsupported device state version")
	ErrSnapshottingNotSupported = errors.New("snapshotting is not supported for this device")
	ErrDuplicateDevice          = errors.New("device id already attached")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrBackingNotFound          = errors.New("device backing resource not found")
	ErrBackingPermissionDenied  = errors.New("permission denied opening device backing resource")
	ErrBackingUndersized        = errors.New("device backing file is smaller than captured")
	ErrCouldNotOpenBacking      = errors.New("could not open device backing resource")
	ErrCouldNotStatBacking      = errors.New("could not stat device backing resource")
	ErrCouldNotEncodeState      = errors.New("could not encode device state")
	ErrCouldNotDecodeState      = errors.New("could not decode device state")
	ErrCouldNotCaptureDevice    = errors.New("could not capture device")
	ErrCouldNotRestoreDevice    = errors.New("could not restore device")
	ErrCouldNotDrainDevice      = errors.New("could not drain device")
	ErrCouldNotPatchDevice      = errors.New("could not patch device")
	ErrCouldNotNotifyDevice     = errors.New("could not notify device of resume")
	ErrDeviceNotQuiesced        = errors.New("device still has pending operations")
	ErrInvalidConfiguration     = errors.New("invalid device configuration")
	ErrCouldNotProcessQueue     = errors.New("could not process queue")
	ErrCouldNotWriteGuestMemory = errors.New("could not write guest memory")
)
