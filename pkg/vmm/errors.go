package vmm

import "errors"

var (
	ErrSaveWhileRunning      = errors.New("save/restore unavailable while running")
	ErrPostLoadRestricted    = errors.New("the requested operation is not supported after starting the microVM")
	ErrVMUnusable            = errors.New("microVM is unusable after a failed restore")
	ErrNotStarted            = errors.New("microVM has not been started")
	ErrDirtyTrackingDisabled = errors.New("diff snapshots require dirty page tracking")
	ErrInvalidSnapshotType   = errors.New("invalid snapshot type")
	ErrInvalidMemoryBackend  = errors.New("invalid memory backend")
	ErrDestinationBusy       = errors.New("snapshot destination is in use by another save")

	ErrCouldNotReadState     = errors.New("could not read snapshot state")
	ErrCouldNotLoadMemory    = errors.New("could not load snapshot memory")
	ErrCouldNotAttachDevices = errors.New("could not attach devices")
	ErrCouldNotRestoreVCPUs  = errors.New("could not restore vCPUs")

	ErrCouldNotDrainDevices    = errors.New("could not drain devices")
	ErrCouldNotCaptureMemory   = errors.New("could not capture memory")
	ErrCouldNotCaptureDevices  = errors.New("could not capture devices")
	ErrCouldNotCaptureVCPUs    = errors.New("could not capture vCPUs")
	ErrCouldNotWriteState      = errors.New("could not write snapshot state")
	ErrCouldNotLockDestination = errors.New("could not lock snapshot destination")

	ErrCouldNotStartVM        = errors.New("could not start microVM")
	ErrCouldNotPauseVM        = errors.New("could not pause microVM")
	ErrCouldNotResumeVM       = errors.New("could not resume microVM")
	ErrCouldNotAttachDevice   = errors.New("could not attach device")
	ErrCouldNotPatchDrive     = errors.New("could not patch drive")
	ErrCouldNotEnableTracking = errors.New("could not enable dirty page tracking")
	ErrCouldNotQueryMemory    = errors.New("could not query guest memory")
)
