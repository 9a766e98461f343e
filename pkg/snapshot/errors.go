package snapshot

import "errors"

var (
	ErrFileTooSmall         = errors.New("snapshot file is smaller than CRC length")
	ErrCRCMismatch          = errors.New("snapshot CRC mismatch")
	ErrInvalidMagic         = errors.New("invalid snapshot magic")
	ErrUnsupportedVersion   = errors.New("unsupported snapshot version")
	ErrInvalidVersionString = errors.New("invalid snapshot version string")

	ErrCouldNotOpenState    = errors.New("could not open snapshot state file")
	ErrCouldNotReadState    = errors.New("could not read snapshot state file")
	ErrCouldNotEncodeState  = errors.New("could not encode snapshot state")
	ErrCouldNotDecodeState  = errors.New("could not decode snapshot state")
	ErrCouldNotUpgradeState = errors.New("could not upgrade snapshot state")
	ErrCouldNotWriteState   = errors.New("could not write snapshot state file")
	ErrCouldNotRenameState  = errors.New("could not rename snapshot state file")
)
