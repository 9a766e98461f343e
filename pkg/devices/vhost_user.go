package devices

import (
	"errors"
	"fmt"
)

type VhostUserBlockConfiguration struct {
	DriveID    string `json:"drive_id"`
	SocketPath string `json:"socket"`
}

// VhostUserBlock is served by an external backend process whose state is
// outside the VMM, so it cannot be captured.
type VhostUserBlock struct {
	cfg VhostUserBlockConfiguration
}

func NewVhostUserBlock(cfg VhostUserBlockConfiguration) (*VhostUserBlock, error) {
	if cfg.DriveID == "" || cfg.SocketPath == "" {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("drive id and socket are required"))
	}

	return &VhostUserBlock{cfg: cfg}, nil
}

func (v *VhostUserBlock) ID() string {
	return v.cfg.DriveID
}

func (v *VhostUserBlock) Kind() Kind {
	return KindVhostUserBlock
}

func (v *VhostUserBlock) Version() uint16 {
	return 1
}

func (v *VhostUserBlock) Save() ([]byte, error) {
	return nil, errors.Join(ErrSnapshottingNotSupported, fmt.Errorf("device %s (%s)", v.cfg.DriveID, KindVhostUserBlock))
}

func (v *VhostUserBlock) Close() error {
	return nil
}

func restoreVhostUserBlock(_ RestoreContext, entry Entry) (Device, error) {
	return nil, errors.Join(ErrSnapshottingNotSupported, fmt.Errorf("device %s (%s)", entry.ID, entry.Kind))
}
