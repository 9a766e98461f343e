package devices

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/loopholelabs/logging/types"
)

const vsockStateVersion = 1

type VsockConfiguration struct {
	VsockID  string `cbor:"vsock_id" json:"vsock_id"`
	GuestCID uint32 `cbor:"guest_cid" json:"guest_cid"`
	UDSPath  string `cbor:"uds_path" json:"uds_path"`
}

type vsockState struct {
	Config          VsockConfiguration `cbor:"config"`
	TransportResets uint64             `cbor:"transport_resets"`
}

// Vsock exposes guest vsock connections on a host unix socket.
type Vsock struct {
	cfg VsockConfiguration
	log types.Logger

	listener net.Listener

	lock            sync.Mutex
	transportResets uint64
	pendingReset    bool
}

func NewVsock(cfg VsockConfiguration, log types.Logger) (*Vsock, error) {
	if cfg.GuestCID < 3 {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("guest cid must be at least 3"))
	}

	if err := os.Remove(cfg.UDSPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, backingError(cfg.VsockID, cfg.UDSPath, err)
	}

	l, err := net.Listen("unix", cfg.UDSPath)
	if err != nil {
		return nil, backingError(cfg.VsockID, cfg.UDSPath, err)
	}

	return &Vsock{
		cfg:      cfg,
		log:      log,
		listener: l,
	}, nil
}

func (v *Vsock) ID() string {
	return v.cfg.VsockID
}

func (v *Vsock) Kind() Kind {
	return KindVsock
}

func (v *Vsock) Version() uint16 {
	return vsockStateVersion
}

func (v *Vsock) Configuration() VsockConfiguration {
	return v.cfg
}

func (v *Vsock) Listener() net.Listener {
	return v.listener
}

// TransportResets counts the reset events sent to the guest after restores.
func (v *Vsock) TransportResets() uint64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.transportResets
}

func (v *Vsock) Save() ([]byte, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	return encodeState(vsockState{
		Config:          v.cfg,
		TransportResets: v.transportResets,
	})
}

// OnResume tells the guest that host side connections did not survive the restore.
func (v *Vsock) OnResume() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !v.pendingReset {
		return nil
	}

	v.pendingReset = false
	v.transportResets++

	if v.log != nil {
		v.log.Debug().Str("vsock_id", v.cfg.VsockID).Uint64("transport_resets", v.transportResets).Msg("vsock transport reset")
	}

	return nil
}

func (v *Vsock) Close() error {
	return v.listener.Close()
}

func restoreVsock(rctx RestoreContext, entry Entry) (Device, error) {
	var st vsockState
	if err := decodeState(entry, vsockStateVersion, &st); err != nil {
		return nil, err
	}

	if rctx.Overrides.VsockUDSPath != "" {
		st.Config.UDSPath = rctx.Overrides.VsockUDSPath
	}

	v, err := NewVsock(st.Config, rctx.Log)
	if err != nil {
		return nil, err
	}
	v.transportResets = st.TransportResets
	v.pendingReset = true

	return v, nil
}
