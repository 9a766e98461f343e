package devices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/blockio"
	"github.com/loopholelabs/vmsnap/pkg/virtio"
)

type Kind string

const (
	KindBlock          Kind = "virtio-block"
	KindVhostUserBlock Kind = "vhost-user-block"
	KindNet            Kind = "virtio-net"
	KindVsock          Kind = "virtio-vsock"
	KindEntropy        Kind = "virtio-rng"
	KindVMGenID        Kind = "vmgenid"
)

// Device is the capture side of every emulated device.
type Device interface {
	ID() string
	Kind() Kind
	// Version is the version of the payload Save produces.
	Version() uint16
	Save() ([]byte, error)
	Close() error
}

// Drainable devices have asynchronous I/O that must be quiesced before a capture.
type Drainable interface {
	Drain(ctx context.Context, cfg blockio.DrainConfiguration) (blockio.DrainReport, error)
	ResumeIntake()
}

// Kicker devices process their queues when the guest notifies them.
type Kicker interface {
	Kick() error
}

// ResumeNotifier devices act when the VM starts executing again.
type ResumeNotifier interface {
	OnResume() error
}

// Entry is the captured state of one device.
type Entry struct {
	ID      string `cbor:"id" json:"id"`
	Kind    Kind   `cbor:"kind" json:"kind"`
	Version uint16 `cbor:"version" json:"version"`
	Payload []byte `cbor:"payload" json:"payload"`
}

// Overrides replace host side attachments at restore time. Guest visible
// identity stays what was captured.
type Overrides struct {
	// NetInterfaces maps a captured host interface name (or interface id) to
	// the host interface to bind instead.
	NetInterfaces map[string]string
	// BlockPaths maps a drive id to a different backing file.
	BlockPaths map[string]string
	// VsockUDSPath replaces the vsock unix socket path.
	VsockUDSPath string
}

type RestoreContext struct {
	Memory      virtio.Memory
	Overrides   Overrides
	LinkChecker LinkChecker
	Async       blockio.AsyncConfiguration
	Log         types.Logger
}

type RestoreFunc func(rctx RestoreContext, entry Entry) (Device, error)

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

func encodeState(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrCouldNotEncodeState, err)
	}

	return b, nil
}

func decodeState(entry Entry, supported uint16, v any) error {
	if entry.Version > supported {
		return errors.Join(ErrUnsupportedStateVersion, fmt.Errorf("%s state version %d, supported up to %d", entry.Kind, entry.Version, supported))
	}

	if err := cbor.Unmarshal(entry.Payload, v); err != nil {
		return errors.Join(ErrCouldNotDecodeState, err)
	}

	return nil
}

// backingError turns an error opening a host resource into one of the
// resource error conditions, naming the device and path.
func backingError(id, path string, err error) error {
	where := fmt.Errorf("device %s: %s", id, path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrBackingNotFound, where, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrBackingPermissionDenied, where, err)
	default:
		return errors.Join(ErrCouldNotOpenBacking, where, err)
	}
}

func openBacking(id, path string, flag int) (*os.File, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, backingError(id, path, err)
	}

	return f, nil
}
