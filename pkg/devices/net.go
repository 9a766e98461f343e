package devices

import (
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/virtio"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const netStateVersion = 1

type NetConfiguration struct {
	IfaceID     string `cbor:"iface_id" json:"iface_id"`
	GuestMAC    string `cbor:"guest_mac" json:"guest_mac"`
	HostDevName string `cbor:"host_dev_name" json:"host_dev_name"`
	// NetNS is the named network namespace the host device lives in.
	NetNS string            `cbor:"netns,omitempty" json:"netns,omitempty"`
	RX    virtio.QueueState `cbor:"rx" json:"rx"`
	TX    virtio.QueueState `cbor:"tx" json:"tx"`
}

// LinkChecker verifies that a host interface can be attached to.
type LinkChecker interface {
	CheckLink(namespace, name string) error
}

// NetlinkChecker looks interfaces up through netlink, inside namespace when set.
type NetlinkChecker struct{}

func (NetlinkChecker) CheckLink(namespace, name string) error {
	if namespace == "" {
		_, err := netlink.LinkByName(name)

		return linkError(err)
	}

	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return err
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = handle.LinkByName(name)

	return linkError(err)
}

func linkError(err error) error {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return errors.Join(fs.ErrNotExist, err)
	}

	return err
}

// Net is a virtio network device. Packet I/O goes through the host tap
// device, which is provisioned outside the VMM.
type Net struct {
	cfg NetConfiguration
	mac net.HardwareAddr
	log types.Logger
}

func NewNet(cfg NetConfiguration, checker LinkChecker, log types.Logger) (*Net, error) {
	if cfg.IfaceID == "" || cfg.HostDevName == "" {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("iface id and host device name are required"))
	}

	mac, err := net.ParseMAC(cfg.GuestMAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfiguration, err)
	}

	if checker == nil {
		checker = NetlinkChecker{}
	}

	if err := checker.CheckLink(cfg.NetNS, cfg.HostDevName); err != nil {
		return nil, backingError(cfg.IfaceID, cfg.HostDevName, err)
	}

	return &Net{
		cfg: cfg,
		mac: mac,
		log: log,
	}, nil
}

func (n *Net) ID() string {
	return n.cfg.IfaceID
}

func (n *Net) Kind() Kind {
	return KindNet
}

func (n *Net) Version() uint16 {
	return netStateVersion
}

func (n *Net) Configuration() NetConfiguration {
	return n.cfg
}

func (n *Net) MAC() net.HardwareAddr {
	return n.mac
}

func (n *Net) Save() ([]byte, error) {
	return encodeState(n.cfg)
}

func (n *Net) Close() error {
	return nil
}

func restoreNet(rctx RestoreContext, entry Entry) (Device, error) {
	var cfg NetConfiguration
	if err := decodeState(entry, netStateVersion, &cfg); err != nil {
		return nil, err
	}

	original := cfg.HostDevName
	if name, ok := rctx.Overrides.NetInterfaces[cfg.HostDevName]; ok {
		cfg.HostDevName = name
	} else if name, ok := rctx.Overrides.NetInterfaces[cfg.IfaceID]; ok {
		cfg.HostDevName = name
	}

	if rctx.Log != nil && original != cfg.HostDevName {
		rctx.Log.Info().Str("iface_id", cfg.IfaceID).Str("from", original).Str("to", cfg.HostDevName).Msg("overriding host interface")
	}

	n, err := NewNet(cfg, rctx.LinkChecker, rctx.Log)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("restoring %s", entry.ID))
	}

	return n, nil
}
