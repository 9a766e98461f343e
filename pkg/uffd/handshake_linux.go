//go:build linux

package uffd

import (
	"encoding/json"
	"errors"
	"net"

	"github.com/loopholelabs/vmsnap/pkg/memory"
	"golang.org/x/sys/unix"
)

// Send hands the userfaultfd and the guest region mappings to a page fault
// handler listening on conn.
func Send(conn *net.UnixConn, fd int, mappings []memory.Mapping) error {
	b, err := json.Marshal(mappings)
	if err != nil {
		return errors.Join(ErrCouldNotSendHandshake, err)
	}

	if _, _, err := conn.WriteMsgUnix(b, unix.UnixRights(fd), nil); err != nil {
		return errors.Join(ErrCouldNotSendHandshake, err)
	}

	return nil
}

func Receive(conn *net.UnixConn) (int, []memory.Mapping, error) {
	var (
		buf = make([]byte, 64*1024)
		oob = make([]byte, unix.CmsgSpace(4))
	)

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, nil, errors.Join(ErrCouldNotReceiveHandshake, err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, nil, errors.Join(ErrCouldNotReceiveHandshake, err)
	}

	fd := -1
	for _, scm := range scms {
		if fds, err := unix.ParseUnixRights(&scm); err == nil && len(fds) > 0 {
			fd = fds[0]

			break
		}
	}
	if fd < 0 {
		return -1, nil, ErrNoFileDescriptor
	}

	var mappings []memory.Mapping
	if err := json.Unmarshal(buf[:n], &mappings); err != nil {
		_ = unix.Close(fd)

		return -1, nil, errors.Join(ErrCouldNotReceiveHandshake, err)
	}

	return fd, mappings, nil
}
