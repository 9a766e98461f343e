//go:build linux

package uffd

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	uffdAPI = 0xaa

	uffdioAPI      = 0xc018aa3f
	uffdioRegister = 0xc020aa00
	uffdioCopy     = 0xc028aa03
	uffdioWake     = 0x8010aa02

	uffdioRegisterModeMissing = 1

	msgSize        = 32
	eventPagefault = 0x12
)

type uffdioAPIArg struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegisterArg struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopyArg struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg)); errno != 0 {
		return errno
	}

	return nil
}

// New creates a non-blocking userfaultfd and negotiates the API with the kernel.
func New() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return -1, errors.Join(ErrUnavailable, errno)
	}

	api := uffdioAPIArg{api: uffdAPI}
	if err := ioctl(int(fd), uffdioAPI, unsafe.Pointer(&api)); err != nil {
		_ = unix.Close(int(fd))

		return -1, errors.Join(ErrCouldNotNegotiateAPI, err)
	}

	return int(fd), nil
}

// Register arms missing-page faults for [addr, addr+length).
func Register(fd int, addr, length uint64) error {
	reg := uffdioRegisterArg{
		rng:  uffdioRange{start: addr, len: length},
		mode: uffdioRegisterModeMissing,
	}
	if err := ioctl(fd, uffdioRegister, unsafe.Pointer(&reg)); err != nil {
		return errors.Join(ErrCouldNotRegister, err)
	}

	return nil
}

// CopyInstaller installs pages with UFFDIO_COPY, waking the faulting threads.
type CopyInstaller struct {
	FD int
}

func (c *CopyInstaller) Install(dst uint64, page []byte) error {
	cp := uffdioCopyArg{
		dst: dst,
		src: uint64(uintptr(unsafe.Pointer(&page[0]))),
		len: uint64(len(page)),
	}

	if err := ioctl(c.FD, uffdioCopy, unsafe.Pointer(&cp)); err != nil {
		// Another thread populated the range first; the faulting thread still needs a wake.
		if errors.Is(err, unix.EEXIST) {
			wake := uffdioRange{start: dst, len: uint64(len(page))}

			return ioctl(c.FD, uffdioWake, unsafe.Pointer(&wake))
		}

		return err
	}

	return nil
}

// ReadFaults reads page fault events from fd and delivers the faulting
// addresses on faults until stop is closed.
func ReadFaults(fd int, faults chan<- uint64, stop <-chan struct{}) error {
	buf := make([]byte, msgSize*16)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return errors.Join(ErrCouldNotReadFaults, err)
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}

			return errors.Join(ErrCouldNotReadFaults, err)
		}

		for i := 0; i+msgSize <= nr; i += msgSize {
			msg := buf[i : i+msgSize]
			if msg[0] != eventPagefault {
				continue
			}

			select {
			case faults <- *(*uint64)(unsafe.Pointer(&msg[16])):
			case <-stop:
				return nil
			}
		}
	}
}
