package uffd

import "errors"

var (
	ErrUnavailable              = errors.New("userfaultfd is not available")
	ErrCouldNotNegotiateAPI     = errors.New("could not negotiate userfaultfd API")
	ErrCouldNotRegister         = errors.New("could not register memory range with userfaultfd")
	ErrCouldNotInstallPage      = errors.New("could not install page")
	ErrCouldNotReadPage         = errors.New("could not read page from memory file")
	ErrCouldNotReadFaults       = errors.New("could not read fault events")
	ErrAddressNotMapped         = errors.New("fault address is not in any registered region")
	ErrCouldNotSendHandshake    = errors.New("could not send userfaultfd handshake")
	ErrCouldNotReceiveHandshake = errors.New("could not receive userfaultfd handshake")
	ErrNoFileDescriptor         = errors.New("handshake did not carry a file descriptor")
)
