package utils

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedErr reports whether err only says that the other end or the
// listener went away.
func IsClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || strings.HasSuffix(err.Error(), "use of closed network connection") {
		return true
	}

	return false
}
