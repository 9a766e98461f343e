//go:build linux

package uffd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/utils"
	"golang.org/x/sys/unix"
)

// Handler is an out of process page fault handler: it accepts one VMM
// connection on a unix socket and serves its faults from a memory file.
type Handler struct {
	log      types.Logger
	listener *net.UnixListener
	path     string
}

func Listen(path string, log types.Logger) (*Handler, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return &Handler{log: log, listener: listener, path: path}, nil
}

func (h *Handler) Path() string {
	return h.path
}

// Serve accepts the VMM and serves faults from src until ctx is done. Closing
// the handler before a VMM connected is not an error.
func (h *Handler) Serve(ctx context.Context, src io.ReaderAt, workers int) (errs error) {
	conn, err := h.listener.AcceptUnix()
	if err != nil {
		if utils.IsClosedErr(err) {
			return nil
		}

		return err
	}
	defer conn.Close()

	fd, mappings, err := Receive(conn)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if h.log != nil {
		h.log.Info().Int("regions", len(mappings)).Msg("received guest memory mappings")
	}

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()
	defer goroutineManager.CreateBackgroundPanicCollector()()

	var (
		server = NewServer(mappings, src, &CopyInstaller{FD: fd}, h.log)
		faults = make(chan uint64, 64)
	)

	goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
		defer close(faults)

		if err := ReadFaults(fd, faults, ctx.Done()); err != nil {
			panic(err)
		}
	})

	if err := server.Serve(goroutineManager.Context(), faults, workers); err != nil {
		panic(err)
	}

	return
}

func (h *Handler) Close() error {
	err := h.listener.Close()
	_ = os.Remove(h.path)

	return err
}

// Attach creates a userfaultfd covering mappings and hands it to the handler
// listening on socketPath. The returned fd must stay open while the memory is
// in use.
func Attach(socketPath string, mappings []memory.Mapping) (int, error) {
	fd, err := New()
	if err != nil {
		return -1, err
	}

	for _, m := range mappings {
		if err := Register(fd, m.BaseHostVirtAddr, m.Size); err != nil {
			_ = unix.Close(fd)

			return -1, err
		}
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		_ = unix.Close(fd)

		return -1, errors.Join(ErrCouldNotSendHandshake, err)
	}
	defer conn.Close()

	if err := Send(conn, fd, mappings); err != nil {
		_ = unix.Close(fd)

		return -1, err
	}

	return fd, nil
}
