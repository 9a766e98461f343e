package uffd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/memory"
	"github.com/loopholelabs/vmsnap/pkg/utils"
)

// Installer places a page into guest memory at dst and wakes whoever faulted on it.
type Installer interface {
	Install(dst uint64, page []byte) error
}

type region struct {
	mapping memory.Mapping
	src     *utils.SectionReaderAt
	claimed utils.Bitmap
}

// Server serves guest page faults from a memory file. Every page is
// installed at most once, however many vCPUs fault on it.
type Server struct {
	log     types.Logger
	inst    Installer
	regions []region

	installs   atomic.Uint64
	duplicates atomic.Uint64
}

func NewServer(mappings []memory.Mapping, src io.ReaderAt, inst Installer, log types.Logger) *Server {
	s := &Server{
		log:  log,
		inst: inst,
	}

	for _, m := range mappings {
		s.regions = append(s.regions, region{
			mapping: m,
			src:     utils.NewSectionReaderAt(src, int64(m.Offset), int64(m.Size)),
			claimed: utils.NewBitmap(m.Size / m.PageSize),
		})
	}

	return s
}

func (s *Server) find(addr uint64) (*region, uint64, bool) {
	for i := range s.regions {
		m := s.regions[i].mapping
		if addr >= m.BaseHostVirtAddr && addr < m.BaseHostVirtAddr+m.Size {
			return &s.regions[i], (addr - m.BaseHostVirtAddr) / m.PageSize, true
		}
	}

	return nil, 0, false
}

// HandleFault installs the page containing addr unless it was already claimed.
func (s *Server) HandleFault(addr uint64) error {
	r, page, ok := s.find(addr)
	if !ok {
		return errors.Join(ErrAddressNotMapped, fmt.Errorf("%#x", addr))
	}

	if r.claimed.TestAndSetAtomic(page) {
		s.duplicates.Add(1)

		return nil
	}

	buf := make([]byte, r.mapping.PageSize)
	// Pages past the end of a sparse memory file read as zero.
	if _, err := r.src.ReadAt(buf, int64(page*r.mapping.PageSize)); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrCouldNotReadPage, err)
	}

	dst := r.mapping.BaseHostVirtAddr + page*r.mapping.PageSize
	if err := s.inst.Install(dst, buf); err != nil {
		return errors.Join(ErrCouldNotInstallPage, fmt.Errorf("%#x", dst), err)
	}
	s.installs.Add(1)

	return nil
}

// Serve handles the faults delivered on faults with workers goroutines until
// faults is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, faults <-chan uint64, workers int) (errs error) {
	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.CreateBackgroundPanicCollector()()

	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case addr, ok := <-faults:
					if !ok {
						return
					}

					if err := s.HandleFault(addr); err != nil {
						panic(err)
					}
				}
			}
		})
	}

	goroutineManager.Wait()
	goroutineManager.StopAllGoroutines()

	if s.log != nil {
		s.log.Debug().Uint64("installs", s.installs.Load()).Uint64("duplicates", s.duplicates.Load()).Msg("page fault server stopped")
	}

	return
}

func (s *Server) Installs() uint64 {
	return s.installs.Load()
}

// Duplicates counts faults on pages that were already being or had been installed.
func (s *Server) Duplicates() uint64 {
	return s.duplicates.Load()
}
