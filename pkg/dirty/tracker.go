package dirty

import (
	"errors"
	"sync"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/utils"
)

// Source is a kernel or hardware provided dirty log, e.g. KVM's dirty log or
// pagemap soft-dirty bits. Collect ORs the pages dirtied since the previous
// Collect into the per region bitmaps and resets the source.
type Source interface {
	Enable() error
	Collect(into []utils.Bitmap) error
}

// Bitmap is the result of Tracker.ReadAndReset.
type Bitmap struct {
	Regions []utils.Bitmap
	// All is set for the first read after tracking was enabled; no baseline
	// capture exists yet, so every page has to be treated as dirty.
	All bool
}

func (b *Bitmap) DirtyPages() uint64 {
	var n uint64
	for _, r := range b.Regions {
		n += r.Count()
	}

	return n
}

// Tracker keeps one bitmap per memory region of a single VM.
type Tracker struct {
	log types.Logger

	pages []uint64

	lock     sync.Mutex
	enabled  bool
	baseline bool
	bitmaps  []utils.Bitmap
	sources  []Source
}

func NewTracker(pagesPerRegion []uint64, log types.Logger) *Tracker {
	t := &Tracker{
		log:     log,
		pages:   append([]uint64{}, pagesPerRegion...),
		bitmaps: make([]utils.Bitmap, len(pagesPerRegion)),
	}
	for i, n := range pagesPerRegion {
		t.bitmaps[i] = utils.NewBitmap(n)
	}

	return t
}

func (t *Tracker) AddSource(s Source) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.sources = append(t.sources, s)
}

// Enable turns tracking on. The next ReadAndReset reports all pages dirty.
func (t *Tracker) Enable() error {
	return t.enable(false)
}

// EnableWithBaseline turns tracking on for memory that is known to equal an
// existing capture, e.g. right after a restore from that capture.
func (t *Tracker) EnableWithBaseline() error {
	return t.enable(true)
}

func (t *Tracker) enable(baseline bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.enabled {
		return nil
	}

	for _, s := range t.sources {
		if err := s.Enable(); err != nil {
			return errors.Join(ErrCouldNotEnableSource, err)
		}
	}

	for _, b := range t.bitmaps {
		clear(b)
	}

	t.enabled = true
	t.baseline = baseline

	if t.log != nil {
		t.log.Debug().Int("regions", len(t.bitmaps)).Msg("dirty page tracking enabled")
	}

	return nil
}

func (t *Tracker) Enabled() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.enabled
}

// MarkDirty records a write to page of region. It is a no-op while tracking is
// disabled and safe to call concurrently with ReadAndReset.
func (t *Tracker) MarkDirty(region int, page uint64) {
	if region < 0 || region >= len(t.bitmaps) || page >= t.pages[region] {
		return
	}

	t.lock.Lock()
	enabled := t.enabled
	t.lock.Unlock()

	if enabled {
		t.bitmaps[region].SetAtomic(page)
	}
}

// MarkRange records a write of length bytes at offset into region.
func (t *Tracker) MarkRange(region int, offset, length, pageSize uint64) {
	if length == 0 {
		return
	}

	for page := offset / pageSize; page <= (offset+length-1)/pageSize; page++ {
		t.MarkDirty(region, page)
	}
}

// ReadAndReset returns the pages dirtied since the previous read and clears
// them. Writes racing with the read land in the next one.
func (t *Tracker) ReadAndReset() (*Bitmap, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.enabled {
		return nil, ErrTrackingDisabled
	}

	out := &Bitmap{
		Regions: make([]utils.Bitmap, len(t.bitmaps)),
		All:     !t.baseline,
	}
	for i, n := range t.pages {
		out.Regions[i] = utils.NewBitmap(n)
	}

	for _, s := range t.sources {
		if err := s.Collect(out.Regions); err != nil {
			return nil, errors.Join(ErrCouldNotCollectSource, err)
		}
	}

	for i, b := range t.bitmaps {
		b.SwapOut(out.Regions[i])
	}

	if t.log != nil {
		t.log.Debug().Uint64("dirty_pages", out.DirtyPages()).Msg("read and reset dirty bitmap")
	}

	return out, nil
}

// Requeue puts the pages of a read that could not be captured back, so the
// next read still reports them.
func (t *Tracker) Requeue(b *Bitmap) error {
	if b == nil {
		return nil
	}

	if len(b.Regions) != len(t.bitmaps) {
		return ErrBitmapLayoutMismatch
	}

	for i, r := range b.Regions {
		t.bitmaps[i].Merge(r)
	}

	return nil
}

// Commit marks that a capture based on the last read succeeded; later reads
// are relative to it.
func (t *Tracker) Commit() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.enabled {
		t.baseline = true
	}
}

// Peek returns a copy of the pending dirty bitmaps without resetting them.
func (t *Tracker) Peek() []utils.Bitmap {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make([]utils.Bitmap, len(t.bitmaps))
	for i, b := range t.bitmaps {
		out[i] = b.Clone()
	}

	return out
}

func (t *Tracker) Pages() []uint64 {
	return append([]uint64{}, t.pages...)
}
