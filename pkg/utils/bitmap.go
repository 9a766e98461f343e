package utils

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap is a fixed size set of bits backed by 64 bit words. The *Atomic
// variants may be used concurrently with each other.
type Bitmap []uint64

func NewBitmap(size uint64) Bitmap {
	return make(Bitmap, (size+63)/64)
}

func (b Bitmap) Set(i uint64) {
	b[i/64] |= 1 << (i % 64)
}

func (b Bitmap) Clear(i uint64) {
	b[i/64] &^= 1 << (i % 64)
}

func (b Bitmap) Test(i uint64) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b Bitmap) SetAtomic(i uint64) {
	atomic.OrUint64(&b[i/64], 1<<(i%64))
}

func (b Bitmap) TestAtomic(i uint64) bool {
	return atomic.LoadUint64(&b[i/64])&(1<<(i%64)) != 0
}

// TestAndSetAtomic sets bit i and reports whether it was already set.
func (b Bitmap) TestAndSetAtomic(i uint64) bool {
	mask := uint64(1) << (i % 64)

	return atomic.OrUint64(&b[i/64], mask)&mask != 0
}

// SwapOut copies the current words into dst and clears them, word by word.
// Bits set concurrently after a word was swapped stay in b.
func (b Bitmap) SwapOut(dst Bitmap) {
	for i := range b {
		dst[i] |= atomic.SwapUint64(&b[i], 0)
	}
}

// Merge ORs the bits of other into b atomically.
func (b Bitmap) Merge(other Bitmap) {
	for i := range other {
		if other[i] != 0 {
			atomic.OrUint64(&b[i], other[i])
		}
	}
}

func (b Bitmap) Count() uint64 {
	var n uint64
	for _, w := range b {
		n += uint64(bits.OnesCount64(w))
	}

	return n
}

func (b Bitmap) Clone() Bitmap {
	c := make(Bitmap, len(b))
	for i := range b {
		c[i] = atomic.LoadUint64(&b[i])
	}

	return c
}

// Runs calls fn for every run of consecutive set bits below size.
func (b Bitmap) Runs(size uint64, fn func(start, length uint64) error) error {
	var (
		start  uint64
		inside bool
	)
	for i := uint64(0); i < size; i++ {
		if b[i/64] == 0 && i%64 == 0 && !inside {
			i += 63
			continue
		}

		if b.Test(i) {
			if !inside {
				start = i
				inside = true
			}

			continue
		}

		if inside {
			if err := fn(start, i-start); err != nil {
				return err
			}
			inside = false
		}
	}

	if inside {
		return fn(start, size-start)
	}

	return nil
}
