package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapRuns(t *testing.T) {
	b := NewBitmap(200)
	for _, i := range []uint64{0, 1, 2, 63, 64, 130, 199} {
		b.Set(i)
	}

	type run struct{ start, length uint64 }
	var runs []run
	err := b.Runs(200, func(start, length uint64) error {
		runs = append(runs, run{start, length})
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []run{{0, 3}, {63, 2}, {130, 1}, {199, 1}}, runs)
	assert.Equal(t, uint64(7), b.Count())
}

func TestBitmapSwapOut(t *testing.T) {
	b := NewBitmap(128)
	b.SetAtomic(5)
	b.SetAtomic(100)

	dst := NewBitmap(128)
	b.SwapOut(dst)

	assert.Equal(t, uint64(0), b.Count())
	assert.True(t, dst.Test(5))
	assert.True(t, dst.Test(100))

	b.Merge(dst)
	assert.Equal(t, uint64(2), b.Count())
}

func TestBitmapTestAndSetConcurrent(t *testing.T) {
	b := NewBitmap(64)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if !b.TestAndSetAtomic(7) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
}
