package memory

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/loopholelabs/vmsnap/pkg/utils"
)

// ResidentPages marks, per region, the guest pages with at least one host
// page resident in memory.
func ResidentPages(mem *GuestMemory) ([]utils.Bitmap, error) {
	hostPage := uint64(os.Getpagesize())

	out := make([]utils.Bitmap, len(mem.layout))
	for i, r := range mem.layout {
		vec := make([]byte, r.Size/hostPage)
		if err := mincore(mem.mappings[i], vec); err != nil {
			return nil, errors.Join(ErrCouldNotQueryResidency, fmt.Errorf("region %d", i), err)
		}

		perPage := r.PageSize / hostPage
		if perPage == 0 {
			perPage = 1
		}

		out[i] = utils.NewBitmap(r.Pages())
		for j, v := range vec {
			if v&1 != 0 {
				out[i].Set(uint64(j) / perPage)
			}
		}
	}

	return out, nil
}

// EmptyPages marks, per region, the guest pages that only contain zeroes.
func EmptyPages(mem *GuestMemory) []utils.Bitmap {
	var zero [HugePageSize]byte

	out := make([]utils.Bitmap, len(mem.layout))
	for i, r := range mem.layout {
		out[i] = utils.NewBitmap(r.Pages())
		for p := uint64(0); p < r.Pages(); p++ {
			page := mem.mappings[i][p*r.PageSize : (p+1)*r.PageSize]
			if bytes.Equal(page, zero[:r.PageSize]) {
				out[i].Set(p)
			}
		}
	}

	return out
}
