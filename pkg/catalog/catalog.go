package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("snapshot not found in catalog")
	ErrLineageCycle           = errors.New("snapshot lineage contains a cycle")
	ErrCouldNotEncodeRecord   = errors.New("could not encode catalog record")
	ErrCouldNotDecodeRecord   = errors.New("could not decode catalog record")
	ErrCouldNotStoreRecord    = errors.New("could not store catalog record")
	ErrCouldNotFetchRecord    = errors.New("could not fetch catalog record")
	ErrCouldNotConnectCatalog = errors.New("could not connect to catalog")
)

const (
	TypeFull = "Full"
	TypeDiff = "Diff"
)

// Record describes one capture. ParentID is the capture (or restored
// snapshot) the memory file was diffed against.
type Record struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	VMID       string    `json:"vm_id"`
	Type       string    `json:"type"`
	Generation uint64    `json:"generation"`
	StatePath  string    `json:"state_path"`
	MemPath    string    `json:"mem_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Resume is recorded every time a VM restored from a snapshot starts running.
type Resume struct {
	VMID       string    `json:"vm_id"`
	SnapshotID string    `json:"snapshot_id"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

type Catalog interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	RecordResume(ctx context.Context, r Resume) error
	Resumes(ctx context.Context, snapshotID string) ([]Resume, error)
}

// Lineage returns the chain of records ending in id, root first.
func Lineage(ctx context.Context, c Catalog, id string) ([]Record, error) {
	var (
		chain []Record
		seen  = map[string]struct{}{}
	)

	for next := id; next != ""; {
		if _, ok := seen[next]; ok {
			return nil, errors.Join(ErrLineageCycle, fmt.Errorf("at %s", next))
		}
		seen[next] = struct{}{}

		r, err := c.Get(ctx, next)
		if err != nil {
			return nil, err
		}

		chain = append(chain, r)
		next = r.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}
