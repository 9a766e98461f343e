package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type MemoryCatalog struct {
	lock    sync.Mutex
	records map[string]Record
	resumes map[string][]Resume
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		records: map[string]Record{},
		resumes: map[string][]Resume{},
	}
}

func (c *MemoryCatalog) Put(_ context.Context, r Record) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.records[r.ID] = r

	return nil
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (Record, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	r, ok := c.records[id]
	if !ok {
		return Record{}, errors.Join(ErrNotFound, fmt.Errorf("%s", id))
	}

	return r, nil
}

func (c *MemoryCatalog) RecordResume(_ context.Context, r Resume) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.resumes[r.SnapshotID] = append(c.resumes[r.SnapshotID], r)

	return nil
}

func (c *MemoryCatalog) Resumes(_ context.Context, snapshotID string) ([]Resume, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]Resume{}, c.resumes[snapshotID]...), nil
}
