package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// ValkeyCatalog keeps records as JSON strings and resumes as JSON lists,
// keyed below prefix.
type ValkeyCatalog struct {
	client valkey.Client
	prefix string
}

func NewValkeyCatalog(addr, prefix string) (*ValkeyCatalog, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, errors.Join(ErrCouldNotConnectCatalog, err)
	}

	return NewValkeyCatalogFromClient(client, prefix), nil
}

func NewValkeyCatalogFromClient(client valkey.Client, prefix string) *ValkeyCatalog {
	if prefix == "" {
		prefix = "vmsnap"
	}

	return &ValkeyCatalog{client: client, prefix: prefix}
}

func (c *ValkeyCatalog) recordKey(id string) string {
	return fmt.Sprintf("%s:snapshot:%s", c.prefix, id)
}

func (c *ValkeyCatalog) resumesKey(id string) string {
	return fmt.Sprintf("%s:resumes:%s", c.prefix, id)
}

func (c *ValkeyCatalog) Put(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Join(ErrCouldNotEncodeRecord, err)
	}

	if err := c.client.Do(ctx, c.client.B().Set().Key(c.recordKey(r.ID)).Value(string(b)).Build()).Error(); err != nil {
		return errors.Join(ErrCouldNotStoreRecord, err)
	}

	return nil
}

func (c *ValkeyCatalog) Get(ctx context.Context, id string) (Record, error) {
	v, err := c.client.Do(ctx, c.client.B().Get().Key(c.recordKey(id)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return Record{}, errors.Join(ErrNotFound, fmt.Errorf("%s", id))
		}

		return Record{}, errors.Join(ErrCouldNotFetchRecord, err)
	}

	var r Record
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return Record{}, errors.Join(ErrCouldNotDecodeRecord, err)
	}

	return r, nil
}

func (c *ValkeyCatalog) RecordResume(ctx context.Context, r Resume) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Join(ErrCouldNotEncodeRecord, err)
	}

	if err := c.client.Do(ctx, c.client.B().Rpush().Key(c.resumesKey(r.SnapshotID)).Element(string(b)).Build()).Error(); err != nil {
		return errors.Join(ErrCouldNotStoreRecord, err)
	}

	return nil
}

func (c *ValkeyCatalog) Resumes(ctx context.Context, snapshotID string) ([]Resume, error) {
	values, err := c.client.Do(ctx, c.client.B().Lrange().Key(c.resumesKey(snapshotID)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, errors.Join(ErrCouldNotFetchRecord, err)
	}

	resumes := make([]Resume, 0, len(values))
	for _, v := range values {
		var r Resume
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, errors.Join(ErrCouldNotDecodeRecord, err)
		}
		resumes = append(resumes, r)
	}

	return resumes, nil
}

func (c *ValkeyCatalog) Close() {
	c.client.Close()
}
