package devices

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/loopholelabs/vmsnap/pkg/virtio"
)

const entropyStateVersion = 1

type EntropyConfiguration struct {
	ID    string            `cbor:"id" json:"id"`
	Queue virtio.QueueState `cbor:"queue" json:"queue"`
}

// Entropy is a virtio-rng device filling guest buffers from the host CSPRNG.
type Entropy struct {
	cfg EntropyConfiguration
	mem virtio.Memory

	lock   sync.Mutex
	queue  *virtio.Queue
	served uint64
}

func NewEntropy(mem virtio.Memory, cfg EntropyConfiguration) (*Entropy, error) {
	if cfg.ID == "" {
		cfg.ID = "rng"
	}

	queue, err := virtio.NewQueue(mem, cfg.Queue)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfiguration, err)
	}

	return &Entropy{cfg: cfg, mem: mem, queue: queue}, nil
}

func (e *Entropy) ID() string {
	return e.cfg.ID
}

func (e *Entropy) Kind() Kind {
	return KindEntropy
}

func (e *Entropy) Version() uint16 {
	return entropyStateVersion
}

func (e *Entropy) Kick() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	for {
		chain, err := e.queue.Pop()
		if err != nil {
			return errors.Join(ErrCouldNotProcessQueue, err)
		}
		if chain == nil {
			return nil
		}

		written := uint32(0)
		for _, d := range chain.Descriptors {
			if d.Flags&virtio.DescFlagWrite == 0 {
				continue
			}

			buf := make([]byte, d.Len)
			if _, err := rand.Read(buf); err != nil {
				return errors.Join(ErrCouldNotProcessQueue, err)
			}

			if _, err := e.mem.WriteAt(buf, int64(d.Addr)); err != nil {
				return errors.Join(ErrCouldNotWriteGuestMemory, err)
			}
			written += d.Len
		}

		if err := e.queue.PushUsed(chain.Head, written); err != nil {
			return errors.Join(ErrCouldNotProcessQueue, err)
		}
		e.served += uint64(written)
	}
}

func (e *Entropy) Save() ([]byte, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	cfg := e.cfg
	cfg.Queue = e.queue.State()

	return encodeState(cfg)
}

func (e *Entropy) Close() error {
	return nil
}

func restoreEntropy(rctx RestoreContext, entry Entry) (Device, error) {
	var cfg EntropyConfiguration
	if err := decodeState(entry, entropyStateVersion, &cfg); err != nil {
		return nil, err
	}

	return NewEntropy(rctx.Memory, cfg)
}
