package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/blockio"
	"github.com/loopholelabs/vmsnap/pkg/virtio"
)

const (
	SectorSize = 512

	BlockTypeIn    = 0
	BlockTypeOut   = 1
	BlockTypeFlush = 4
	BlockTypeGetID = 8

	BlockStatusOK          = 0
	BlockStatusIOErr       = 1
	BlockStatusUnsupported = 2

	BlockHeaderSize = 16
	blockIDBytes    = 20

	blockStateVersion = 1
)

type BlockConfiguration struct {
	DriveID      string `cbor:"drive_id" json:"drive_id"`
	PathOnHost   string `cbor:"path_on_host" json:"path_on_host"`
	IsRootDevice bool   `cbor:"is_root_device" json:"is_root_device"`
	IsReadOnly   bool   `cbor:"is_read_only" json:"is_read_only"`
	IOEngine     string `cbor:"io_engine" json:"io_engine"`
	// Queue is the request queue placement programmed by the guest driver.
	Queue virtio.QueueState `cbor:"queue" json:"queue"`
}

type blockState struct {
	Config    BlockConfiguration `cbor:"config"`
	SizeBytes int64              `cbor:"size_bytes"`
	Queue     virtio.QueueState  `cbor:"queue"`
}

type blockRequest struct {
	head   uint16
	data   uint64
	status uint64
}

// Block is a virtio block device backed by a host file.
type Block struct {
	cfg  BlockConfiguration
	log  types.Logger
	mem  virtio.Memory
	file *os.File
	size int64

	async  blockio.AsyncConfiguration
	engine blockio.Engine
	queue  *virtio.Queue

	lock     sync.Mutex
	inflight map[uint64]blockRequest
	nextTag  uint64

	goroutineManager *manager.GoroutineManager
	errs             error
	closeOnce        sync.Once
}

func NewBlock(mem virtio.Memory, cfg BlockConfiguration, async blockio.AsyncConfiguration, log types.Logger) (*Block, error) {
	return newBlock(mem, cfg, cfg.Queue, -1, async, log)
}

func newBlock(mem virtio.Memory, cfg BlockConfiguration, queueState virtio.QueueState, minSize int64, async blockio.AsyncConfiguration, log types.Logger) (*Block, error) {
	if cfg.DriveID == "" {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("drive id is empty"))
	}

	flag := os.O_RDWR
	if cfg.IsReadOnly {
		flag = os.O_RDONLY
	}

	f, err := openBacking(cfg.DriveID, cfg.PathOnHost, flag)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, errors.Join(ErrCouldNotStatBacking, err)
	}

	if info.Size() < minSize {
		_ = f.Close()

		return nil, errors.Join(ErrBackingUndersized, fmt.Errorf("device %s: %s is %d bytes, captured with %d", cfg.DriveID, cfg.PathOnHost, info.Size(), minSize))
	}

	queue, err := virtio.NewQueue(mem, queueState)
	if err != nil {
		_ = f.Close()

		return nil, errors.Join(ErrInvalidConfiguration, err)
	}

	if async.Workers == 0 {
		async = blockio.DefaultAsyncConfiguration()
	}

	if cfg.IOEngine == "" {
		cfg.IOEngine = blockio.EngineSync
	}

	b := &Block{
		cfg:      cfg,
		log:      log,
		mem:      mem,
		file:     f,
		size:     info.Size(),
		async:    async,
		queue:    queue,
		inflight: map[uint64]blockRequest{},
	}

	if b.engine, err = b.newEngine(f); err != nil {
		_ = f.Close()

		return nil, err
	}

	b.startReaper()

	return b, nil
}

func (b *Block) newEngine(backend blockio.Backend) (blockio.Engine, error) {
	switch b.cfg.IOEngine {
	case blockio.EngineAsync:
		return blockio.NewAsyncEngine(backend, b.async, b.log), nil
	case blockio.EngineSync:
		return blockio.NewSyncEngine(backend), nil
	default:
		return nil, errors.Join(ErrInvalidConfiguration, fmt.Errorf("unknown io engine %q", b.cfg.IOEngine))
	}
}

// startReaper publishes completions of the current engine as they arrive.
func (b *Block) startReaper() {
	engine := b.engine

	b.goroutineManager = manager.NewGoroutineManager(
		context.Background(),
		&b.errs,
		manager.GoroutineManagerHooks{},
	)

	b.goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-engine.Notify():
			}

			b.lock.Lock()
			err := b.reapLocked()
			b.lock.Unlock()

			if err != nil {
				panic(err)
			}
		}
	})
}

func (b *Block) stopReaper() {
	b.goroutineManager.StopAllGoroutines()
	b.goroutineManager.Wait()
}

func (b *Block) ID() string {
	return b.cfg.DriveID
}

func (b *Block) Kind() Kind {
	return KindBlock
}

func (b *Block) Version() uint16 {
	return blockStateVersion
}

func (b *Block) Configuration() BlockConfiguration {
	b.lock.Lock()
	defer b.lock.Unlock()

	cfg := b.cfg
	cfg.Queue = b.queue.State()

	return cfg
}

// SizeBytes is the size of the backing file the device serves.
func (b *Block) SizeBytes() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.size
}

func (b *Block) Queue() *virtio.Queue {
	return b.queue
}

func (b *Block) PendingOps() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.engine.PendingOps()
}

// Kick processes every request the driver made available. Requests stay in
// the ring while intake is stopped for a drain.
func (b *Block) Kick() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.engine.Accepting() {
		return nil
	}

	for {
		chain, err := b.queue.Pop()
		if err != nil {
			return errors.Join(ErrCouldNotProcessQueue, err)
		}
		if chain == nil {
			break
		}

		if err := b.handle(chain); err != nil {
			if err := b.fail(chain, err); err != nil {
				return errors.Join(ErrCouldNotProcessQueue, err)
			}
		}
	}

	return b.reapLocked()
}

// fail completes a request that could not be processed with an I/O error so
// the driver does not wait on it.
func (b *Block) fail(chain *virtio.Chain, cause error) error {
	if b.log != nil {
		b.log.Warn().Str("drive_id", b.cfg.DriveID).Uint64("head", uint64(chain.Head)).Err(cause).Msg("could not process block request")
	}

	descs := chain.Descriptors
	if len(descs) == 0 {
		return b.queue.PushUsed(chain.Head, 0)
	}

	if _, err := b.mem.WriteAt([]byte{BlockStatusIOErr}, int64(descs[len(descs)-1].Addr)); err != nil && b.log != nil {
		b.log.Warn().Str("drive_id", b.cfg.DriveID).Err(err).Msg("could not write block request status")
	}

	return b.queue.PushUsed(chain.Head, 1)
}

func (b *Block) handle(chain *virtio.Chain) error {
	descs := chain.Descriptors
	if len(descs) < 2 || descs[0].Len < BlockHeaderSize {
		return fmt.Errorf("malformed request chain at head %d", chain.Head)
	}

	header := make([]byte, BlockHeaderSize)
	if _, err := b.mem.ReadAt(header, int64(descs[0].Addr)); err != nil {
		return err
	}

	var (
		typ    = binary.LittleEndian.Uint32(header[0:])
		sector = binary.LittleEndian.Uint64(header[8:])
		status = descs[len(descs)-1]
		req    = blockRequest{head: chain.Head, status: status.Addr}
	)

	var data *virtio.Descriptor
	if len(descs) == 3 {
		data = &descs[1]
		req.data = data.Addr
	}

	op := blockio.Request{Offset: int64(sector) * SectorSize}
	switch typ {
	case BlockTypeIn, BlockTypeOut:
		if data == nil {
			return b.finish(req, BlockStatusIOErr, 0)
		}

		if op.Offset+int64(data.Len) > b.size {
			return b.finish(req, BlockStatusIOErr, 0)
		}

		op.Data = make([]byte, data.Len)
		op.Op = blockio.OpRead

		if typ == BlockTypeOut {
			if b.cfg.IsReadOnly {
				return b.finish(req, BlockStatusIOErr, 0)
			}

			if _, err := b.mem.ReadAt(op.Data, int64(data.Addr)); err != nil {
				return err
			}
			op.Op = blockio.OpWrite
		}

	case BlockTypeFlush:
		op.Op = blockio.OpFlush

	case BlockTypeGetID:
		if data == nil {
			return b.finish(req, BlockStatusIOErr, 0)
		}

		id := make([]byte, min(int(data.Len), blockIDBytes))
		copy(id, b.cfg.DriveID)
		if _, err := b.mem.WriteAt(id, int64(data.Addr)); err != nil {
			return errors.Join(ErrCouldNotWriteGuestMemory, err)
		}

		return b.finish(req, BlockStatusOK, uint32(len(id)))

	default:
		return b.finish(req, BlockStatusUnsupported, 0)
	}

	b.nextTag++
	op.UserData = b.nextTag
	b.inflight[op.UserData] = req

	if err := b.engine.Submit(op); err != nil {
		delete(b.inflight, op.UserData)

		return err
	}

	return nil
}

func (b *Block) reapLocked() error {
	for _, c := range b.engine.Reap() {
		if err := b.complete(c); err != nil {
			return err
		}
	}

	return nil
}

// complete writes the result of c into the guest: read data, status byte
// and finally the used ring entry.
func (b *Block) complete(c blockio.Completion) error {
	req, ok := b.inflight[c.UserData]
	if !ok {
		return fmt.Errorf("completion for unknown request %d", c.UserData)
	}
	delete(b.inflight, c.UserData)

	if c.Err != nil {
		if b.log != nil {
			b.log.Warn().Str("drive_id", b.cfg.DriveID).Str("op", c.Op.String()).Err(c.Err).Msg("block request failed")
		}

		return b.finish(req, BlockStatusIOErr, 0)
	}

	written := uint32(0)
	if c.Op == blockio.OpRead {
		if _, err := b.mem.WriteAt(c.Data[:c.Bytes], int64(req.data)); err != nil {
			return errors.Join(ErrCouldNotWriteGuestMemory, err)
		}
		written = uint32(c.Bytes)
	}

	return b.finish(req, BlockStatusOK, written)
}

func (b *Block) finish(req blockRequest, status byte, written uint32) error {
	if _, err := b.mem.WriteAt([]byte{status}, int64(req.status)); err != nil {
		return errors.Join(ErrCouldNotWriteGuestMemory, err)
	}

	return b.queue.PushUsed(req.head, written+1)
}

// Drain quiesces the I/O engine. The device lock is held for the whole
// drain so completions are only flushed by the drain itself.
func (b *Block) Drain(ctx context.Context, cfg blockio.DrainConfiguration) (blockio.DrainReport, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	report, err := blockio.Drain(ctx, b.engine, cfg, b.complete, b.log)
	if err != nil {
		return report, errors.Join(ErrCouldNotDrainDevice, fmt.Errorf("device %s", b.cfg.DriveID), err)
	}

	return report, nil
}

func (b *Block) ResumeIntake() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.engine.ResumeIntake()
}

// Patch moves the device onto the file at path, e.g. after the host copied
// or grew the drive. Requests in flight are flushed to the guest first;
// requests still in the ring are served from the new file on the next kick.
func (b *Block) Patch(ctx context.Context, path string, cfg blockio.DrainConfiguration) error {
	flag := os.O_RDWR
	if b.cfg.IsReadOnly {
		flag = os.O_RDONLY
	}

	f, err := openBacking(b.cfg.DriveID, path, flag)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return errors.Join(ErrCouldNotStatBacking, err)
	}

	b.stopReaper()

	b.lock.Lock()
	defer b.lock.Unlock()
	defer b.startReaper()

	if _, err := blockio.Drain(ctx, b.engine, cfg, b.complete, b.log); err != nil {
		b.engine.ResumeIntake()
		_ = f.Close()

		return errors.Join(ErrCouldNotPatchDevice, fmt.Errorf("device %s", b.cfg.DriveID), err)
	}

	engine, err := b.newEngine(f)
	if err != nil {
		b.engine.ResumeIntake()
		_ = f.Close()

		return err
	}

	var errs error
	if err := b.engine.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := b.file.Close(); err != nil {
		errs = errors.Join(errs, err)
	}

	b.engine = engine
	b.file = f
	b.size = info.Size()
	b.cfg.PathOnHost = path

	if b.log != nil {
		b.log.Info().Str("drive_id", b.cfg.DriveID).Str("path", path).Int64("size", b.size).Msg("patched block device")
	}

	return errs
}

// OnResume picks up requests the driver queued while intake was stopped.
func (b *Block) OnResume() error {
	return b.Kick()
}

func (b *Block) Save() ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if pending := b.engine.PendingOps(); pending > 0 || len(b.inflight) > 0 {
		return nil, errors.Join(ErrDeviceNotQuiesced, fmt.Errorf("device %s: %d pending operations", b.cfg.DriveID, pending))
	}

	return encodeState(blockState{
		Config:    b.cfg,
		SizeBytes: b.size,
		Queue:     b.queue.State(),
	})
}

func (b *Block) Close() error {
	var errs error
	b.closeOnce.Do(func() {
		b.stopReaper()

		if err := b.engine.Close(); err != nil {
			errs = errors.Join(errs, err)
		}

		if err := b.file.Close(); err != nil {
			errs = errors.Join(errs, err)
		}

		errs = errors.Join(errs, b.errs)
	})

	return errs
}

func restoreBlock(rctx RestoreContext, entry Entry) (Device, error) {
	var st blockState
	if err := decodeState(entry, blockStateVersion, &st); err != nil {
		return nil, err
	}

	cfg := st.Config
	if path, ok := rctx.Overrides.BlockPaths[cfg.DriveID]; ok {
		cfg.PathOnHost = path
	}

	return newBlock(rctx.Memory, cfg, st.Queue, st.SizeBytes, rctx.Async, rctx.Log)
}
