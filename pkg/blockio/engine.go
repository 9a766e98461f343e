package blockio

import (
	"io"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

const (
	EngineSync  = "Sync"
	EngineAsync = "Async"
)

// Request is one storage operation. UserData is returned untouched in the
// matching Completion.
type Request struct {
	Op       Op
	Offset   int64
	Data     []byte
	UserData uint64
}

type Completion struct {
	UserData uint64
	Op       Op
	Bytes    int
	Data     []byte
	Err      error
}

// Backend is the host file or device behind a block device.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Engine executes requests against a backend. Completions are held by the
// engine until Reap hands them to the caller; an operation counts as pending
// from Submit until it was reaped.
type Engine interface {
	Kind() string
	Submit(req Request) error
	Reap() []Completion
	PendingOps() int
	// Notify is signalled whenever new completions may be available.
	Notify() <-chan struct{}
	Accepting() bool
	StopIntake()
	ResumeIntake()
	Close() error
}

func execute(backend Backend, req Request) Completion {
	c := Completion{
		UserData: req.UserData,
		Op:       req.Op,
		Data:     req.Data,
	}

	switch req.Op {
	case OpRead:
		n, err := backend.ReadAt(req.Data, req.Offset)
		if err == io.EOF && n == len(req.Data) {
			err = nil
		}
		c.Bytes, c.Err = n, err
	case OpWrite:
		c.Bytes, c.Err = backend.WriteAt(req.Data, req.Offset)
	case OpFlush:
		c.Err = backend.Sync()
	default:
		c.Err = ErrUnknownOp
	}

	return c
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
