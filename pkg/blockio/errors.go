package blockio

import "errors"

var (
	ErrIntakeStopped           = errors.New("engine is not accepting requests")
	ErrEngineClosed            = errors.New("engine is closed")
	ErrUnknownOp               = errors.New("unknown operation")
	ErrDrainTimeout            = errors.New("timed out draining pending operations")
	ErrCouldNotFlushCompletion = errors.New("could not flush completion to guest")
)
