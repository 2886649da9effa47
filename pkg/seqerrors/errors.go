package seqerrors

import "errors"

var (
	ErrUnrecognizedEvent  = errors.New("sequencer: unrecognized event")
	ErrLogFull            = errors.New("sequencer: log full")
	ErrOutOfRange         = errors.New("sequencer: out of range")
	ErrReplicaUnavailable = errors.New("sequencer: replica unavailable")
	ErrSnapshotNotFound   = errors.New("sequencer: snapshot not found")
	ErrInvalidArgument    = errors.New("sequencer: invalid argument")
	ErrClosed             = errors.New("sequencer: closed")
)
