// Package snapshot persists per-replica values and offers them to outbound
// publications.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"sequencer/pkg/fsm"
	"sequencer/pkg/seqerrors"
)

// AbsentMarker is stored in place of a value for a failed replica.
const AbsentMarker = "ABSENT"

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Record is the durable snapshot of one replica slot.
type Record struct {
	Replica int
	State   fsm.State
	Present bool
	// Sequence is the replica cursor when the snapshot was taken: the value
	// reflects every entry below it.
	Sequence uint64
	TakenAt  time.Time
}

// Store persists one record per replica index.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns seqerrors.ErrSnapshotNotFound when no record exists.
	Load(ctx context.Context, replica int) (Record, error)
	Close() error
}

// Opener opens the store rooted at a directory.
type Opener func(dir string) (Store, error)

// OpenerFor maps a configured backend name to its Opener.
func OpenerFor(backend string) (Opener, error) {
	switch backend {
	case "", BackendFile:
		return func(dir string) (Store, error) { return OpenFile(dir) }, nil
	case BackendSQLite:
		return func(dir string) (Store, error) { return OpenSQLite(dir) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown snapshot backend %q", seqerrors.ErrInvalidArgument, backend)
	}
}

func encodeState(rec Record) string {
	if !rec.Present {
		return AbsentMarker
	}
	return string(rec.State)
}

func decodeState(rec *Record, raw string) error {
	if raw == AbsentMarker {
		rec.Present = false
		rec.State = ""
		return nil
	}
	st, err := fsm.ParseState(raw)
	if err != nil {
		return fmt.Errorf("replica %d snapshot: %w", rec.Replica, err)
	}
	rec.Present = true
	rec.State = st
	return nil
}
