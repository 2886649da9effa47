package seqlog

import (
	"context"
	"fmt"
	"sync"

	"sequencer/pkg/clock"
	"sequencer/pkg/seqerrors"

	"github.com/zhangyunhao116/skipmap"
)

// DefaultCapacity bounds a MemoryLog created with a non-positive capacity.
const DefaultCapacity = 1 << 20

// Entry is one appended payload with its assigned sequence number.
type Entry struct {
	Sequence uint64
	Payload  string
}

// Log is an append-only sequenced log.
//
// Implementations must allow ReadAt and Length concurrently with Append.
type Log interface {
	// Append stores payload and returns its sequence number.
	// A full log returns seqerrors.ErrLogFull and stays unchanged.
	Append(ctx context.Context, payload string) (uint64, error)
	// ReadAt returns the payload stored at seq or seqerrors.ErrOutOfRange.
	ReadAt(ctx context.Context, seq uint64) (string, error)
	// Length is the next sequence to assign.
	Length() uint64
	// Entries returns up to max entries starting at from, in order.
	Entries(from uint64, max int) []Entry
}

type entrySet = skipmap.FuncMap[uint64, string]

// MemoryLog keeps entries in an ordered concurrent map; appends are
// serialized, reads never block.
type MemoryLog struct {
	mu       sync.Mutex
	capacity uint64
	head     *clock.Sequence
	entries  *entrySet
}

func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLog{
		capacity: uint64(capacity),
		head:     clock.NewSequence(0),
		entries: skipmap.NewFunc[uint64, string](func(a, b uint64) bool {
			return a < b
		}),
	}
}

func (l *MemoryLog) Append(ctx context.Context, payload string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head.Val() >= l.capacity {
		return 0, fmt.Errorf("%w: capacity %d reached", seqerrors.ErrLogFull, l.capacity)
	}

	// entry must be visible before the head moves past it
	seq := l.head.Val()
	l.entries.Store(seq, payload)
	l.head.Next()
	return seq, nil
}

func (l *MemoryLog) ReadAt(_ context.Context, seq uint64) (string, error) {
	if seq >= l.head.Val() {
		return "", fmt.Errorf("%w: sequence %d, length %d", seqerrors.ErrOutOfRange, seq, l.head.Val())
	}
	payload, ok := l.entries.Load(seq)
	if !ok {
		return "", fmt.Errorf("%w: sequence %d missing", seqerrors.ErrOutOfRange, seq)
	}
	return payload, nil
}

func (l *MemoryLog) Length() uint64 {
	return l.head.Val()
}

func (l *MemoryLog) Capacity() uint64 {
	return l.capacity
}

// Entries returns up to max entries starting at from.
func (l *MemoryLog) Entries(from uint64, max int) []Entry {
	head := l.head.Val()
	if from >= head || max <= 0 {
		return nil
	}

	out := make([]Entry, 0, min(uint64(max), head-from))
	l.entries.Range(func(seq uint64, payload string) bool {
		if seq < from {
			return true
		}
		if seq >= head || len(out) >= max {
			return false
		}
		out = append(out, Entry{Sequence: seq, Payload: payload})
		return true
	})
	return out
}
