package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"sequencer/pkg/seqlog"
)

const (
	fileName  = "sequence.wal"
	headerLen = 8 + 4 // seq + payload length

	// MaxPayload bounds a single record, on write and on replay.
	MaxPayload = 16 << 20
)

// Log is a durable seqlog.Log: every append is written and synced to disk
// before it becomes visible; reads are served from memory.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	mem *seqlog.MemoryLog
}

var _ seqlog.Log = (*Log)(nil)

// Open opens or creates the log under dir and replays existing records.
func Open(dir string, capacity int) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	l := &Log{
		file:     file,
		filePath: filePath,
		mem:      seqlog.NewMemoryLog(capacity),
	}

	valid, err := l.replay()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	// drop a torn tail left by a crash mid-append
	if err := file.Truncate(valid); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}
	l.writer = bufio.NewWriter(file)

	slog.Info("WAL opened", "path", filePath, "entries", l.mem.Length())
	return l, nil
}

// replay loads every complete record and returns the offset after the last one.
func (l *Log) replay() (int64, error) {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek WAL: %w", err)
	}

	reader := bufio.NewReader(l.file)
	ctx := context.Background()

	var offset int64
	for {
		seq, payload, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if seq != l.mem.Length() {
			return 0, fmt.Errorf("WAL corrupted: expected sequence %d, got %d", l.mem.Length(), seq)
		}
		if _, err := l.mem.Append(ctx, payload); err != nil {
			return 0, fmt.Errorf("WAL replay: %w", err)
		}
		offset += int64(headerLen + len(payload))
	}
}

func (l *Log) Append(ctx context.Context, payload string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return 0, fmt.Errorf("WAL writer is nil")
	}
	if l.mem.Length() >= l.mem.Capacity() {
		// let the memory log produce the canonical error
		return l.mem.Append(ctx, payload)
	}

	seq := l.mem.Length()
	if err := writeEntry(l.writer, seq, payload); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL: %w", err)
	}

	return l.mem.Append(ctx, payload)
}

func (l *Log) ReadAt(ctx context.Context, seq uint64) (string, error) {
	return l.mem.ReadAt(ctx, seq)
}

func (l *Log) Length() uint64 {
	return l.mem.Length()
}

func (l *Log) Entries(from uint64, max int) []seqlog.Entry {
	return l.mem.Entries(from, max)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		l.writer = nil
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		l.file = nil
	}

	return nil
}

func writeEntry(w io.Writer, seq uint64, payload string) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload too large: %d bytes, max %d", len(payload), MaxPayload)
	}

	var hdr [headerLen]byte
	binary.LittleEndian.PutUint64(hdr[0:8], seq)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, payload)
	return err
}

func readEntry(r io.Reader) (uint64, string, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", err
	}

	seq := binary.LittleEndian.Uint64(hdr[0:8])
	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > MaxPayload {
		return 0, "", fmt.Errorf("WAL corrupted: record %d claims %d bytes, max %d", seq, size, MaxPayload)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, "", err
	}
	return seq, string(payload), nil
}
