package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sequencer/pkg/seqerrors"

	"github.com/goccy/go-yaml"
)

// fileRecord is the on-disk form, e.g.
//
//	replica: 1
//	state: OPEN
//	sequence: 1
//	taken_at: 2026-01-01T00:00:00Z
type fileRecord struct {
	Replica  int       `yaml:"replica"`
	State    string    `yaml:"state"`
	Sequence uint64    `yaml:"sequence"`
	TakenAt  time.Time `yaml:"taken_at,omitempty"`
}

// FileStore keeps one human-readable file per replica in a directory.
type FileStore struct {
	dir string
}

func OpenFile(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty snapshot dir", seqerrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path is the file holding the record of a replica.
func (s *FileStore) Path(replica int) string {
	return filepath.Join(s.dir, fmt.Sprintf("replica-%d.snapshot", replica))
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := yaml.Marshal(fileRecord{
		Replica:  rec.Replica,
		State:    encodeState(rec),
		Sequence: rec.Sequence,
		TakenAt:  rec.TakenAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.Path(rec.Replica)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, replica int) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	path := s.Path(replica)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", seqerrors.ErrSnapshotNotFound, path)
		}
		return Record{}, fmt.Errorf("read snapshot: %w", err)
	}

	rec := Record{Replica: replica}

	// a bare value ("OPEN") carries no position
	trimmed := strings.TrimSpace(string(data))
	if !bytes.ContainsRune(data, ':') {
		if err := decodeState(&rec, strings.ToUpper(trimmed)); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	var fr fileRecord
	if err := yaml.Unmarshal(data, &fr); err != nil {
		return Record{}, fmt.Errorf("unmarshal snapshot %s: %w", path, err)
	}
	if err := decodeState(&rec, fr.State); err != nil {
		return Record{}, err
	}
	rec.Sequence = fr.Sequence
	rec.TakenAt = fr.TakenAt
	return rec, nil
}

func (s *FileStore) Close() error {
	return nil
}
