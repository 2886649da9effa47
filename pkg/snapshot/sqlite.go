package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sequencer/pkg/seqerrors"

	_ "modernc.org/sqlite"
)

const sqliteFile = "snapshots.db"

// applied by the driver to every pooled connection
const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS replica_snapshots (
	replica  INTEGER PRIMARY KEY,
	state    TEXT    NOT NULL,
	sequence INTEGER NOT NULL,
	taken_at INTEGER NOT NULL
)`

// SQLiteStore keeps all replica records in one database inside the directory.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func OpenSQLite(dir string) (*SQLiteStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty snapshot dir", seqerrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	dsn := filepath.Join(dir, sqliteFile) + sqlitePragmas
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO replica_snapshots (replica, state, sequence, taken_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(replica) DO UPDATE SET
		   state = excluded.state,
		   sequence = excluded.sequence,
		   taken_at = excluded.taken_at`,
		rec.Replica,
		encodeState(rec),
		int64(rec.Sequence),
		rec.TakenAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save replica %d snapshot: %w", rec.Replica, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, replica int) (Record, error) {
	var (
		state   string
		seq     int64
		takenAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT state, sequence, taken_at FROM replica_snapshots WHERE replica = ?`,
		replica,
	).Scan(&state, &seq, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: replica %d", seqerrors.ErrSnapshotNotFound, replica)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load replica %d snapshot: %w", replica, err)
	}

	rec := Record{
		Replica:  replica,
		Sequence: uint64(seq),
		TakenAt:  time.UnixMilli(takenAt).UTC(),
	}
	if err := decodeState(&rec, state); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
