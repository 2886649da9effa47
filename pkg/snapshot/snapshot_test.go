package snapshot

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sequencer/pkg/fsm"
	"sequencer/pkg/seqerrors"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sqliteStore, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{BackendFile: fileStore, BackendSQLite: sqliteStore}
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			taken := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			in := Record{Replica: 2, State: fsm.Open, Present: true, Sequence: 7, TakenAt: taken}
			if err := store.Save(ctx, in); err != nil {
				t.Fatalf("save failed: %v", err)
			}

			out, err := store.Load(ctx, 2)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if out.State != fsm.Open || !out.Present || out.Sequence != 7 || !out.TakenAt.Equal(taken) {
				t.Fatalf("unexpected record: %+v", out)
			}

			// overwrite
			in.State = fsm.Closed
			in.Sequence = 8
			if err := store.Save(ctx, in); err != nil {
				t.Fatalf("second save failed: %v", err)
			}
			out, _ = store.Load(ctx, 2)
			if out.State != fsm.Closed || out.Sequence != 8 {
				t.Fatalf("overwrite not visible: %+v", out)
			}
		})
	}
}

func TestStore_AbsentMarker(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(ctx, Record{Replica: 1, Present: false, Sequence: 3}); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			out, err := store.Load(ctx, 1)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if out.Present || out.State != "" {
				t.Fatalf("expected absent record, got %+v", out)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Load(ctx, 9); !errors.Is(err, seqerrors.ErrSnapshotNotFound) {
				t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
			}
		})
	}
}

func TestFileStore_HumanReadable(t *testing.T) {
	ctx := context.Background()
	store, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.Save(ctx, Record{Replica: 0, State: fsm.Open, Present: true}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	data, err := os.ReadFile(store.Path(0))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "state: OPEN") {
		t.Fatalf("expected readable state line, got:\n%s", data)
	}
}

func TestFileStore_BareValue(t *testing.T) {
	ctx := context.Background()
	store, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := os.WriteFile(store.Path(4), []byte("open\n"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rec, err := store.Load(ctx, 4)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if rec.State != fsm.Open || !rec.Present || rec.Sequence != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSQLiteStore_ConnectionPragmas(t *testing.T) {
	store, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	var journal string
	if err := store.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journal); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if !strings.EqualFold(journal, "wal") {
		t.Fatalf("expected journal_mode wal, got %q", journal)
	}

	var busy int
	if err := store.sqlDB.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("read busy_timeout: %v", err)
	}
	if busy != 5000 {
		t.Fatalf("expected busy_timeout 5000, got %d", busy)
	}

	var synchronous int
	if err := store.sqlDB.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("read synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL (2), got %d", synchronous)
	}
}

func TestSQLiteStore_WaitsForConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("open first store: %v", err)
	}
	defer first.Close()
	second, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	defer second.Close()

	tx, err := first.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO replica_snapshots (replica, state, sequence, taken_at) VALUES (0, 'OPEN', 1, 0)`); err != nil {
		_ = tx.Rollback()
		t.Fatalf("insert in tx: %v", err)
	}

	committed := make(chan error, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		committed <- tx.Commit()
	}()

	rec := Record{Replica: 1, State: fsm.Closed, Present: true, Sequence: 3, TakenAt: time.Now()}
	if err := second.Save(ctx, rec); err != nil {
		t.Fatalf("save during concurrent write: %v", err)
	}
	if err := <-committed; err != nil {
		t.Fatalf("commit: %v", err)
	}

	for _, replica := range []int{0, 1} {
		if _, err := second.Load(ctx, replica); err != nil {
			t.Fatalf("load replica %d: %v", replica, err)
		}
	}
}

func TestOpenerFor(t *testing.T) {
	if _, err := OpenerFor("tape"); !errors.Is(err, seqerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	open, err := OpenerFor(BackendSQLite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store, err := open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = store.Close()
}

// busyPublication rejects the first n offers.
type busyPublication struct {
	rejections atomic.Int32
	got        []byte
}

func (p *busyPublication) Offer(_ context.Context, data []byte) (int64, error) {
	if p.rejections.Add(-1) >= 0 {
		return -1, nil
	}
	p.got = data
	return int64(len(data)), nil
}

func TestPublish_RetriesUntilAccepted(t *testing.T) {
	pub := &busyPublication{}
	pub.rejections.Store(3)

	pos, err := Publish(context.Background(), pub, Record{Replica: 1, State: fsm.Closed, Present: true})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if pos != int64(len("CLOSED")) || string(pub.got) != "CLOSED" {
		t.Fatalf("unexpected publish result: pos=%d data=%q", pos, pub.got)
	}
}

func TestPublish_ContextCancelled(t *testing.T) {
	pub := NewChanPublication(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// fill the only slot
	if _, err := Publish(ctx, pub, Record{Replica: 0, State: fsm.Open, Present: true}); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if _, err := Publish(ctx, pub, Record{Replica: 0, State: fsm.Open, Present: true}); err == nil {
		t.Fatalf("expected publish to give up on a full publication")
	}
	if got := <-pub.C(); string(got) != "OPEN" {
		t.Fatalf("unexpected payload %q", got)
	}
}
