package sequencer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"sequencer/pkg/fsm"
	"sequencer/pkg/metrics"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/seqlog"
	"sequencer/pkg/snapshot"
)

func newTestSequencer(t *testing.T, replicas int, opts ...Option) *Sequencer {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Replicas = replicas
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create sequencer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustSend(t *testing.T, s *Sequencer, payload string) []Result {
	t.Helper()
	res, err := s.SendEvent(context.Background(), payload)
	if err != nil {
		t.Fatalf("SendEvent(%q) failed: %v", payload, err)
	}
	return res
}

func assertStates(t *testing.T, s *Sequencer, want ...fsm.State) {
	t.Helper()
	for i, info := range s.States() {
		if want[i] == "" {
			if info.Present {
				t.Fatalf("replica %d: expected absent, got %s", i, info.State)
			}
			continue
		}
		if !info.Present || info.State != want[i] {
			t.Fatalf("replica %d: expected %s, got %+v", i, want[i], info)
		}
	}
}

func TestNew_InvalidReplicaCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replicas = 0
	if _, err := New(cfg); !errors.Is(err, seqerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSendEvent_ReplicatesToggle(t *testing.T) {
	s := newTestSequencer(t, 3)
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)

	res := mustSend(t, s, "toggle")
	for _, r := range res {
		if !r.Applied || r.State != fsm.Open {
			t.Fatalf("expected OPEN on every replica, got %+v", res)
		}
	}

	mustSend(t, s, "TOGGLE")
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)

	for _, info := range s.States() {
		if info.Cursor != 2 {
			t.Fatalf("replica %d: expected cursor 2, got %d", info.Index, info.Cursor)
		}
	}
}

func TestSendEvent_Parity(t *testing.T) {
	for n := 0; n < 7; n++ {
		s := newTestSequencer(t, 2)
		for i := 0; i < n; i++ {
			mustSend(t, s, "toggle")
		}
		want := fsm.Closed
		if n%2 == 1 {
			want = fsm.Open
		}
		assertStates(t, s, want, want)
	}
}

func TestSendEvent_UnrecognizedEvent(t *testing.T) {
	s := newTestSequencer(t, 3)

	_, err := s.SendEvent(context.Background(), "unknown")
	if !errors.Is(err, seqerrors.ErrUnrecognizedEvent) {
		t.Fatalf("expected ErrUnrecognizedEvent, got %v", err)
	}
	if s.Log().Length() != 1 {
		t.Fatalf("rejected event must still be appended, log length %d", s.Log().Length())
	}
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)

	// rejected entry is consumed, replicas stay live
	res := mustSend(t, s, "toggle")
	for _, r := range res {
		if !r.Applied {
			t.Fatalf("replica %d skipped after rejected event", r.Replica)
		}
	}
	assertStates(t, s, fsm.Open, fsm.Open, fsm.Open)
}

// flakyMachine fails every Apply with err when set.
type flakyMachine struct {
	*fsm.Toggle
	err error
}

func (m *flakyMachine) Apply(event string) (fsm.State, error) {
	if m.err != nil {
		return m.Toggle.State(), m.err
	}
	return m.Toggle.Apply(event)
}

func failingOn(replica int, err error) fsm.Factory {
	return func(i int, initial fsm.State) fsm.Machine {
		m := &flakyMachine{Toggle: fsm.NewToggle(i, initial)}
		if i == replica {
			m.err = err
		}
		return m
	}
}

func TestSendEvent_PartialFailure(t *testing.T) {
	rejected := errors.Join(seqerrors.ErrUnrecognizedEvent, errors.New("replica 1 schema"))
	s := newTestSequencer(t, 3, WithMachineFactory(failingOn(1, rejected)))

	res, err := s.SendEvent(context.Background(), "toggle")
	if !errors.Is(err, seqerrors.ErrUnrecognizedEvent) {
		t.Fatalf("expected ErrUnrecognizedEvent, got %v", err)
	}
	if !strings.Contains(err.Error(), "replica 1") {
		t.Fatalf("error should name the failing replica: %v", err)
	}

	// replicas 0 and 2 completed and stay mutated
	if !res[0].Applied || !res[2].Applied || res[1].Applied {
		t.Fatalf("unexpected results: %+v", res)
	}
	assertStates(t, s, fsm.Open, fsm.Closed, fsm.Open)
}

func TestSendEvent_FailedReplicaFallsBehind(t *testing.T) {
	s := newTestSequencer(t, 3, WithMachineFactory(failingOn(2, errors.New("disk gone"))))

	if _, err := s.SendEvent(context.Background(), "toggle"); err == nil {
		t.Fatalf("expected failure from replica 2")
	}
	info, _ := s.Replica(2)
	if info.Cursor != 0 {
		t.Fatalf("failed apply must not advance cursor, got %d", info.Cursor)
	}

	// replica 2 is behind now and is no longer dispatched to
	res := mustSend(t, s, "toggle")
	if res[2].Applied {
		t.Fatalf("behind replica must be skipped: %+v", res)
	}
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)
}

func TestSendEvent_LogFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replicas = 2
	cfg.LogCapacity = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer s.Close()

	mustSend(t, s, "toggle")
	mustSend(t, s, "toggle")

	if _, err := s.SendEvent(context.Background(), "toggle"); !errors.Is(err, seqerrors.ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
	if s.Log().Length() != 2 {
		t.Fatalf("expected log length 2, got %d", s.Log().Length())
	}
	assertStates(t, s, fsm.Closed, fsm.Closed)
}

func TestSendEvent_ConcurrentSendersGapFree(t *testing.T) {
	s := newTestSequencer(t, 3)

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := s.SendEvent(context.Background(), "toggle"); err != nil {
					t.Errorf("SendEvent failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	const total = senders * perSender
	if s.Log().Length() != total {
		t.Fatalf("expected log length %d, got %d", total, s.Log().Length())
	}
	for _, info := range s.States() {
		if info.Cursor != total {
			t.Fatalf("replica %d left behind at %d", info.Index, info.Cursor)
		}
	}
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)
}

func TestSendEvent_Closed(t *testing.T) {
	s := newTestSequencer(t, 1)
	s.Close()
	if _, err := s.SendEvent(context.Background(), "toggle"); !errors.Is(err, seqerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFailReplica_OutOfRange(t *testing.T) {
	s := newTestSequencer(t, 3)
	for _, idx := range []int{-1, 3} {
		if err := s.FailReplica(idx); !errors.Is(err, seqerrors.ErrOutOfRange) {
			t.Fatalf("FailReplica(%d): expected ErrOutOfRange, got %v", idx, err)
		}
		if _, err := s.CatchupReplica(context.Background(), idx); !errors.Is(err, seqerrors.ErrOutOfRange) {
			t.Fatalf("CatchupReplica(%d): expected ErrOutOfRange, got %v", idx, err)
		}
		if err := s.RestoreReplicaFromSnapshot(context.Background(), idx, t.TempDir()); !errors.Is(err, seqerrors.ErrOutOfRange) {
			t.Fatalf("RestoreReplicaFromSnapshot(%d): expected ErrOutOfRange, got %v", idx, err)
		}
	}
}

func TestFailReplica_FreezesCursor(t *testing.T) {
	s := newTestSequencer(t, 2)
	mustSend(t, s, "toggle")
	if err := s.FailReplica(1); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	res := mustSend(t, s, "toggle")
	if res[1].Applied {
		t.Fatalf("absent replica must not be dispatched: %+v", res)
	}
	info, _ := s.Replica(1)
	if info.Present || info.Cursor != 1 {
		t.Fatalf("expected absent replica with cursor 1, got %+v", info)
	}
}

func TestFailureAndRecovery_Scenario(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSequencer(t, 3)

	mustSend(t, s, "toggle")
	assertStates(t, s, fsm.Open, fsm.Open, fsm.Open)

	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if err := s.FailReplica(1); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		res := mustSend(t, s, "toggle")
		if res[1].Applied {
			t.Fatalf("absent replica reported as applied")
		}
	}
	assertStates(t, s, fsm.Closed, "", fsm.Closed)

	if err := s.RestoreReplicaFromSnapshot(ctx, 1, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	info, _ := s.Replica(1)
	if !info.Present || info.State != fsm.Open || info.Cursor != 0 {
		t.Fatalf("expected restored OPEN with cursor 0, got %+v", info)
	}

	report, err := s.CatchupReplica(ctx, 1)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if !report.CaughtUp || report.Cursor != 6 || report.Applied != 5 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	assertStates(t, s, fsm.Closed, fsm.Closed, fsm.Closed)

	// the recovered replica is live again
	res := mustSend(t, s, "toggle")
	if !res[1].Applied || res[1].State != fsm.Open {
		t.Fatalf("recovered replica not dispatched: %+v", res)
	}
}

func TestRestore_MatchesNeverFailedReplica(t *testing.T) {
	ctx := context.Background()
	for before := 0; before < 4; before++ {
		for during := 0; during < 4; during++ {
			s := newTestSequencer(t, 2)
			dir := t.TempDir()

			for i := 0; i < before; i++ {
				mustSend(t, s, "toggle")
			}
			if err := s.SnapshotAll(ctx, dir); err != nil {
				t.Fatalf("snapshot failed: %v", err)
			}
			mustSend(t, s, "toggle")
			_ = s.FailReplica(1)
			for i := 0; i < during; i++ {
				mustSend(t, s, "toggle")
			}

			if err := s.RestoreReplicaFromSnapshot(ctx, 1, dir); err != nil {
				t.Fatalf("restore failed: %v", err)
			}
			if _, err := s.CatchupReplica(ctx, 1); err != nil {
				t.Fatalf("catch-up failed: %v", err)
			}

			states := s.States()
			if states[0].State != states[1].State {
				t.Fatalf("before=%d during=%d: replica 1 %s diverged from %s",
					before, during, states[1].State, states[0].State)
			}
		}
	}
}

func TestRestore_MissingSnapshotLeavesSlot(t *testing.T) {
	s := newTestSequencer(t, 3)
	mustSend(t, s, "toggle")
	_ = s.FailReplica(1)

	err := s.RestoreReplicaFromSnapshot(context.Background(), 1, t.TempDir())
	if !errors.Is(err, seqerrors.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	info, _ := s.Replica(1)
	if info.Present || info.Cursor != 1 {
		t.Fatalf("slot must be unchanged, got %+v", info)
	}
}

func TestRestore_AbsentRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSequencer(t, 2)

	_ = s.FailReplica(0)
	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if err := s.RestoreReplicaFromSnapshot(ctx, 0, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if info, _ := s.Replica(0); info.Present {
		t.Fatalf("replica restored from an absence record: %+v", info)
	}
}

func TestRestore_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	open, err := snapshot.OpenerFor(snapshot.BackendSQLite)
	if err != nil {
		t.Fatalf("opener: %v", err)
	}
	s := newTestSequencer(t, 2, WithSnapshotOpener(open))
	dir := t.TempDir()

	mustSend(t, s, "toggle")
	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	_ = s.FailReplica(0)
	mustSend(t, s, "toggle")
	mustSend(t, s, "toggle")

	if err := s.RestoreReplicaFromSnapshot(ctx, 0, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, err := s.CatchupReplica(ctx, 0); err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	assertStates(t, s, fsm.Open, fsm.Open)
}

func TestCatchup_AbsentReplica(t *testing.T) {
	s := newTestSequencer(t, 2)
	_ = s.FailReplica(1)
	if _, err := s.CatchupReplica(context.Background(), 1); !errors.Is(err, seqerrors.ErrReplicaUnavailable) {
		t.Fatalf("expected ErrReplicaUnavailable, got %v", err)
	}
}

func TestCatchup_ConcurrentWithSendEvent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSequencer(t, 3)

	mustSend(t, s, "toggle")
	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	for i := 0; i < 15; i++ {
		mustSend(t, s, "toggle")
	}
	_ = s.FailReplica(1)
	for i := 0; i < 30; i++ {
		mustSend(t, s, "toggle")
	}
	if info, _ := s.Replica(1); info.Present {
		t.Fatalf("replica 1 should still be down")
	}

	if err := s.RestoreReplicaFromSnapshot(ctx, 1, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.CatchupReplica(ctx, 1)
		done <- err
	}()
	for i := 0; i < 20; i++ {
		mustSend(t, s, "toggle")
	}
	if err := <-done; err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}

	// a single drain pass may finish behind; with writers stopped one more run converges
	report, err := s.CatchupReplica(ctx, 1)
	if err != nil || !report.CaughtUp {
		t.Fatalf("second catch-up: %+v, %v", report, err)
	}

	states := s.States()
	for _, info := range states {
		if !info.Present || info.State != states[0].State || info.Cursor != s.Log().Length() {
			t.Fatalf("replicas diverged: %+v", states)
		}
	}

	for i := 0; i < 100; i++ {
		res := mustSend(t, s, "toggle")
		for _, r := range res {
			if !r.Applied {
				t.Fatalf("replica %d not live after recovery", r.Replica)
			}
		}
	}
}

// hookLog runs onRead before every ReadAt, which only catch-up performs.
type hookLog struct {
	*seqlog.MemoryLog
	onRead func(seq uint64)
}

func (l *hookLog) ReadAt(ctx context.Context, seq uint64) (string, error) {
	if l.onRead != nil {
		l.onRead(seq)
	}
	return l.MemoryLog.ReadAt(ctx, seq)
}

// laggingReplica prepares replica 1 restored at cursor 0 with five log entries.
func laggingReplica(t *testing.T, drainPasses int) (*Sequencer, *hookLog) {
	t.Helper()
	ctx := context.Background()

	hl := &hookLog{MemoryLog: seqlog.NewMemoryLog(0)}
	cfg := DefaultConfig()
	cfg.Replicas = 2
	cfg.DrainPasses = drainPasses
	s, err := New(cfg, WithLog(hl))
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	t.Cleanup(s.Close)

	dir := t.TempDir()
	mustSend(t, s, "toggle")
	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	_ = s.FailReplica(1)
	for i := 0; i < 4; i++ {
		mustSend(t, s, "toggle")
	}
	if err := s.RestoreReplicaFromSnapshot(ctx, 1, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	return s, hl
}

func TestCatchup_SingleDrainPassMayEndBehind(t *testing.T) {
	s, hl := laggingReplica(t, 1)

	// every replayed entry is chased by a new one
	hl.onRead = func(uint64) {
		if _, err := s.SendEvent(context.Background(), "toggle"); err != nil {
			t.Errorf("SendEvent failed: %v", err)
		}
	}

	report, err := s.CatchupReplica(context.Background(), 1)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if report.CaughtUp || report.Passes != 2 {
		t.Fatalf("expected two passes ending behind, got %+v", report)
	}
	if report.Cursor != 9 || report.Head != 13 {
		t.Fatalf("unexpected cursor/head: %+v", report)
	}

	hl.onRead = nil
	report, err = s.CatchupReplica(context.Background(), 1)
	if err != nil || !report.CaughtUp {
		t.Fatalf("final catch-up: %+v, %v", report, err)
	}
	states := s.States()
	if states[0].State != states[1].State {
		t.Fatalf("replicas diverged: %+v", states)
	}
}

func TestCatchup_BoundedDrainConverges(t *testing.T) {
	s, hl := laggingReplica(t, 10)

	var appended int
	hl.onRead = func(uint64) {
		if appended >= 6 {
			return
		}
		appended++
		if _, err := s.SendEvent(context.Background(), "toggle"); err != nil {
			t.Errorf("SendEvent failed: %v", err)
		}
	}

	report, err := s.CatchupReplica(context.Background(), 1)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if !report.CaughtUp || report.Passes != 3 || report.Cursor != 11 {
		t.Fatalf("expected convergence after three passes, got %+v", report)
	}
	states := s.States()
	if states[0].State != states[1].State {
		t.Fatalf("replicas diverged: %+v", states)
	}
}

func TestCatchup_ReplicaFailsMidway(t *testing.T) {
	s, hl := laggingReplica(t, 1)
	hl.onRead = func(seq uint64) {
		if seq == 3 {
			_ = s.FailReplica(1)
		}
	}

	_, err := s.CatchupReplica(context.Background(), 1)
	if !errors.Is(err, seqerrors.ErrReplicaUnavailable) {
		t.Fatalf("expected ErrReplicaUnavailable, got %v", err)
	}
	if info, _ := s.Replica(1); info.Present || info.Cursor != 3 {
		t.Fatalf("expected absent replica frozen at 3, got %+v", info)
	}
}

func TestCatchup_SequencerClosedMidway(t *testing.T) {
	s, hl := laggingReplica(t, 1)
	hl.onRead = func(seq uint64) {
		if seq == 3 {
			s.Close()
		}
	}

	_, err := s.CatchupReplica(context.Background(), 1)
	if !errors.Is(err, seqerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if errors.Is(err, seqerrors.ErrReplicaUnavailable) {
		t.Fatalf("closing is not a replica failure: %v", err)
	}
	if info, _ := s.Replica(1); !info.Present || info.Cursor != 4 {
		t.Fatalf("expected present replica stopped at 4, got %+v", info)
	}

	if _, err := s.CatchupReplica(context.Background(), 1); !errors.Is(err, seqerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestCatchup_SkipsRejectedEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSequencer(t, 2)

	if err := s.SnapshotAll(ctx, dir); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	_ = s.FailReplica(1)
	mustSend(t, s, "toggle")
	if _, err := s.SendEvent(ctx, "bogus"); !errors.Is(err, seqerrors.ErrUnrecognizedEvent) {
		t.Fatalf("expected ErrUnrecognizedEvent, got %v", err)
	}
	mustSend(t, s, "toggle")
	mustSend(t, s, "toggle")

	if err := s.RestoreReplicaFromSnapshot(ctx, 1, dir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	report, err := s.CatchupReplica(ctx, 1)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if report.Applied != 3 || report.Skipped != 1 || !report.CaughtUp {
		t.Fatalf("unexpected report: %+v", report)
	}
	assertStates(t, s, fsm.Open, fsm.Open)
}

func TestOfferSnapshot(t *testing.T) {
	s := newTestSequencer(t, 2)
	mustSend(t, s, "toggle")
	_ = s.FailReplica(1)

	pub := snapshot.NewChanPublication(2)
	if _, err := s.OfferSnapshot(context.Background(), 0, pub); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if _, err := s.OfferSnapshot(context.Background(), 1, pub); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if got := string(<-pub.C()); got != "OPEN" {
		t.Fatalf("expected OPEN, got %q", got)
	}
	if got := string(<-pub.C()); got != snapshot.AbsentMarker {
		t.Fatalf("expected absence marker, got %q", got)
	}
}

type recordingCollector struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (c *recordingCollector) IncCounter(name string, _ map[string]string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}
func (c *recordingCollector) SetGauge(string, map[string]string, float64)         {}
func (c *recordingCollector) ObserveHistogram(string, map[string]string, float64) {}

func TestMetrics_Recorded(t *testing.T) {
	rc := &recordingCollector{counters: make(map[string]float64)}
	s := newTestSequencer(t, 3, WithMetrics(rc))

	mustSend(t, s, "toggle")
	_ = s.FailReplica(2)
	mustSend(t, s, "toggle")
	_, _ = s.SendEvent(context.Background(), "nope")

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.counters[metrics.EventsAppended] != 3 {
		t.Fatalf("expected 3 appends, got %v", rc.counters[metrics.EventsAppended])
	}
	if rc.counters[metrics.EventsDispatched] != 7 {
		t.Fatalf("expected 7 dispatches, got %v", rc.counters[metrics.EventsDispatched])
	}
	if rc.counters[metrics.ReplicaFailures] != 1 || rc.counters[metrics.EventsRejected] != 1 {
		t.Fatalf("unexpected counters: %v", rc.counters)
	}
}
