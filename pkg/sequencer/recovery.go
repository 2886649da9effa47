package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sequencer/pkg/metrics"
	"sequencer/pkg/snapshot"

	"go.opentelemetry.io/otel/codes"
)

// SnapshotAll writes one record per replica into dir: the current value, or
// the absence marker for a failed replica. Each record also carries the
// replica cursor so a restore knows which entries the value already covers.
func (s *Sequencer) SnapshotAll(ctx context.Context, dir string) error {
	ctx, span := tracer.Start(ctx, "Sequencer.SnapshotAll")
	defer span.End()

	store, err := s.openSnapshots(dir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	now := time.Now().UTC()

	s.mu.Lock()
	records := make([]snapshot.Record, len(s.slots))
	for i, sl := range s.slots {
		// value and cursor must come from the same quiescent point
		s.waitIdleLocked(sl, sl.gen)
		records[i] = sl.record(now)
	}
	s.mu.Unlock()

	for _, rec := range records {
		if err := store.Save(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "save failed")
			return fmt.Errorf("snapshot replica %d: %w", rec.Replica, err)
		}
	}

	slog.Info("snapshot taken", "dir", dir, "replicas", len(records))
	return nil
}

// RestoreReplicaFromSnapshot installs a fresh machine holding the snapshotted
// value and resets the replica cursor to 0, so the next catch-up walks the
// whole log. Entries below the snapshot sequence are walked without being
// re-applied. An absence record leaves the slot untouched; a missing record
// fails with seqerrors.ErrSnapshotNotFound and also leaves it untouched.
func (s *Sequencer) RestoreReplicaFromSnapshot(ctx context.Context, index int, dir string) error {
	ctx, span := tracer.Start(ctx, "Sequencer.RestoreReplicaFromSnapshot")
	defer span.End()
	spanReplica(span, index)

	if _, err := s.Replica(index); err != nil {
		return err
	}

	store, err := s.openSnapshots(dir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	rec, err := store.Load(ctx, index)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("restore replica %d: %w", index, err)
	}
	if !rec.Present {
		slog.Info("snapshot marks replica absent, slot unchanged", "replica", index)
		return nil
	}

	m := s.newMachine(index, s.cfg.InitialState)
	m.SetState(rec.State)

	s.mu.Lock()
	sl := s.slots[index]
	sl.machine = m
	sl.cursor = 0
	sl.watermark = min(rec.Sequence, s.log.Length())
	sl.busy = false
	sl.gen++
	s.cond.Broadcast()
	watermark := sl.watermark
	s.mu.Unlock()

	s.metrics.IncCounter(metrics.ReplicaRestores, replicaLabel(index), 1)
	slog.Info("replica restored from snapshot", "replica", index, "state", rec.State, "snapshot_seq", watermark)
	return nil
}

// OfferSnapshot publishes the replica's current value, retrying until the
// publication accepts it.
func (s *Sequencer) OfferSnapshot(ctx context.Context, index int, pub snapshot.Publication) (int64, error) {
	s.mu.Lock()
	sl, err := s.slotLocked(index)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.waitIdleLocked(sl, sl.gen)
	rec := sl.record(time.Now().UTC())
	s.mu.Unlock()

	return snapshot.Publish(ctx, pub, rec)
}

func (sl *slot) record(now time.Time) snapshot.Record {
	// a restored value already covers everything below the watermark
	rec := snapshot.Record{Replica: sl.index, Sequence: max(sl.cursor, sl.watermark), TakenAt: now}
	if sl.machine != nil {
		rec.Present = true
		rec.State = sl.machine.State()
	}
	return rec
}
