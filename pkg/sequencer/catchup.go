package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sequencer/pkg/metrics"
	"sequencer/pkg/seqerrors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CatchupReport summarizes one CatchupReplica run.
type CatchupReport struct {
	Replica int
	From    uint64 // cursor when catch-up started
	Cursor  uint64 // cursor when catch-up finished
	Head    uint64 // log length observed by the last head check
	Applied int
	// Skipped counts entries walked without changing the value: entries
	// already covered by a restored snapshot and rejected events.
	Skipped  int
	Passes   int
	CaughtUp bool
}

// CatchupReplica replays the entries between the replica cursor and the log
// head, strictly in sequence order, while SendEvent keeps appending.
//
// After the primary replay the head is re-read and the newly arrived range is
// replayed once more (a drain pass). Config.DrainPasses bounds the number of
// drain passes, so under sustained writes the replica may finish still behind
// the head; CaughtUp reports whether it did. Once its cursor reaches the head
// the replica receives new events through live dispatch.
func (s *Sequencer) CatchupReplica(ctx context.Context, index int) (CatchupReport, error) {
	ctx, span := tracer.Start(ctx, "Sequencer.CatchupReplica")
	defer span.End()
	spanReplica(span, index)

	report := CatchupReport{Replica: index}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return report, seqerrors.ErrClosed
	}
	sl, err := s.slotLocked(index)
	if err != nil {
		s.mu.Unlock()
		return report, err
	}
	if sl.machine == nil {
		s.mu.Unlock()
		return report, fmt.Errorf("%w: replica %d is absent", seqerrors.ErrReplicaUnavailable, index)
	}
	gen := sl.gen
	start, target := sl.cursor, s.log.Length()
	s.mu.Unlock()

	report.From = start
	slog.Info("catch-up started", "replica", index, "cursor", start, "head", target)

	for pass := 0; ; pass++ {
		report.Passes++
		if err := s.replay(ctx, sl, gen, start, target, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay failed")
			return report, err
		}

		s.mu.Lock()
		if sl.gen != gen {
			s.mu.Unlock()
			return report, fmt.Errorf("%w: replica %d replaced during catch-up", seqerrors.ErrReplicaUnavailable, index)
		}
		start, target = sl.cursor, s.log.Length()
		s.mu.Unlock()

		if start >= target || pass >= s.cfg.DrainPasses {
			break
		}
		slog.Debug("catch-up drain pass", "replica", index, "cursor", start, "head", target)
	}

	report.Cursor, report.Head = start, target
	report.CaughtUp = start >= target

	span.SetAttributes(
		attribute.Int("applied", report.Applied),
		attribute.Int("passes", report.Passes),
		attribute.Bool("caught_up", report.CaughtUp),
	)
	s.metrics.SetGauge(metrics.CatchupLag, replicaLabel(index), float64(target-start))

	if report.CaughtUp {
		slog.Info("catch-up finished", "replica", index, "cursor", start, "applied", report.Applied, "skipped", report.Skipped)
	} else {
		slog.Warn("catch-up finished behind head", "replica", index, "cursor", start, "head", target, "passes", report.Passes)
	}
	return report, nil
}

// replay applies [from, to) to the slot one entry at a time. Each entry is
// claimed under the lock so live dispatch cannot apply it concurrently; if
// dispatch already moved the cursor past an entry it is not applied again.
func (s *Sequencer) replay(ctx context.Context, sl *slot, gen, from, to uint64, report *CatchupReport) error {
	labels := replicaLabel(sl.index)
	skipped := 0

	for seq := from; seq < to; {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		s.waitIdleLocked(sl, gen)
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("%w: catch-up of replica %d interrupted", seqerrors.ErrClosed, sl.index)
		}
		if sl.gen != gen || sl.machine == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: replica %d failed during catch-up", seqerrors.ErrReplicaUnavailable, sl.index)
		}
		if sl.cursor != seq {
			seq = sl.cursor
			s.mu.Unlock()
			continue
		}
		covered := seq < sl.watermark
		m := sl.machine
		sl.busy = true
		s.mu.Unlock()

		var applyErr error
		if !covered {
			payload, err := s.log.ReadAt(ctx, seq)
			if err != nil {
				s.release(sl, gen, seq, false)
				return fmt.Errorf("catch-up read %d: %w", seq, err)
			}
			_, applyErr = m.Apply(payload)
		}

		rejected := errors.Is(applyErr, seqerrors.ErrUnrecognizedEvent)
		if !s.release(sl, gen, seq, applyErr == nil || rejected) {
			return fmt.Errorf("%w: replica %d replaced during catch-up", seqerrors.ErrReplicaUnavailable, sl.index)
		}

		switch {
		case covered:
			skipped++
		case rejected:
			skipped++
			slog.Warn("catch-up skipped rejected entry", "replica", sl.index, "seq", seq, "error", applyErr)
		case applyErr != nil:
			return fmt.Errorf("catch-up apply %d on replica %d: %w", seq, sl.index, applyErr)
		default:
			report.Applied++
			s.metrics.IncCounter(metrics.CatchupApplied, labels, 1)
		}
		seq++
	}

	report.Skipped += skipped
	if skipped > 0 {
		s.metrics.IncCounter(metrics.CatchupSkipped, labels, float64(skipped))
	}
	return nil
}
