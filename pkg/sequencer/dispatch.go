package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sequencer/pkg/fsm"
	"sequencer/pkg/metrics"
	"sequencer/pkg/seqerrors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type claim struct {
	slot    *slot
	machine fsm.Machine
	gen     uint64
}

type outcome struct {
	replica int
	state   fsm.State
	err     error
}

// SendEvent appends payload to the log and applies it in parallel to every
// present replica whose cursor equals the new sequence. Replicas that are
// absent or behind are reported with Applied == false and must catch up.
//
// When a replica rejects the event, the first failure in replica order is
// returned together with the results: replicas that applied it successfully
// stay mutated. The log keeps the appended entry either way.
func (s *Sequencer) SendEvent(ctx context.Context, payload string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Sequencer.SendEvent")
	defer span.End()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, seqerrors.ErrClosed
	}
	seq, err := s.log.Append(ctx, payload)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, seqerrors.ErrLogFull) {
			s.metrics.IncCounter(metrics.LogFull, nil, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("append event: %w", err)
	}

	claims := make([]claim, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.machine != nil && !sl.busy && sl.cursor == seq {
			sl.busy = true
			claims = append(claims, claim{slot: sl, machine: sl.machine, gen: sl.gen})
		}
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("sequence", int64(seq)), attribute.Int("eligible", len(claims)))
	s.metrics.IncCounter(metrics.EventsAppended, nil, 1)
	s.metrics.SetGauge(metrics.LogLength, nil, float64(seq+1))

	outcomes := make(chan outcome, len(claims))
	for _, c := range claims {
		err := s.submit(ctx, task{run: func() {
			s.apply(c, seq, payload, outcomes)
		}})
		if err != nil {
			s.release(c.slot, c.gen, seq, false)
			outcomes <- outcome{replica: c.slot.index, err: err}
		}
	}

	results := make([]Result, len(s.slots))
	for i := range results {
		results[i].Replica = i
	}
	failures := make([]error, len(s.slots))

	for range claims {
		select {
		case o := <-outcomes:
			if o.err != nil {
				failures[o.replica] = o.err
				continue
			}
			results[o.replica].State = o.state
			results[o.replica].Applied = true
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	s.metrics.IncCounter(metrics.EventsDispatched, nil, float64(len(claims)))
	s.metrics.ObserveHistogram(metrics.DispatchSeconds, nil, time.Since(start).Seconds())

	for i, err := range failures {
		if err == nil {
			continue
		}
		if errors.Is(err, seqerrors.ErrUnrecognizedEvent) {
			s.metrics.IncCounter(metrics.EventsRejected, replicaLabel(i), 1)
		}
		err = fmt.Errorf("replica %d sequence %d: %w", i, seq, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return results, err
	}

	slog.Debug("event dispatched", "seq", seq, "payload", payload, "replicas", len(claims))
	return results, nil
}

// apply runs on a pool worker. A rejected event is deterministic for every
// replica, so the cursor still moves past it.
func (s *Sequencer) apply(c claim, seq uint64, payload string, out chan<- outcome) {
	st, err := c.machine.Apply(payload)
	advance := err == nil || errors.Is(err, seqerrors.ErrUnrecognizedEvent)

	if !s.release(c.slot, c.gen, seq, advance) && err == nil {
		err = fmt.Errorf("%w: replica %d replaced during dispatch", seqerrors.ErrReplicaUnavailable, c.slot.index)
	}
	if err != nil {
		slog.Warn("replica rejected event", "replica", c.slot.index, "seq", seq, "payload", payload, "error", err)
	}
	out <- outcome{replica: c.slot.index, state: st, err: err}
}

// spanReplica tags the current span with a replica index.
func spanReplica(span trace.Span, index int) {
	span.SetAttributes(attribute.Int("replica", index))
}
