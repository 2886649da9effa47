// Package sequencer replicates a sequenced event log onto a fixed set of
// state machine replicas and recovers failed replicas from snapshots.
//
// A single mutex guards the log head, replica cursors, presence and in-flight
// claims. Machines are never applied while that mutex is held: a slot is
// claimed (busy) under the lock, applied outside it, and released under the
// lock again. The claim is what keeps live dispatch and catch-up from
// applying the same sequence twice.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"sequencer/pkg/fsm"
	"sequencer/pkg/listener"
	"sequencer/pkg/metrics"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/seqlog"
	"sequencer/pkg/snapshot"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sequencer/pkg/sequencer")

// Config sizes a Sequencer.
type Config struct {
	Replicas     int
	InitialState fsm.State
	// DrainPasses bounds how many times catch-up re-reads the log head after
	// its primary replay. 1 matches the reference behavior.
	DrainPasses int
	// LogCapacity sizes the default in-memory log.
	LogCapacity int
}

func DefaultConfig() Config {
	return Config{
		Replicas:     3,
		InitialState: fsm.Closed,
		DrainPasses:  1,
		LogCapacity:  seqlog.DefaultCapacity,
	}
}

type Option func(*Sequencer)

// WithLog replaces the in-memory log.
func WithLog(l seqlog.Log) Option {
	return func(s *Sequencer) { s.log = l }
}

func WithMachineFactory(f fsm.Factory) Option {
	return func(s *Sequencer) { s.newMachine = f }
}

func WithSnapshotOpener(o snapshot.Opener) Option {
	return func(s *Sequencer) { s.openSnapshots = o }
}

func WithMetrics(c metrics.Collector) Option {
	return func(s *Sequencer) { s.metrics = c }
}

// Result is the outcome of one replica for one dispatched event.
type Result struct {
	Replica int
	State   fsm.State
	// Applied is false for replicas that were absent, behind or failed.
	Applied bool
}

// ReplicaInfo is a point-in-time view of a replica slot.
type ReplicaInfo struct {
	Index   int
	Present bool
	State   fsm.State
	Cursor  uint64
}

type slot struct {
	index   int
	machine fsm.Machine // nil while the replica is failed
	cursor  uint64      // next sequence to apply
	busy    bool        // machine is being applied outside the lock
	gen     uint64      // bumped on fail/restore
	// entries below watermark are already reflected in a restored value
	watermark uint64
}

type task struct {
	run func()
}

// Sequencer coordinates the log and the replica set.
type Sequencer struct {
	cfg Config

	mu     sync.Mutex
	cond   *sync.Cond
	slots  []*slot
	log    seqlog.Log
	closed bool

	// sendMu orders live dispatch so concurrent senders never leave a replica
	// behind a sequence that is still being applied.
	sendMu sync.Mutex

	newMachine    fsm.Factory
	openSnapshots snapshot.Opener
	metrics       metrics.Collector

	tasks     chan task
	pool      *listener.Listener[task]
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) (*Sequencer, error) {
	if cfg.Replicas < 1 {
		return nil, fmt.Errorf("%w: replica count must be >= 1, got %d", seqerrors.ErrInvalidArgument, cfg.Replicas)
	}
	if cfg.InitialState == "" {
		cfg.InitialState = fsm.Closed
	}
	if !cfg.InitialState.Valid() {
		return nil, fmt.Errorf("%w: initial state %q", seqerrors.ErrInvalidArgument, cfg.InitialState)
	}
	if cfg.DrainPasses < 0 {
		cfg.DrainPasses = 0
	}

	s := &Sequencer{
		cfg:        cfg,
		newMachine: fsm.ToggleFactory,
		metrics:    metrics.Nop(),
		tasks:      make(chan task),
	}
	s.openSnapshots = func(dir string) (snapshot.Store, error) { return snapshot.OpenFile(dir) }
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = seqlog.NewMemoryLog(cfg.LogCapacity)
	}
	s.cond = sync.NewCond(&s.mu)

	s.slots = make([]*slot, cfg.Replicas)
	for i := range s.slots {
		s.slots[i] = &slot{
			index:   i,
			machine: s.newMachine(i, cfg.InitialState),
		}
	}

	// bounded pool sized to the replica count
	s.pool = listener.New(s.tasks, func(t task) error {
		t.run()
		return nil
	}, listener.WithWorkers[task](cfg.Replicas))
	s.pool.Start(context.Background())

	slog.Info("sequencer started", "replicas", cfg.Replicas, "initial_state", cfg.InitialState, "log_length", s.log.Length())
	return s, nil
}

func (s *Sequencer) ReplicaCount() int {
	return len(s.slots)
}

// Log exposes the underlying sequenced log.
func (s *Sequencer) Log() seqlog.Log {
	return s.log
}

// States reports every replica slot in index order.
func (s *Sequencer) States() []ReplicaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ReplicaInfo, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.info()
	}
	return out
}

func (s *Sequencer) Replica(index int) (ReplicaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slotLocked(index)
	if err != nil {
		return ReplicaInfo{}, err
	}
	return sl.info(), nil
}

// FailReplica drops the replica's machine; its cursor stays where it was.
func (s *Sequencer) FailReplica(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slotLocked(index)
	if err != nil {
		return err
	}
	if sl.machine == nil {
		slog.Info("replica already failed", "replica", index)
		return nil
	}

	sl.machine = nil
	sl.busy = false
	sl.gen++
	s.cond.Broadcast()

	s.metrics.IncCounter(metrics.ReplicaFailures, replicaLabel(index), 1)
	slog.Warn("replica failed", "replica", index, "cursor", sl.cursor)
	return nil
}

// Close stops accepting work. Queued dispatch tasks are abandoned.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()

		s.pool.Stop()
		slog.Info("sequencer stopped", "log_length", s.log.Length())
	})
}

func (s *Sequencer) slotLocked(index int) (*slot, error) {
	if index < 0 || index >= len(s.slots) {
		return nil, fmt.Errorf("%w: replica index %d, have %d replicas", seqerrors.ErrOutOfRange, index, len(s.slots))
	}
	return s.slots[index], nil
}

// release ends a claim taken at generation gen. It reports false when the
// slot was failed or restored in the meantime, in which case nothing changes.
func (s *Sequencer) release(sl *slot, gen, seq uint64, advance bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl.gen != gen {
		return false
	}
	sl.busy = false
	if advance {
		sl.cursor = seq + 1
	}
	s.cond.Broadcast()
	return true
}

// waitIdleLocked blocks until the slot has no claim or its generation moved.
func (s *Sequencer) waitIdleLocked(sl *slot, gen uint64) {
	for sl.busy && sl.gen == gen && !s.closed {
		s.cond.Wait()
	}
}

func (s *Sequencer) submit(ctx context.Context, t task) error {
	select {
	case s.tasks <- t:
		return nil
	case <-s.pool.Done():
		return seqerrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sl *slot) info() ReplicaInfo {
	info := ReplicaInfo{Index: sl.index, Cursor: sl.cursor}
	if sl.machine != nil {
		info.Present = true
		info.State = sl.machine.State()
	}
	return info
}

func replicaLabel(index int) map[string]string {
	return map[string]string{"replica": strconv.Itoa(index)}
}
