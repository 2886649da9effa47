// Package feed turns newline-delimited text commands into SendEvent calls.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"sequencer/pkg/listener"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/sequencer"

	"github.com/cenkalti/backoff/v5"
)

// Sender is the slice of the sequencer the feed drives.
type Sender interface {
	SendEvent(ctx context.Context, payload string) ([]sequencer.Result, error)
}

type Stats struct {
	Accepted uint64
	Failed   uint64
}

type Feed struct {
	sender   Sender
	workers  int
	maxTries uint
	interval time.Duration

	accepted atomic.Uint64
	failed   atomic.Uint64
}

type Option func(*Feed)

// WithWorkers sets how many commands are in flight at once. Order between
// lines is only kept with a single worker.
func WithWorkers(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithRetry bounds how a full log is retried.
func WithRetry(maxTries uint, interval time.Duration) Option {
	return func(f *Feed) {
		f.maxTries = maxTries
		f.interval = interval
	}
}

func New(sender Sender, opts ...Option) *Feed {
	f := &Feed{
		sender:   sender,
		workers:  1,
		maxTries: 5,
		interval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run reads r until EOF or ctx ends, and returns once every read command has
// been handled. Blank lines and lines starting with '#' are ignored.
func (f *Feed) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	l := listener.New(lines, func(line string) error {
		return f.send(ctx, line)
	},
		listener.WithWorkers[string](f.workers),
		listener.WithErrorHandler(func(line string, err error) {
			f.failed.Add(1)
			slog.Error("feed command failed", "command", line, "error", err)
		}),
	)
	l.Start(ctx)

	scanErr := f.scan(ctx, r, lines)
	close(lines)
	<-l.Done()

	st := f.Stats()
	slog.Info("feed finished", "accepted", st.Accepted, "failed", st.Failed)
	return scanErr
}

func (f *Feed) scan(ctx context.Context, r io.Reader, out chan<- string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

// send retries only a full log: any later failure happens after the event
// was appended, and resending would append it twice.
func (f *Feed) send(ctx context.Context, line string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.interval

	_, err := backoff.Retry(ctx, func() ([]sequencer.Result, error) {
		res, err := f.sender.SendEvent(ctx, line)
		if err != nil && !errors.Is(err, seqerrors.ErrLogFull) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(f.maxTries))
	if err != nil {
		return err
	}

	f.accepted.Add(1)
	slog.Debug("feed command sent", "command", line)
	return nil
}

func (f *Feed) Stats() Stats {
	return Stats{Accepted: f.accepted.Load(), Failed: f.failed.Load()}
}
