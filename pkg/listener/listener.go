package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener consumes a channel with a fixed number of workers.
type Listener[T any] struct {
	handler func(input T) error
	onError func(input T, err error)
	workers int

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	done   chan struct{}
}

type Option[T any] func(*Listener[T])

// WithWorkers sets how many inputs are handled in parallel.
func WithWorkers[T any](n int) Option[T] {
	return func(l *Listener[T]) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithErrorHandler replaces the default handler error logging.
func WithErrorHandler[T any](fn func(input T, err error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

func New[T any](in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		in:      in,
		handler: handler,
		workers: 1,
		cancel:  func() {},
		done:    make(chan struct{}),
		onError: func(_ T, err error) {
			slog.Error("listener handler failed", "error", err)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(l.workers)

	for i := 0; i < l.workers; i++ {
		go func() {
			defer l.wg.Done()
			for l.run(ctx) {
			}
		}()
	}

	go func() {
		l.wg.Wait()
		close(l.done)
	}()
}

func (l *Listener[T]) run(ctx context.Context) bool {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return false
		}
		if err := l.handler(inp); err != nil {
			l.onError(inp, err)
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Done is closed once every worker has exited.
func (l *Listener[T]) Done() <-chan struct{} {
	return l.done
}

// Stop cancels the workers and waits for in-progress handlers to return.
// Inputs still queued are left unread.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
