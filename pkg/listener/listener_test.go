package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestListener_HandlesInputs(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, WithWorkers[int](4))
	l.Start(context.Background())

	for i := 1; i <= 100; i++ {
		in <- i
	}
	close(in)

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("workers did not exit after input was closed")
	}
	if sum.Load() != 5050 {
		t.Fatalf("expected sum 5050, got %d", sum.Load())
	}
}

func TestListener_WorkersRunInParallel(t *testing.T) {
	in := make(chan struct{})
	var (
		started sync.WaitGroup
		release = make(chan struct{})
	)
	started.Add(3)
	l := New(in, func(struct{}) error {
		started.Done()
		<-release
		return nil
	}, WithWorkers[struct{}](3))
	l.Start(context.Background())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		in <- struct{}{}
	}

	ok := make(chan struct{})
	go func() {
		started.Wait()
		close(ok)
	}()
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 3 handlers running at once")
	}
	close(release)
}

func TestListener_ErrorHandler(t *testing.T) {
	in := make(chan string, 1)
	errCh := make(chan error, 1)
	l := New(in, func(s string) error {
		return errors.New("bad " + s)
	}, WithErrorHandler(func(_ string, err error) {
		errCh <- err
	}))
	l.Start(context.Background())
	defer l.Stop()

	in <- "input"
	select {
	case err := <-errCh:
		if err.Error() != "bad input" {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error handler not called")
	}
}

func TestListener_Stop(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("listener not stopped")
	}
}
