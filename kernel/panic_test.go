package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPanic(t *testing.T) {
	defer func() {
		haltFn = func(err *Error) { panic(err) }
	}()

	var halted *Error
	haltFn = func(err *Error) { halted = err }

	t.Run("with error", func(t *testing.T) {
		halted = nil
		err := &Error{Module: "test", Message: "panic test"}
		Panic(err)
		if halted != err {
			t.Fatalf("expected halt with %v; got %v", err, halted)
		}
	})

	t.Run("without error", func(t *testing.T) {
		halted = nil
		Panic(nil)
		if halted != errUnknown {
			t.Fatalf("expected halt with %v; got %v", errUnknown, halted)
		}
	})
}

func TestPanicDefaultHalt(t *testing.T) {
	err := &Error{Module: "test", Message: "halt"}
	defer func() {
		if got := recover(); got != err {
			t.Fatalf("expected panic value %v; got %v", err, got)
		}
	}()
	Panic(err)
	t.Fatal("Panic returned")
}

func TestErrorString(t *testing.T) {
	specs := []struct {
		err  *Error
		want string
	}{
		{&Error{Module: "kalloc", Message: "release: frame already free"}, "kalloc: release: frame already free"},
		{&Error{Message: "no module"}, "no module"},
	}
	for _, spec := range specs {
		if got := spec.err.Error(); got != spec.want {
			t.Errorf("expected %q; got %q", spec.want, got)
		}
	}
}

func TestSleepWakeup(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	ready := false

	go func() {
		mu.Lock()
		ready = true
		cond.Broadcast()
		mu.Unlock()
	}()

	mu.Lock()
	defer mu.Unlock()
	for !ready {
		if err := Sleep(context.Background(), cond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		for {
			if err := Sleep(ctx, cond); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled; got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sleeper was not woken by cancellation")
	}
}

func TestSleepAlreadyCancelled(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if err := Sleep(ctx, cond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled; got %v", err)
	}
}
