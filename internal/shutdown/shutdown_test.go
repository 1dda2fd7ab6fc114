package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCoordinator_RunsHooksInPriorityOrder(t *testing.T) {
	c := New(time.Second, zerolog.Nop())

	var order []string
	c.Register("store", PriorityStore, func(context.Context) error {
		order = append(order, "store")
		return nil
	})
	c.Register("api", PriorityAPI, func(context.Context) error {
		order = append(order, "api")
		return nil
	})
	c.Register("batcher", PriorityBatcher, func(context.Context) error {
		order = append(order, "batcher")
		return nil
	})

	if err := c.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"api", "batcher", "store"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestCoordinator_FirstErrorReturned(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	first := errors.New("first")

	c.Register("a", 1, func(context.Context) error { return first })
	c.Register("b", 2, func(context.Context) error { return errors.New("second") })

	ran := false
	c.Register("c", 3, func(context.Context) error { ran = true; return nil })

	if err := c.Run(); err != first {
		t.Fatalf("expected first error, got %v", err)
	}
	if !ran {
		t.Fatal("later hooks must still run after an error")
	}
}

func TestCoordinator_DeadlineSkipsRemaining(t *testing.T) {
	c := New(20*time.Millisecond, zerolog.Nop())

	c.Register("slow", 1, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil
	})
	skipped := true
	c.Register("late", 2, func(context.Context) error {
		skipped = false
		return nil
	})

	err := c.Run()
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !skipped {
		t.Fatal("hook after the deadline must be skipped")
	}
}

func TestCoordinator_RunOnce(t *testing.T) {
	c := New(time.Second, zerolog.Nop())

	calls := 0
	c.Register("once", 1, func(context.Context) error { calls++; return nil })

	_ = c.Run()
	_ = c.Run()
	if calls != 1 {
		t.Fatalf("expected hooks to run once, ran %d times", calls)
	}
}
