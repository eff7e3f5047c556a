package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgegate/edgegate/pkg/loop"
)

func TestStartCountsToTen(t *testing.T) {
	value, err := loop.Start(
		context.Background(), 1,
		func(_ context.Context, value int) (int, loop.Next) {
			value += 1
			if 10 <= value {
				return value, loop.Break(nil)
			}
			return value, loop.Continue(0)
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if value != 10 {
		t.Errorf("value: actual=%d, expect=10", value)
	}
}

func TestStartBreaksWithError(t *testing.T) {
	boom := errors.New("boom")
	value, err := loop.Start(
		context.Background(), "start",
		func(_ context.Context, value string) (string, loop.Next) {
			return "stopped", loop.Break(boom)
		},
	)
	if !errors.Is(err, boom) {
		t.Errorf("err: actual=%v, expect=%v", err, boom)
	}
	if value != "stopped" {
		t.Errorf("value: actual=%s", value)
	}
}

func TestStartHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := loop.Start(ctx, 0, func(context.Context, int) (int, loop.Next) {
		calls++
		return 0, loop.Continue(0)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err: actual=%v", err)
	}
	if calls != 0 {
		t.Errorf("task should not run on a dead context; ran %d times", calls)
	}
}

func TestStartStopsDuringInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := loop.Start(ctx, 0, func(context.Context, int) (int, loop.Next) {
		return 0, loop.Continue(time.Hour)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err: actual=%v", err)
	}
	if time.Second < time.Since(started) {
		t.Error("cancel should interrupt the interval sleep")
	}
}
