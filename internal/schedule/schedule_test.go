package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunnerInvokesUntilCanceled(t *testing.T) {
	t.Parallel()

	var calls, failures atomic.Int32
	runner := NewRunner(zap.NewNop(),
		Task{Name: "count", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			calls.Add(1)
			return nil
		}},
		Task{Name: "fail", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failures.Add(1)
			return errors.New("boom")
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 && failures.Load() >= 3 },
		time.Second, 5*time.Millisecond, "failing tasks keep their schedule")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerImmediateAndPanics(t *testing.T) {
	t.Parallel()

	var immediate atomic.Bool
	var panics atomic.Int32
	runner := NewRunner(nil,
		Task{Name: "first", Interval: time.Hour, Immediate: true, Run: func(context.Context) error {
			immediate.Store(true)
			return nil
		}},
		Task{Name: "panic", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			panics.Add(1)
			panic("bad")
		}},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }},
	)
	require.Len(t, runner.tasks, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	require.Eventually(t, immediate.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return panics.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
