package recurring

import (
	"context"

	"github.com/edgegate/edgegate/pkg/loop"
)

// Task is one cycle of a recurring worker loop.
//
// Return:
//
// - T : cursor/statistics threaded between cycles.
//
// - bool : true when this cycle did something and more backlog may
// exist (loop again soon); false when idle.
//
// - error : breaks the loop, as loop.Break(err).
type Task[T any] func(context.Context, T) (T, bool, error)

// Applied binds a policy deciding the next interval from (did-work, err).
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		next, ok, err := rt(ctx, t)
		return next, p.Next(ok, err)
	}
}
