package runExecution

import (
	"context"
	"errors"

	"github.com/edgegate/edgegate/cmd/loops/recurring"
	"github.com/edgegate/edgegate/pkg/domain"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
)

// Cursor carries loop statistics between cycles.
type Cursor struct {
	Claimed int
}

// Task claims at most one run per cycle and drives it to a terminal
// status. Workspaces serialize through the claim; parallelism comes
// from running several loops.
func Task(irun rundb.RunInterface, executor *Executor) recurring.Task[Cursor] {
	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		run, claimed, err := irun.PickAndClaim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return cursor, false, nil
			}
			return cursor, false, err
		}
		if !claimed {
			return cursor, false, nil
		}

		cursor.Claimed += 1

		if err := executor.Execute(ctx, run); err != nil {
			// infrastructure trouble; the run record has whatever state
			// it reached and the deadline sweep will recover it.
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, domain.ErrInvalidRunStateChanging) {
				return cursor, true, nil
			}
			return cursor, true, err
		}
		return cursor, true, nil
	}
}
