// Package housekeeping sweeps the background chores: spent-nonce purge,
// artifact retention, and terminalizing runs whose deadline lapsed
// (crash recovery for workers that died mid-run).
package housekeeping

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/edgegate/edgegate/cmd/loops/recurring"
	"github.com/edgegate/edgegate/pkg/blobstore"
	noncedb "github.com/edgegate/edgegate/pkg/domain/nonce/db"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
)

type Deps struct {
	Runs   rundb.RunInterface
	Nonces noncedb.NonceInterface
	Store  *blobstore.Store

	Logger *log.Logger

	// Now is the clock; tests pin it.
	Now func() time.Time
}

type Cursor struct {
	ExpiredRuns    int
	PurgedNonces   int64
	ReapedArtifacts int
}

func Task(deps Deps) recurring.Task[Cursor] {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logf := func(format string, args ...any) {
		if deps.Logger != nil {
			deps.Logger.Printf(format, args...)
		}
	}

	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		worked := false

		expired, err := deps.Runs.TerminalizeExpired(ctx, now())
		if err != nil {
			if isShutdown(err) {
				return cursor, false, nil
			}
			return cursor, false, err
		}
		if 0 < len(expired) {
			worked = true
			cursor.ExpiredRuns += len(expired)
			logf("housekeeping: timed out %d runs: %v", len(expired), expired)
		}

		purged, err := deps.Nonces.PurgeExpired(ctx, now())
		if err != nil {
			if isShutdown(err) {
				return cursor, false, nil
			}
			return cursor, false, err
		}
		if 0 < purged {
			worked = true
			cursor.PurgedNonces += purged
		}

		reaped, err := deps.Store.ExpireOlderThan(ctx, now())
		if err != nil {
			if isShutdown(err) {
				return cursor, false, nil
			}
			return cursor, false, err
		}
		if 0 < reaped {
			worked = true
			cursor.ReapedArtifacts += reaped
			logf("housekeeping: reaped %d expired artifacts", reaped)
		}

		return cursor, worked, nil
	}
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
