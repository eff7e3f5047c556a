package housekeeping_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/edgegate/edgegate/cmd/loops/tasks/housekeeping"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	runmock "github.com/edgegate/edgegate/pkg/domain/run/db/mock"
)

type nonceFake struct {
	purged int64
}

func (f *nonceFake) Spend(context.Context, domain.CINonce) error {
	return errors.New("not used")
}

func (f *nonceFake) PurgeExpired(context.Context, time.Time) (int64, error) {
	n := f.purged
	f.purged = 0
	return n, nil
}

type emptyObjects struct{}

func (emptyObjects) Put(context.Context, string, io.Reader, int64) error { return nil }
func (emptyObjects) Get(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (emptyObjects) Copy(context.Context, string, string) error { return nil }
func (emptyObjects) Remove(context.Context, string) error       { return nil }

type emptyRegistry struct{}

func (emptyRegistry) Create(_ context.Context, a domain.Artifact) (domain.Artifact, error) {
	return a, nil
}
func (emptyRegistry) Get(context.Context, string, string) (domain.Artifact, error) {
	return domain.Artifact{}, domain.ErrMissing
}
func (emptyRegistry) LookupBySha(context.Context, string, string) (domain.Artifact, error) {
	return domain.Artifact{}, domain.ErrMissing
}
func (emptyRegistry) ListExpired(context.Context, time.Time) ([]domain.Artifact, error) {
	return nil, nil
}
func (emptyRegistry) Tombstone(context.Context, string) error { return nil }

func TestTask(t *testing.T) {
	type When struct {
		expiredRuns  []string
		purgedNonces int64
	}
	type Then struct {
		worked bool
		cursor housekeeping.Cursor
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			runs := runmock.NewRunInterface()
			runs.Impl.TerminalizeExpired = func(context.Context, time.Time) ([]string, error) {
				return when.expiredRuns, nil
			}

			task := housekeeping.Task(housekeeping.Deps{
				Runs:   runs,
				Nonces: &nonceFake{purged: when.purgedNonces},
				Store:  &blobstore.Store{Objects: emptyObjects{}, Registry: emptyRegistry{}},
			})

			cursor, worked, err := task(context.Background(), housekeeping.Cursor{})
			if err != nil {
				t.Fatal(err)
			}
			if worked != then.worked {
				t.Errorf("worked: actual=%v, expect=%v", worked, then.worked)
			}
			if cursor != then.cursor {
				t.Errorf("cursor: actual=%+v, expect=%+v", cursor, then.cursor)
			}
		}
	}

	t.Run("idle cycle reports no work", theory(
		When{}, Then{worked: false, cursor: housekeeping.Cursor{}},
	))
	t.Run("expired runs count as work", theory(
		When{expiredRuns: []string{"run-1", "run-2"}},
		Then{worked: true, cursor: housekeeping.Cursor{ExpiredRuns: 2}},
	))
	t.Run("purged nonces count as work", theory(
		When{purgedNonces: 7},
		Then{worked: true, cursor: housekeeping.Cursor{PurgedNonces: 7}},
	))
}
