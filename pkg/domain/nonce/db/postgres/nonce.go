package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	noncedb "github.com/edgegate/edgegate/pkg/domain/nonce/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type noncePG struct {
	pool kpool.Pool
}

var _ noncedb.NonceInterface = &noncePG{}

func New(pool kpool.Pool) *noncePG {
	return &noncePG{pool: pool}
}

func (m *noncePG) Spend(ctx context.Context, n domain.CINonce) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "ci_nonce" ("nonce", "workspace_id", "used_at", "expires_at")
		values ($1, $2, $3, $4)
		`,
		n.Nonce, n.WorkspaceId, n.UsedAt, n.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return domain.ErrConflict
	}
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *noncePG) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := m.pool.Exec(
		ctx, `delete from "ci_nonce" where "expires_at" < $1`, now,
	)
	if err != nil {
		return 0, xe.Wrap(err)
	}
	return tag.RowsAffected(), nil
}
