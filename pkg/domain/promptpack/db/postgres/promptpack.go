package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	ppdb "github.com/edgegate/edgegate/pkg/domain/promptpack/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type promptPackPG struct {
	pool kpool.Pool
}

var _ ppdb.PromptPackInterface = &promptPackPG{}

func New(pool kpool.Pool) *promptPackPG {
	return &promptPackPG{pool: pool}
}

func (m *promptPackPG) Put(ctx context.Context, pp domain.PromptPack) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "promptpack" (
			"workspace_id", "logical_id", "version", "sha256", "content", "published"
		)
		values ($1, $2, $3, $4, $5, false)
		`,
		pp.WorkspaceId, pp.LogicalId, pp.Version, pp.Sha256, pp.Content,
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

func (m *promptPackPG) Publish(ctx context.Context, workspaceId string, logicalId string, version string) error {
	tag, err := m.pool.Exec(
		ctx,
		`
		update "promptpack" set "published" = true
		where "workspace_id" = $1 and "logical_id" = $2 and "version" = $3
		`,
		workspaceId, logicalId, version,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}

func (m *promptPackPG) Get(ctx context.Context, workspaceId string, logicalId string, version string) (domain.PromptPack, error) {
	pp := domain.PromptPack{}
	err := m.pool.QueryRow(
		ctx,
		`
		select "workspace_id", "logical_id", "version", "sha256", "content", "published", "created_at"
		from "promptpack"
		where "workspace_id" = $1 and "logical_id" = $2 and "version" = $3
		`,
		workspaceId, logicalId, version,
	).Scan(
		&pp.WorkspaceId, &pp.LogicalId, &pp.Version,
		&pp.Sha256, &pp.Content, &pp.Published, &pp.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PromptPack{}, domain.ErrMissing
	}
	if err != nil {
		return domain.PromptPack{}, xe.Wrap(err)
	}
	return pp, nil
}
