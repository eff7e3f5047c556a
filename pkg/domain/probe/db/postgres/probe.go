package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	probedb "github.com/edgegate/edgegate/pkg/domain/probe/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type probePG struct {
	pool kpool.Pool
}

var _ probedb.ProbeInterface = &probePG{}

func New(pool kpool.Pool) *probePG {
	return &probePG{pool: pool}
}

const probeColumns = `"probe_id", "workspace_id", "status", "detail", "created_at", "updated_at"`

func scanProbe(row pgx.Row) (probedb.ProbeRequest, error) {
	p := probedb.ProbeRequest{}
	var status string
	err := row.Scan(&p.ProbeId, &p.WorkspaceId, &status, &p.Detail, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return probedb.ProbeRequest{}, err
	}
	p.Status = probedb.ProbeStatus(status)
	return p, nil
}

func (m *probePG) Enqueue(ctx context.Context, workspaceId string) (probedb.ProbeRequest, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		insert into "probe_request" ("probe_id", "workspace_id", "status")
		values ($1, $2, 'queued')
		returning `+probeColumns,
		uuid.NewString(), workspaceId,
	)
	p, err := scanProbe(row)
	if err != nil {
		return probedb.ProbeRequest{}, xe.Wrap(err)
	}
	return p, nil
}

func (m *probePG) PickAndClaim(ctx context.Context) (probedb.ProbeRequest, bool, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		update "probe_request" set "status" = 'running', "updated_at" = now()
		where "probe_id" = (
			select "probe_id" from "probe_request"
			where "status" = 'queued'
			order by "created_at"
			for update skip locked
			limit 1
		)
		returning `+probeColumns,
	)
	p, err := scanProbe(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return probedb.ProbeRequest{}, false, nil
	}
	if err != nil {
		return probedb.ProbeRequest{}, false, xe.Wrap(err)
	}
	return p, true, nil
}

func (m *probePG) Finish(ctx context.Context, probeId string, status probedb.ProbeStatus, detail string) error {
	tag, err := m.pool.Exec(
		ctx,
		`
		update "probe_request" set "status" = $2, "detail" = $3, "updated_at" = now()
		where "probe_id" = $1 and "status" = 'running'
		`,
		probeId, string(status), detail,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}
