package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	pipelinedb "github.com/edgegate/edgegate/pkg/domain/pipeline/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type pipelinePG struct {
	pool kpool.Pool
}

var _ pipelinedb.PipelineInterface = &pipelinePG{}

func New(pool kpool.Pool) *pipelinePG {
	return &pipelinePG{pool: pool}
}

func (m *pipelinePG) Create(ctx context.Context, p domain.Pipeline) (domain.Pipeline, error) {
	deviceMatrix, err := json.Marshal(p.DeviceMatrix)
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	promptpackRef, err := json.Marshal(p.PromptPackRef)
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	gates, err := json.Marshal(p.Gates)
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	runPolicy, err := json.Marshal(p.RunPolicy)
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}

	p.PipelineId = uuid.NewString()
	_, err = m.pool.Exec(
		ctx,
		`
		insert into "pipeline" (
			"pipeline_id", "workspace_id", "name",
			"device_matrix", "promptpack_ref", "gates", "run_policy"
		)
		values ($1, $2, $3, $4, $5, $6, $7)
		`,
		p.PipelineId, p.WorkspaceId, p.Name,
		deviceMatrix, promptpackRef, gates, runPolicy,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return domain.Pipeline{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	return p, nil
}

func (m *pipelinePG) Get(ctx context.Context, workspaceId string, pipelineId string) (domain.Pipeline, error) {
	p := domain.Pipeline{}
	var deviceMatrix, promptpackRef, gates, runPolicy []byte
	err := m.pool.QueryRow(
		ctx,
		`
		select "pipeline_id", "workspace_id", "name",
			"device_matrix", "promptpack_ref", "gates", "run_policy", "created_at"
		from "pipeline" where "workspace_id" = $1 and "pipeline_id" = $2
		`,
		workspaceId, pipelineId,
	).Scan(
		&p.PipelineId, &p.WorkspaceId, &p.Name,
		&deviceMatrix, &promptpackRef, &gates, &runPolicy, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pipeline{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}

	if err := json.Unmarshal(deviceMatrix, &p.DeviceMatrix); err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	if err := json.Unmarshal(promptpackRef, &p.PromptPackRef); err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	if err := json.Unmarshal(gates, &p.Gates); err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	if err := json.Unmarshal(runPolicy, &p.RunPolicy); err != nil {
		return domain.Pipeline{}, xe.Wrap(err)
	}
	return p, nil
}
