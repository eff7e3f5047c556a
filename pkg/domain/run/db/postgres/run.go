package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

// runPG implements rundb.RunInterface over Postgres.
type runPG struct {
	pool kpool.Pool
}

var _ rundb.RunInterface = &runPG{}

func New(pool kpool.Pool) *runPG {
	return &runPG{pool: pool}
}

const runColumns = `
	"run_id", "workspace_id", "pipeline_id", "trigger", "status",
	"model_artifact_id", coalesce("job_spec_artifact_id"::text, ''),
	"normalized_metrics", "gates_eval",
	coalesce("bundle_artifact_id"::text, ''),
	coalesce("error_code", ''), coalesce("error_detail", ''),
	"cancel_requested_at", "timeout_minutes", "deadline_at",
	"created_at", "updated_at"
`

func scanRun(row pgx.Row) (domain.Run, error) {
	r := domain.Run{}
	var trigger, status, errorCode string
	err := row.Scan(
		&r.RunId, &r.WorkspaceId, &r.PipelineId, &trigger, &status,
		&r.ModelArtifactId, &r.JobSpecArtifactId,
		&r.NormalizedMetrics, &r.GatesEval,
		&r.BundleArtifactId,
		&errorCode, &r.ErrorDetail,
		&r.CancelRequestedAt, &r.TimeoutMinutes, &r.DeadlineAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}
	if r.Trigger, err = domain.AsRunTrigger(trigger); err != nil {
		return domain.Run{}, err
	}
	if r.Status, err = domain.AsRunStatus(status); err != nil {
		return domain.Run{}, err
	}
	r.ErrorCode = domain.ErrorCode(errorCode)
	return r, nil
}

func (m *runPG) New(ctx context.Context, spec rundb.NewRunSpec) (domain.Run, error) {
	runId := uuid.NewString()
	row := m.pool.QueryRow(
		ctx,
		`
		insert into "run" (
			"run_id", "workspace_id", "pipeline_id", "trigger", "status",
			"model_artifact_id", "timeout_minutes"
		)
		values ($1, $2, $3, $4, 'queued', $5, $6)
		returning `+runColumns,
		runId, spec.WorkspaceId, spec.PipelineId, string(spec.Trigger),
		spec.ModelArtifactId, spec.TimeoutMinutes,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, xe.Wrap(err)
	}
	return run, nil
}

func (m *runPG) Get(ctx context.Context, workspaceId string, runId string) (domain.Run, error) {
	row := m.pool.QueryRow(
		ctx,
		`select `+runColumns+` from "run" where "workspace_id" = $1 and "run_id" = $2`,
		workspaceId, runId,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Run{}, xe.Wrap(err)
	}
	return run, nil
}

func (m *runPG) List(ctx context.Context, workspaceId string, pipelineId string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.pool.Query(
		ctx,
		`
		select `+runColumns+` from "run"
		where "workspace_id" = $1 and ($2::text = '' or "pipeline_id"::text = $2::text)
		order by "created_at" desc limit $3
		`,
		workspaceId, pipelineId, limit,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (m *runPG) PickAndClaim(ctx context.Context) (domain.Run, bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return domain.Run{}, false, xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	// Oldest queued run whose workspace holds no active slot. The
	// partial unique index "run_single_active" backs the not-exists:
	// should two claimers race on one workspace, the second update
	// violates the index and the claim is simply retried later.
	row := tx.QueryRow(
		ctx,
		`
		update "run" set
			"status" = 'preparing',
			"deadline_at" = now() + make_interval(mins => "timeout_minutes"),
			"updated_at" = now()
		where "run_id" = (
			select "r"."run_id" from "run" "r"
			where "r"."status" = 'queued'
			and not exists (
				select 1 from "run" "a"
				where "a"."workspace_id" = "r"."workspace_id"
				and "a"."status" not in ('queued', 'passed', 'failed', 'error')
			)
			order by "r"."created_at"
			for update of "r" skip locked
			limit 1
		)
		returning `+runColumns,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if isUniqueViolation(err) {
		// lost the per-workspace race; nothing claimed this cycle.
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, xe.Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Run{}, false, xe.Wrap(err)
	}
	return run, true, nil
}

func (m *runPG) SetStatus(ctx context.Context, runId string, from domain.RunStatus, to domain.RunStatus) error {
	if !from.CanTransit(to) || to.Terminal() {
		return domain.ErrInvalidRunStateChanging
	}
	tag, err := m.pool.Exec(
		ctx,
		`update "run" set "status" = $3, "updated_at" = now() where "run_id" = $1 and "status" = $2`,
		runId, string(from), string(to),
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidRunStateChanging
	}
	return nil
}

func (m *runPG) SetJobSpec(ctx context.Context, runId string, artifactId string) error {
	tag, err := m.pool.Exec(
		ctx,
		`update "run" set "job_spec_artifact_id" = $2, "updated_at" = now() where "run_id" = $1`,
		runId, artifactId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}

func (m *runPG) Finish(
	ctx context.Context,
	runId string,
	outcome domain.RunStatus,
	normalizedMetrics []byte,
	gatesEval []byte,
	bundleArtifactId string,
) error {
	if outcome != domain.Passed && outcome != domain.Failed {
		return domain.ErrInvalidRunStateChanging
	}
	tag, err := m.pool.Exec(
		ctx,
		`
		update "run" set
			"status" = $2,
			"normalized_metrics" = $3,
			"gates_eval" = $4,
			"bundle_artifact_id" = nullif($5, '')::uuid,
			"updated_at" = now()
		where "run_id" = $1 and "status" = 'reporting'
		`,
		runId, string(outcome), normalizedMetrics, gatesEval, bundleArtifactId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidRunStateChanging
	}
	return nil
}

func (m *runPG) SetError(ctx context.Context, runId string, code domain.ErrorCode, detail string) error {
	tag, err := m.pool.Exec(
		ctx,
		`
		update "run" set
			"status" = 'error', "error_code" = $2, "error_detail" = $3, "updated_at" = now()
		where "run_id" = $1 and "status" not in ('passed', 'failed', 'error')
		`,
		runId, string(code), detail,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidRunStateChanging
	}
	return nil
}

func (m *runPG) RequestCancel(ctx context.Context, workspaceId string, runId string) error {
	tag, err := m.pool.Exec(
		ctx,
		`
		update "run" set "cancel_requested_at" = now(), "updated_at" = now()
		where "workspace_id" = $1 and "run_id" = $2
		and "status" not in ('passed', 'failed', 'error')
		and "cancel_requested_at" is null
		`,
		workspaceId, runId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}

func (m *runPG) CancelRequested(ctx context.Context, runId string) (bool, error) {
	var at *time.Time
	err := m.pool.QueryRow(
		ctx,
		`select "cancel_requested_at" from "run" where "run_id" = $1`,
		runId,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrMissing
	}
	if err != nil {
		return false, xe.Wrap(err)
	}
	return at != nil, nil
}

func (m *runPG) TerminalizeExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := m.pool.Query(
		ctx,
		`
		update "run" set
			"status" = 'error', "error_code" = $1,
			"error_detail" = 'run deadline exceeded', "updated_at" = now()
		where "status" not in ('queued', 'passed', 'failed', 'error')
		and "deadline_at" is not null and "deadline_at" < $2
		returning "run_id"
		`,
		string(domain.ErrcodeTimeout), now,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xe.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
