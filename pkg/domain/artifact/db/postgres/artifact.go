package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	artifactdb "github.com/edgegate/edgegate/pkg/domain/artifact/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type artifactPG struct {
	pool kpool.Pool
}

var _ artifactdb.ArtifactInterface = &artifactPG{}

func New(pool kpool.Pool) *artifactPG {
	return &artifactPG{pool: pool}
}

const artifactColumns = `
	"artifact_id", "workspace_id", "kind", "sha256", "storage_key",
	"bytes", "original_filename", "created_at", "expires_at", "tombstoned"
`

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	a := domain.Artifact{}
	var kind string
	err := row.Scan(
		&a.ArtifactId, &a.WorkspaceId, &kind, &a.Sha256, &a.StorageKey,
		&a.Bytes, &a.OriginalFilename, &a.CreatedAt, &a.ExpiresAt, &a.Tombstoned,
	)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Kind = domain.ArtifactKind(kind)
	return a, nil
}

func (m *artifactPG) Create(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		insert into "artifact" (
			"artifact_id", "workspace_id", "kind", "sha256", "storage_key",
			"bytes", "original_filename", "created_at", "expires_at"
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+artifactColumns,
		uuid.NewString(), a.WorkspaceId, string(a.Kind), a.Sha256, a.StorageKey,
		a.Bytes, a.OriginalFilename, a.CreatedAt, a.ExpiresAt,
	)
	created, err := scanArtifact(row)
	if err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	return created, nil
}

func (m *artifactPG) Get(ctx context.Context, workspaceId string, artifactId string) (domain.Artifact, error) {
	row := m.pool.QueryRow(
		ctx,
		`select `+artifactColumns+` from "artifact" where "workspace_id" = $1 and "artifact_id" = $2`,
		workspaceId, artifactId,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Artifact{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	return a, nil
}

func (m *artifactPG) LookupBySha(ctx context.Context, workspaceId string, sha256 string) (domain.Artifact, error) {
	row := m.pool.QueryRow(
		ctx,
		`
		select `+artifactColumns+` from "artifact"
		where "workspace_id" = $1 and "sha256" = $2 and not "tombstoned"
		order by "created_at" limit 1
		`,
		workspaceId, sha256,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Artifact{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Artifact{}, xe.Wrap(err)
	}
	return a, nil
}

func (m *artifactPG) ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Artifact, error) {
	// an artifact is kept alive while a run bundle whose own expiry has
	// not passed references it (as bundle, model or job spec).
	rows, err := m.pool.Query(
		ctx,
		`
		select `+artifactColumns+` from "artifact" "a"
		where not "a"."tombstoned"
		and "a"."expires_at" is not null and "a"."expires_at" < $1
		and not exists (
			select 1 from "run" "r"
			inner join "artifact" "b" on "b"."artifact_id" = "r"."bundle_artifact_id"
			where ("b"."expires_at" is null or $1 <= "b"."expires_at")
			and (
				"r"."bundle_artifact_id" = "a"."artifact_id"
				or "r"."model_artifact_id" = "a"."artifact_id"
				or "r"."job_spec_artifact_id" = "a"."artifact_id"
			)
		)
		`,
		cutoff,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	expired := []domain.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		expired = append(expired, a)
	}
	return expired, rows.Err()
}

func (m *artifactPG) Tombstone(ctx context.Context, artifactId string) error {
	tag, err := m.pool.Exec(
		ctx,
		`update "artifact" set "tombstoned" = true where "artifact_id" = $1`,
		artifactId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}
