package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	integrationdb "github.com/edgegate/edgegate/pkg/domain/integration/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type integrationPG struct {
	pool kpool.Pool
}

var _ integrationdb.IntegrationInterface = &integrationPG{}

func New(pool kpool.Pool) *integrationPG {
	return &integrationPG{pool: pool}
}

func (m *integrationPG) Upsert(ctx context.Context, i domain.Integration) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "integration" (
			"workspace_id", "provider", "status",
			"token_ciphertext", "wrapped_dek", "token_last4"
		)
		values ($1, $2, $3, $4, $5, $6)
		on conflict ("workspace_id") do update set
			"provider" = excluded."provider",
			"status" = excluded."status",
			"token_ciphertext" = excluded."token_ciphertext",
			"wrapped_dek" = excluded."wrapped_dek",
			"token_last4" = excluded."token_last4",
			"updated_at" = now()
		`,
		i.WorkspaceId, i.Provider, string(i.Status),
		i.TokenCiphertext, i.WrappedDEK, i.TokenLast4,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *integrationPG) Get(ctx context.Context, workspaceId string) (domain.Integration, error) {
	i := domain.Integration{}
	var status string
	err := m.pool.QueryRow(
		ctx,
		`
		select "workspace_id", "provider", "status",
			"token_ciphertext", "wrapped_dek", "token_last4",
			"created_at", "updated_at"
		from "integration" where "workspace_id" = $1
		`,
		workspaceId,
	).Scan(
		&i.WorkspaceId, &i.Provider, &status,
		&i.TokenCiphertext, &i.WrappedDEK, &i.TokenLast4,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Integration{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Integration{}, xe.Wrap(err)
	}
	i.Status = domain.IntegrationStatus(status)
	return i, nil
}

func (m *integrationPG) Delete(ctx context.Context, workspaceId string) error {
	tag, err := m.pool.Exec(
		ctx, `delete from "integration" where "workspace_id" = $1`, workspaceId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}

type ciSecretPG struct {
	pool kpool.Pool
}

var _ integrationdb.CISecretInterface = &ciSecretPG{}

func NewCISecret(pool kpool.Pool) *ciSecretPG {
	return &ciSecretPG{pool: pool}
}

func (m *ciSecretPG) Upsert(ctx context.Context, s integrationdb.CISecret) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "ci_secret" ("workspace_id", "secret_ciphertext", "wrapped_dek", "fingerprint")
		values ($1, $2, $3, $4)
		on conflict ("workspace_id") do update set
			"secret_ciphertext" = excluded."secret_ciphertext",
			"wrapped_dek" = excluded."wrapped_dek",
			"fingerprint" = excluded."fingerprint",
			"created_at" = now()
		`,
		s.WorkspaceId, s.SecretCiphertext, s.WrappedDEK, s.Fingerprint,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *ciSecretPG) Get(ctx context.Context, workspaceId string) (integrationdb.CISecret, error) {
	s := integrationdb.CISecret{}
	err := m.pool.QueryRow(
		ctx,
		`
		select "workspace_id", "secret_ciphertext", "wrapped_dek", "fingerprint"
		from "ci_secret" where "workspace_id" = $1
		`,
		workspaceId,
	).Scan(&s.WorkspaceId, &s.SecretCiphertext, &s.WrappedDEK, &s.Fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return integrationdb.CISecret{}, domain.ErrMissing
	}
	if err != nil {
		return integrationdb.CISecret{}, xe.Wrap(err)
	}
	return s, nil
}
