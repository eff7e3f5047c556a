package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	keydb "github.com/edgegate/edgegate/pkg/domain/signingkey/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type signingKeyPG struct {
	pool kpool.Pool
}

var _ keydb.SigningKeyInterface = &signingKeyPG{}

func New(pool kpool.Pool) *signingKeyPG {
	return &signingKeyPG{pool: pool}
}

func (m *signingKeyPG) Register(ctx context.Context, key domain.SigningKey) error {
	_, err := m.pool.Exec(
		ctx,
		`insert into "signing_key" ("key_id", "public_key") values ($1, $2)`,
		key.KeyId, key.PublicKey,
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

func (m *signingKeyPG) Get(ctx context.Context, keyId string) (domain.SigningKey, error) {
	key := domain.SigningKey{}
	err := m.pool.QueryRow(
		ctx,
		`select "key_id", "public_key", "created_at", "revoked_at" from "signing_key" where "key_id" = $1`,
		keyId,
	).Scan(&key.KeyId, &key.PublicKey, &key.CreatedAt, &key.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SigningKey{}, domain.ErrMissing
	}
	if err != nil {
		return domain.SigningKey{}, xe.Wrap(err)
	}
	return key, nil
}

func (m *signingKeyPG) Revoke(ctx context.Context, keyId string) error {
	tag, err := m.pool.Exec(
		ctx,
		`update "signing_key" set "revoked_at" = now() where "key_id" = $1 and "revoked_at" is null`,
		keyId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMissing
	}
	return nil
}
