package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

type SigningKeyInterface interface {
	// Register records a public key under its id. Existing ids reject
	// with domain.ErrConflict; key records never change.
	Register(ctx context.Context, key domain.SigningKey) error

	// Get returns a key record — revoked or not — or domain.ErrMissing.
	// Verification of old bundles needs revoked keys too.
	Get(ctx context.Context, keyId string) (domain.SigningKey, error)

	// Revoke stamps revoked_at. Rows are never deleted.
	Revoke(ctx context.Context, keyId string) error
}
