package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

type IntegrationInterface interface {
	// Upsert stores or rotates the workspace's sealed backend token.
	Upsert(ctx context.Context, i domain.Integration) error

	// Get returns the workspace's integration, or domain.ErrMissing.
	Get(ctx context.Context, workspaceId string) (domain.Integration, error)

	// Delete removes the integration. Missing rows are domain.ErrMissing.
	Delete(ctx context.Context, workspaceId string) error
}

// CISecret is a workspace's sealed CI webhook secret, with the peppered
// fingerprint used for audit lookups.
type CISecret struct {
	WorkspaceId      string
	SecretCiphertext []byte
	WrappedDEK       []byte
	Fingerprint      string
}

type CISecretInterface interface {
	// Upsert stores or rotates a workspace's CI secret.
	Upsert(ctx context.Context, s CISecret) error

	// Get returns the sealed secret, or domain.ErrMissing.
	Get(ctx context.Context, workspaceId string) (CISecret, error)
}
