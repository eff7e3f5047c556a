package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

type PromptPackInterface interface {
	// Put inserts a new (logical_id, version) draft. An existing
	// version — published or not — rejects with domain.ErrConflict:
	// content under a version triple never changes.
	Put(ctx context.Context, pp domain.PromptPack) error

	// Publish flips the published flag. Publishing is idempotent.
	Publish(ctx context.Context, workspaceId string, logicalId string, version string) error

	// Get returns one version, or domain.ErrMissing.
	Get(ctx context.Context, workspaceId string, logicalId string, version string) (domain.PromptPack, error)
}
