package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

type PipelineInterface interface {
	// Create persists a validated pipeline. Duplicate names within a
	// workspace reject with domain.ErrConflict.
	Create(ctx context.Context, p domain.Pipeline) (domain.Pipeline, error)

	// Get resolves a pipeline in the workspace, or domain.ErrMissing.
	Get(ctx context.Context, workspaceId string, pipelineId string) (domain.Pipeline, error)
}
