package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

type CapabilityInterface interface {
	// SetCurrent replaces the workspace's current capabilities record.
	SetCurrent(ctx context.Context, c domain.Capabilities) error

	// GetCurrent returns it, or domain.ErrMissing when the workspace
	// has never been probed.
	GetCurrent(ctx context.Context, workspaceId string) (domain.Capabilities, error)
}
