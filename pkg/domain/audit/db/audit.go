package db

import (
	"context"

	"github.com/edgegate/edgegate/pkg/domain"
)

// AuditInterface is append-only by construction: there is no update or
// delete. Ordering is (workspace_id, ts, seq); seq breaks ties within
// one timestamp.
type AuditInterface interface {
	Append(ctx context.Context, event domain.AuditEvent) error

	// List returns a workspace's events in order, newest last.
	List(ctx context.Context, workspaceId string, limit int) ([]domain.AuditEvent, error)
}
