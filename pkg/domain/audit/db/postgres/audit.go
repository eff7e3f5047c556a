package postgres

import (
	"context"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type auditPG struct {
	pool kpool.Pool
}

var _ auditdb.AuditInterface = &auditPG{}

func New(pool kpool.Pool) *auditPG {
	return &auditPG{pool: pool}
}

func (m *auditPG) Append(ctx context.Context, event domain.AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "audit_event" ("workspace_id", "actor", "event_type", "payload")
		values ($1, $2, $3, $4)
		`,
		event.WorkspaceId, event.Actor, event.EventType, payload,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *auditPG) List(ctx context.Context, workspaceId string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.pool.Query(
		ctx,
		`
		select "workspace_id", "actor", "event_type", "payload", "ts", "seq"
		from "audit_event" where "workspace_id" = $1
		order by "ts" desc, "seq" desc limit $2
		`,
		workspaceId, limit,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		e := domain.AuditEvent{}
		if err := rows.Scan(
			&e.WorkspaceId, &e.Actor, &e.EventType, &e.Payload, &e.Timestamp, &e.Seq,
		); err != nil {
			return nil, xe.Wrap(err)
		}
		events = append(events, e)
	}

	// flip to chronological order, newest last.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}
