package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	kpool "github.com/edgegate/edgegate/pkg/conn/db/postgres/pool"
	"github.com/edgegate/edgegate/pkg/domain"
	capdb "github.com/edgegate/edgegate/pkg/domain/capability/db"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

type capabilityPG struct {
	pool kpool.Pool
}

var _ capdb.CapabilityInterface = &capabilityPG{}

func New(pool kpool.Pool) *capabilityPG {
	return &capabilityPG{pool: pool}
}

func (m *capabilityPG) SetCurrent(ctx context.Context, c domain.Capabilities) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "capabilities" (
			"workspace_id", "capabilities_blob_id", "metric_mapping_blob_id",
			"probed_at", "source_probe_run_id"
		)
		values ($1, $2, $3, $4, $5)
		on conflict ("workspace_id") do update set
			"capabilities_blob_id" = excluded."capabilities_blob_id",
			"metric_mapping_blob_id" = excluded."metric_mapping_blob_id",
			"probed_at" = excluded."probed_at",
			"source_probe_run_id" = excluded."source_probe_run_id"
		`,
		c.WorkspaceId, c.CapabilitiesBlobId, c.MetricMappingBlobId,
		c.ProbedAt, c.SourceProbeRunId,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *capabilityPG) GetCurrent(ctx context.Context, workspaceId string) (domain.Capabilities, error) {
	c := domain.Capabilities{}
	err := m.pool.QueryRow(
		ctx,
		`
		select "workspace_id", "capabilities_blob_id", "metric_mapping_blob_id",
			"probed_at", "source_probe_run_id"
		from "capabilities" where "workspace_id" = $1
		`,
		workspaceId,
	).Scan(
		&c.WorkspaceId, &c.CapabilitiesBlobId, &c.MetricMappingBlobId,
		&c.ProbedAt, &c.SourceProbeRunId,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Capabilities{}, domain.ErrMissing
	}
	if err != nil {
		return domain.Capabilities{}, xe.Wrap(err)
	}
	return c, nil
}
