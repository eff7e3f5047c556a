package db

import (
	"context"
	"time"
)

type ProbeStatus string

const (
	ProbeQueued  ProbeStatus = "queued"
	ProbeRunning ProbeStatus = "running"
	ProbeDone    ProbeStatus = "done"
	ProbeError   ProbeStatus = "error"
)

// ProbeRequest is one requested ProbeSuite execution. The probe id
// doubles as the probe run id stamped into capability evidence.
type ProbeRequest struct {
	ProbeId     string
	WorkspaceId string
	Status      ProbeStatus
	Detail      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProbeInterface interface {
	// Enqueue records a probe request in queued state.
	Enqueue(ctx context.Context, workspaceId string) (ProbeRequest, error)

	// PickAndClaim promotes the oldest queued request to running.
	PickAndClaim(ctx context.Context) (ProbeRequest, bool, error)

	// Finish terminalizes a running request.
	Finish(ctx context.Context, probeId string, status ProbeStatus, detail string) error
}
