package db

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
)

// NewRunSpec is what the control plane knows when it enqueues a run.
type NewRunSpec struct {
	WorkspaceId     string
	PipelineId      string
	Trigger         domain.RunTrigger
	ModelArtifactId string

	// TimeoutMinutes comes from the pipeline's run policy; the deadline
	// starts ticking at claim, not at enqueue.
	TimeoutMinutes int
}

type RunInterface interface {
	// New persists a run in queued state. Any number of runs may queue;
	// the claim step serializes execution per workspace.
	New(ctx context.Context, spec NewRunSpec) (domain.Run, error)

	// Get resolves a run in the caller's workspace, or domain.ErrMissing.
	Get(ctx context.Context, workspaceId string, runId string) (domain.Run, error)

	// List returns runs of the workspace, newest first. pipelineId ""
	// means all pipelines.
	List(ctx context.Context, workspaceId string, pipelineId string, limit int) ([]domain.Run, error)

	// PickAndClaim atomically promotes the oldest claimable queued run
	// to preparing and stamps its deadline. A run is claimable when its
	// workspace has no other non-terminal run past queued; the database
	// enforces that with a partial unique index, so concurrent workers
	// cannot double-claim a workspace.
	//
	// Returns (run, true, nil) on a claim, (_, false, nil) when nothing
	// is claimable right now.
	PickAndClaim(ctx context.Context) (domain.Run, bool, error)

	// SetStatus moves runId along the edge from -> to. The update is
	// conditional on the current status being exactly `from`; anything
	// else is domain.ErrInvalidRunStateChanging. Terminal statuses are
	// unreachable through this method; use Finish or SetError.
	SetStatus(ctx context.Context, runId string, from domain.RunStatus, to domain.RunStatus) error

	// SetJobSpec records the job_spec snapshot artifact.
	SetJobSpec(ctx context.Context, runId string, artifactId string) error

	// Finish terminalizes a reporting run as passed or failed, writing
	// the evaluator's documents and the bundle reference.
	Finish(
		ctx context.Context,
		runId string,
		outcome domain.RunStatus,
		normalizedMetrics []byte,
		gatesEval []byte,
		bundleArtifactId string,
	) error

	// SetError terminalizes a run from any non-terminal status.
	// Terminal runs are left untouched (domain.ErrInvalidRunStateChanging).
	SetError(ctx context.Context, runId string, code domain.ErrorCode, detail string) error

	// RequestCancel marks a non-terminal run for cancellation. The
	// worker observes the mark between suspension points.
	RequestCancel(ctx context.Context, workspaceId string, runId string) error

	// CancelRequested reads the cancellation mark.
	CancelRequested(ctx context.Context, runId string) (bool, error)

	// TerminalizeExpired errors every non-terminal run whose deadline
	// passed before now, with code TIMEOUT. Crash recovery: a run whose
	// worker died stops holding its workspace once the deadline lapses.
	TerminalizeExpired(ctx context.Context, now time.Time) ([]string, error)
}
