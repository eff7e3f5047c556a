package domain

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	// This Run is accepted but waits for its workspace slot.
	Queued RunStatus = "queued"

	// A worker has claimed this Run and hydrates its inputs.
	Preparing RunStatus = "preparing"

	// Backend jobs are being submitted.
	Submitting RunStatus = "submitting"

	// Backend jobs are in flight; the worker polls.
	Running RunStatus = "running"

	// Success payloads are being fetched and normalized.
	Collecting RunStatus = "collecting"

	// The gating evaluator decides the outcome.
	Evaluating RunStatus = "evaluating"

	// The evidence bundle is assembled and signed.
	Reporting RunStatus = "reporting"

	// Every required gate held. Terminal.
	Passed RunStatus = "passed"

	// A required gate failed. Terminal.
	Failed RunStatus = "failed"

	// The run stopped with an error code. Terminal.
	Errored RunStatus = "error"
)

func (rs RunStatus) String() string {
	return string(rs)
}

func AsRunStatus(status string) (RunStatus, error) {
	switch status {
	case string(Queued):
		return Queued, nil
	case string(Preparing):
		return Preparing, nil
	case string(Submitting):
		return Submitting, nil
	case string(Running):
		return Running, nil
	case string(Collecting):
		return Collecting, nil
	case string(Evaluating):
		return Evaluating, nil
	case string(Reporting):
		return Reporting, nil
	case string(Passed):
		return Passed, nil
	case string(Failed):
		return Failed, nil
	case string(Errored):
		return Errored, nil
	default:
		return "", fmt.Errorf("'%s' is not RunStatus", status)
	}
}

func (rs RunStatus) Terminal() bool {
	switch rs {
	case Passed, Failed, Errored:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses are the statuses counted against the
// one-active-run-per-workspace rule.
func NonTerminalStatuses() []RunStatus {
	return []RunStatus{
		Queued, Preparing, Submitting, Running,
		Collecting, Evaluating, Reporting,
	}
}

// next status on the happy path. Terminal statuses have none.
func (rs RunStatus) next() (RunStatus, bool) {
	switch rs {
	case Queued:
		return Preparing, true
	case Preparing:
		return Submitting, true
	case Submitting:
		return Running, true
	case Running:
		return Collecting, true
	case Collecting:
		return Evaluating, true
	case Evaluating:
		return Reporting, true
	default:
		return "", false
	}
}

// CanTransit reports whether rs -> target is a legal edge.
//
// Legal edges are the single happy-path successor, reporting -> passed|failed,
// and any non-terminal -> error. Terminal statuses are never left.
func (rs RunStatus) CanTransit(target RunStatus) bool {
	if rs.Terminal() {
		return false
	}
	if target == Errored {
		return true
	}
	if rs == Reporting {
		return target == Passed || target == Failed
	}
	n, ok := rs.next()
	return ok && n == target
}

type RunTrigger string

const (
	TriggerManual RunTrigger = "manual"
	TriggerCI     RunTrigger = "ci"
)

func AsRunTrigger(trigger string) (RunTrigger, error) {
	switch trigger {
	case string(TriggerManual):
		return TriggerManual, nil
	case string(TriggerCI):
		return TriggerCI, nil
	default:
		return "", fmt.Errorf("'%s' is not RunTrigger", trigger)
	}
}

// Run is one execution of a Pipeline against a model artifact.
//
// Status mutations are totally ordered and append-only; once a Run is
// terminal it never changes again. Only the run DB layer mutates Runs.
type Run struct {
	RunId       string
	WorkspaceId string
	PipelineId  string
	Trigger     RunTrigger
	Status      RunStatus

	ModelArtifactId string

	// JobSpecArtifactId points at the job_spec snapshot stored before
	// submission; the worker's remaining work is a function of it.
	JobSpecArtifactId string

	// NormalizedMetrics and GatesEval are JSON documents written by the
	// evaluator; opaque at this level.
	NormalizedMetrics []byte
	GatesEval         []byte

	BundleArtifactId string

	ErrorCode   ErrorCode
	ErrorDetail string

	// CancelRequestedAt is set by the control plane; the worker observes
	// it between suspension points.
	CancelRequestedAt *time.Time

	// TimeoutMinutes snapshots run_policy.timeout_minutes at enqueue.
	TimeoutMinutes int

	// DeadlineAt is the hard deadline, set when a worker claims the run.
	DeadlineAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Run) Equal(o Run) bool {
	return r.RunId == o.RunId &&
		r.WorkspaceId == o.WorkspaceId &&
		r.PipelineId == o.PipelineId &&
		r.Trigger == o.Trigger &&
		r.Status == o.Status &&
		r.ModelArtifactId == o.ModelArtifactId &&
		r.BundleArtifactId == o.BundleArtifactId &&
		r.ErrorCode == o.ErrorCode
}
