package mock

import (
	"context"
	"errors"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
)

type Impl struct {
	New                func(ctx context.Context, spec rundb.NewRunSpec) (domain.Run, error)
	Get                func(ctx context.Context, workspaceId string, runId string) (domain.Run, error)
	List               func(ctx context.Context, workspaceId string, pipelineId string, limit int) ([]domain.Run, error)
	PickAndClaim       func(ctx context.Context) (domain.Run, bool, error)
	SetStatus          func(ctx context.Context, runId string, from domain.RunStatus, to domain.RunStatus) error
	SetJobSpec         func(ctx context.Context, runId string, artifactId string) error
	Finish             func(ctx context.Context, runId string, outcome domain.RunStatus, normalizedMetrics []byte, gatesEval []byte, bundleArtifactId string) error
	SetError           func(ctx context.Context, runId string, code domain.ErrorCode, detail string) error
	RequestCancel      func(ctx context.Context, workspaceId string, runId string) error
	CancelRequested    func(ctx context.Context, runId string) (bool, error)
	TerminalizeExpired func(ctx context.Context, now time.Time) ([]string, error)
}

type RunInterface struct {
	Impl Impl
}

var _ rundb.RunInterface = &RunInterface{}

var errNotImplemented = errors.New("mock: not implemented")

func NewRunInterface() *RunInterface {
	return &RunInterface{}
}

func (m *RunInterface) New(ctx context.Context, spec rundb.NewRunSpec) (domain.Run, error) {
	if m.Impl.New == nil {
		return domain.Run{}, errNotImplemented
	}
	return m.Impl.New(ctx, spec)
}

func (m *RunInterface) Get(ctx context.Context, workspaceId string, runId string) (domain.Run, error) {
	if m.Impl.Get == nil {
		return domain.Run{}, errNotImplemented
	}
	return m.Impl.Get(ctx, workspaceId, runId)
}

func (m *RunInterface) List(ctx context.Context, workspaceId string, pipelineId string, limit int) ([]domain.Run, error) {
	if m.Impl.List == nil {
		return nil, errNotImplemented
	}
	return m.Impl.List(ctx, workspaceId, pipelineId, limit)
}

func (m *RunInterface) PickAndClaim(ctx context.Context) (domain.Run, bool, error) {
	if m.Impl.PickAndClaim == nil {
		return domain.Run{}, false, errNotImplemented
	}
	return m.Impl.PickAndClaim(ctx)
}

func (m *RunInterface) SetStatus(ctx context.Context, runId string, from domain.RunStatus, to domain.RunStatus) error {
	if m.Impl.SetStatus == nil {
		return errNotImplemented
	}
	return m.Impl.SetStatus(ctx, runId, from, to)
}

func (m *RunInterface) SetJobSpec(ctx context.Context, runId string, artifactId string) error {
	if m.Impl.SetJobSpec == nil {
		return errNotImplemented
	}
	return m.Impl.SetJobSpec(ctx, runId, artifactId)
}

func (m *RunInterface) Finish(ctx context.Context, runId string, outcome domain.RunStatus, normalizedMetrics []byte, gatesEval []byte, bundleArtifactId string) error {
	if m.Impl.Finish == nil {
		return errNotImplemented
	}
	return m.Impl.Finish(ctx, runId, outcome, normalizedMetrics, gatesEval, bundleArtifactId)
}

func (m *RunInterface) SetError(ctx context.Context, runId string, code domain.ErrorCode, detail string) error {
	if m.Impl.SetError == nil {
		return errNotImplemented
	}
	return m.Impl.SetError(ctx, runId, code, detail)
}

func (m *RunInterface) RequestCancel(ctx context.Context, workspaceId string, runId string) error {
	if m.Impl.RequestCancel == nil {
		return errNotImplemented
	}
	return m.Impl.RequestCancel(ctx, workspaceId, runId)
}

func (m *RunInterface) CancelRequested(ctx context.Context, runId string) (bool, error) {
	if m.Impl.CancelRequested == nil {
		return false, errNotImplemented
	}
	return m.Impl.CancelRequested(ctx, runId)
}

func (m *RunInterface) TerminalizeExpired(ctx context.Context, now time.Time) ([]string, error) {
	if m.Impl.TerminalizeExpired == nil {
		return nil, errNotImplemented
	}
	return m.Impl.TerminalizeExpired(ctx, now)
}
