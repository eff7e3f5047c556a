package mock

import (
	"context"
	"errors"

	"github.com/edgegate/edgegate/pkg/aihub"
)

type Impl struct {
	ValidateToken   func(ctx context.Context) (aihub.Identity, error)
	ListDevices     func(ctx context.Context) ([]aihub.Device, error)
	UploadModel     func(ctx context.Context, name string, kind string, blob []byte) (aihub.RemoteModelHandle, error)
	SubmitCompile   func(ctx context.Context, model aihub.RemoteModelHandle, device aihub.Device, opts aihub.CompileOptions) (aihub.JobHandle, error)
	SubmitProfile   func(ctx context.Context, compiled aihub.JobHandle, device aihub.Device, opts aihub.ProfileOptions) (aihub.JobHandle, error)
	SubmitInference func(ctx context.Context, compiled aihub.JobHandle, device aihub.Device, inputs aihub.InferenceInputs) (aihub.JobHandle, error)
	Poll            func(ctx context.Context, job aihub.JobHandle) (aihub.JobStatus, error)
	FetchLogs       func(ctx context.Context, job aihub.JobHandle) ([]byte, error)
}

type Backend struct {
	Impl Impl

	Calls struct {
		ValidateToken   int
		ListDevices     int
		UploadModel     int
		SubmitCompile   int
		SubmitProfile   int
		SubmitInference int
		Poll            int
		FetchLogs       int
	}
}

var _ aihub.Backend = &Backend{}

var errNotImplemented = errors.New("mock: not implemented")

func New() *Backend {
	return &Backend{}
}

func (m *Backend) ValidateToken(ctx context.Context) (aihub.Identity, error) {
	m.Calls.ValidateToken++
	if m.Impl.ValidateToken == nil {
		return aihub.Identity{}, errNotImplemented
	}
	return m.Impl.ValidateToken(ctx)
}

func (m *Backend) ListDevices(ctx context.Context) ([]aihub.Device, error) {
	m.Calls.ListDevices++
	if m.Impl.ListDevices == nil {
		return nil, errNotImplemented
	}
	return m.Impl.ListDevices(ctx)
}

func (m *Backend) UploadModel(ctx context.Context, name string, kind string, blob []byte) (aihub.RemoteModelHandle, error) {
	m.Calls.UploadModel++
	if m.Impl.UploadModel == nil {
		return aihub.RemoteModelHandle{}, errNotImplemented
	}
	return m.Impl.UploadModel(ctx, name, kind, blob)
}

func (m *Backend) SubmitCompile(ctx context.Context, model aihub.RemoteModelHandle, device aihub.Device, opts aihub.CompileOptions) (aihub.JobHandle, error) {
	m.Calls.SubmitCompile++
	if m.Impl.SubmitCompile == nil {
		return aihub.JobHandle{}, errNotImplemented
	}
	return m.Impl.SubmitCompile(ctx, model, device, opts)
}

func (m *Backend) SubmitProfile(ctx context.Context, compiled aihub.JobHandle, device aihub.Device, opts aihub.ProfileOptions) (aihub.JobHandle, error) {
	m.Calls.SubmitProfile++
	if m.Impl.SubmitProfile == nil {
		return aihub.JobHandle{}, errNotImplemented
	}
	return m.Impl.SubmitProfile(ctx, compiled, device, opts)
}

func (m *Backend) SubmitInference(ctx context.Context, compiled aihub.JobHandle, device aihub.Device, inputs aihub.InferenceInputs) (aihub.JobHandle, error) {
	m.Calls.SubmitInference++
	if m.Impl.SubmitInference == nil {
		return aihub.JobHandle{}, errNotImplemented
	}
	return m.Impl.SubmitInference(ctx, compiled, device, inputs)
}

func (m *Backend) Poll(ctx context.Context, job aihub.JobHandle) (aihub.JobStatus, error) {
	m.Calls.Poll++
	if m.Impl.Poll == nil {
		return aihub.JobStatus{}, errNotImplemented
	}
	return m.Impl.Poll(ctx, job)
}

func (m *Backend) FetchLogs(ctx context.Context, job aihub.JobHandle) ([]byte, error) {
	m.Calls.FetchLogs++
	if m.Impl.FetchLogs == nil {
		return nil, errNotImplemented
	}
	return m.Impl.FetchLogs(ctx, job)
}
