// Package aihub abstracts the external compute hub that runs jobs on
// real devices. Only this package speaks the vendor protocol; every
// payload it returns is an opaque byte blob to the rest of the system.
// Interpretation belongs to the probe suite (which proves which paths
// exist) and the run worker (which extracts via the stored mapping).
package aihub

import (
	"context"
	"errors"
)

// ErrLogsUnavailable: the backend holds no logs for this job.
var ErrLogsUnavailable = errors.New("job logs unavailable")

type Identity struct {
	AccountId string
	Email     string
}

type Device struct {
	DeviceId string
	Name     string
	Chipset  string
	OS       string
}

// RemoteModelHandle names an uploaded model on the backend.
type RemoteModelHandle struct {
	ModelId string
}

// JobHandle names a submitted job on the backend.
type JobHandle struct {
	JobId string
}

type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobSuccess JobState = "success"
	JobFailed  JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// JobStatus is one poll observation. Payload is only set on success and
// stays opaque; FailReason is only set on failure.
type JobStatus struct {
	State      JobState
	Payload    []byte
	FailReason string
}

type TargetRuntime string

const TargetQNNDLC TargetRuntime = "qnn_dlc"

type CompileOptions struct {
	Target TargetRuntime
}

type ProfileOptions struct {
	// Iterations the backend should run; warmup handling is ours.
	Iterations int
}

// InferenceInputs carries the prompt batch for one inference job.
type InferenceInputs struct {
	Prompts      []string
	MaxNewTokens int
}

// Backend is the capability set the core consumes. One concrete
// implementation wraps the vendor SDK; tests use the mock package.
type Backend interface {
	ValidateToken(ctx context.Context) (Identity, error)
	ListDevices(ctx context.Context) ([]Device, error)
	UploadModel(ctx context.Context, name string, kind string, blob []byte) (RemoteModelHandle, error)
	SubmitCompile(ctx context.Context, model RemoteModelHandle, device Device, opts CompileOptions) (JobHandle, error)
	SubmitProfile(ctx context.Context, compiled JobHandle, device Device, opts ProfileOptions) (JobHandle, error)
	SubmitInference(ctx context.Context, compiled JobHandle, device Device, inputs InferenceInputs) (JobHandle, error)
	Poll(ctx context.Context, job JobHandle) (JobStatus, error)
	FetchLogs(ctx context.Context, job JobHandle) ([]byte, error)
}

// Factory builds a Backend bound to one workspace's token. The token
// reaches this call transiently; implementations must not retain it
// beyond the client they return.
type Factory func(ctx context.Context, token string) (Backend, error)
