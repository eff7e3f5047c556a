package runs

import (
	"encoding/json"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
)

// Detail is the run representation the control plane serves.
type Detail struct {
	RunId             string          `json:"run_id"`
	PipelineId        string          `json:"pipeline_id"`
	Trigger           string          `json:"trigger"`
	Status            string          `json:"status"`
	ModelArtifactId   string          `json:"model_artifact_id"`
	NormalizedMetrics json.RawMessage `json:"normalized_metrics,omitempty"`
	GatesEval         json.RawMessage `json:"gates_eval,omitempty"`
	BundleArtifactId  string          `json:"bundle_artifact_id,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorDetail       string          `json:"error_detail,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func ComposeDetail(r domain.Run) Detail {
	return Detail{
		RunId:             r.RunId,
		PipelineId:        r.PipelineId,
		Trigger:           string(r.Trigger),
		Status:            string(r.Status),
		ModelArtifactId:   r.ModelArtifactId,
		NormalizedMetrics: json.RawMessage(r.NormalizedMetrics),
		GatesEval:         json.RawMessage(r.GatesEval),
		BundleArtifactId:  r.BundleArtifactId,
		ErrorCode:         string(r.ErrorCode),
		ErrorDetail:       r.ErrorDetail,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (d Detail) Equal(o Detail) bool {
	return d.RunId == o.RunId &&
		d.PipelineId == o.PipelineId &&
		d.Status == o.Status &&
		d.ErrorCode == o.ErrorCode
}

// CI exit codes: what a CI helper polling a run should exit with.
const (
	ExitPassed     = 0
	ExitFailed     = 1
	ExitError      = 2
	ExitAuthConfig = 3
)

// ExitCode maps a terminal run onto the CI contract. Non-terminal runs
// have no exit code yet; callers keep polling.
func ExitCode(r domain.Run) (int, bool) {
	switch r.Status {
	case domain.Passed:
		return ExitPassed, true
	case domain.Failed:
		return ExitFailed, true
	case domain.Errored:
		return ExitError, true
	default:
		return 0, false
	}
}
