// Package probe drives the backend with fixture models to learn, per
// workspace, what the backend actually exposes. Every claim in the
// resulting capabilities document is justified by a stored raw payload;
// the suite records what it saw, never what it hoped for.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/edgegate/edgegate/pkg/aihub"
	"github.com/edgegate/edgegate/pkg/domain"
	"github.com/edgegate/edgegate/pkg/modelpkg"
	"github.com/edgegate/edgegate/pkg/utils/retry"
)

// capability ids the blob must enumerate at minimum.
const (
	CapTokenValidation        = "TOKEN_VALIDATION"
	CapDeviceList             = "DEVICE_LIST"
	CapTargetQNNDLC           = "TARGET_QNN_DLC"
	CapModelONNXExternalData  = "MODEL_ONNX_EXTERNAL_DATA"
	CapModelAIMETEncodings    = "MODEL_AIMET_ONNX_ENCODINGS"
	CapProfileMetrics         = "PROFILE_METRICS"
	CapInferenceOutputs       = "INFERENCE_OUTPUTS"
	CapJobLogs                = "JOB_LOGS"
)

type CapabilityStability string

const (
	CapStable   CapabilityStability = "stable"
	CapUnstable CapabilityStability = "unstable"
	CapUnknown  CapabilityStability = "unknown"
)

// Capability is one entry of the workspace_capabilities.json document.
// EvidenceArtifactId names the raw payload whose shape justified the
// claim; it is empty only when Available is false.
type Capability struct {
	Id                 string              `json:"id"`
	Available          bool                `json:"available"`
	Stability          CapabilityStability `json:"stability"`
	EvidenceArtifactId string              `json:"evidence_artifact_id,omitempty"`
	Detail             string              `json:"detail,omitempty"`
}

// Document is the workspace_capabilities.json document.
type Document struct {
	WorkspaceId  string       `json:"workspace_id"`
	ProbeRunId   string       `json:"probe_run_id"`
	ProbedAt     time.Time    `json:"probed_at"`
	Capabilities []Capability `json:"capabilities"`

	DevicePrimary   *aihub.Device `json:"device_primary,omitempty"`
	DeviceSecondary *aihub.Device `json:"device_secondary,omitempty"`
}

func (d *Document) set(cap Capability) {
	for i := range d.Capabilities {
		if d.Capabilities[i].Id == cap.Id {
			d.Capabilities[i] = cap
			return
		}
	}
	d.Capabilities = append(d.Capabilities, cap)
}

func (d Document) Get(id string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Id == id {
			return c, true
		}
	}
	return Capability{}, false
}

// BlobSink stores raw probe payloads. The worker backs this with the
// content-addressed store.
type BlobSink interface {
	PutBlob(ctx context.Context, kind domain.ArtifactKind, name string, content []byte) (artifactId string, err error)
}

// Fixture is one packaging fixture the suite compiles.
type Fixture struct {
	Kind modelpkg.PackageKind
	Name string
	Blob []byte
}

// Suite runs the probe ladder for one workspace.
type Suite struct {
	Backend    aihub.Backend
	Sink       BlobSink
	Fixtures   []Fixture
	ProbeRunId string

	// PollTimeout bounds the wait on each probe job.
	PollTimeout time.Duration
}

// Outcome of one suite run: the capabilities document plus the raw
// profile payloads captured for mapping derivation with earlier runs.
type Outcome struct {
	Document        Document
	ProfilePayloads []ProfilePayload
}

// Run executes the ladder fail-soft: each step's failure records the
// capability as unavailable and later steps proceed where they can.
func (s *Suite) Run(ctx context.Context, workspaceId string, now time.Time) (Outcome, error) {
	doc := Document{
		WorkspaceId: workspaceId,
		ProbeRunId:  s.ProbeRunId,
		ProbedAt:    now,
	}
	out := Outcome{}

	// seed every mandatory capability as unknown-unavailable so the blob
	// enumerates them even when earlier steps abort the ladder.
	for _, id := range []string{
		CapTokenValidation, CapDeviceList, CapTargetQNNDLC,
		CapModelONNXExternalData, CapModelAIMETEncodings,
		CapProfileMetrics, CapInferenceOutputs, CapJobLogs,
	} {
		doc.set(Capability{Id: id, Available: false, Stability: CapUnknown})
	}

	// 1. token
	identity, err := s.Backend.ValidateToken(ctx)
	if err != nil {
		doc.set(Capability{
			Id: CapTokenValidation, Available: false, Stability: CapStable,
			Detail: err.Error(),
		})
		out.Document = doc
		return out, nil // nothing else can work without the token
	}
	idPayload, _ := json.Marshal(identity)
	tokenRef := s.putBlob(ctx, "token_validation.json", idPayload)
	doc.set(Capability{
		Id: CapTokenValidation, Available: true, Stability: CapStable,
		EvidenceArtifactId: tokenRef,
	})

	// 2. devices
	devices, err := s.Backend.ListDevices(ctx)
	if err != nil || len(devices) == 0 {
		detail := "no devices"
		if err != nil {
			detail = err.Error()
		}
		doc.set(Capability{
			Id: CapDeviceList, Available: false, Stability: CapStable, Detail: detail,
		})
		out.Document = doc
		return out, nil
	}
	devPayload, _ := json.Marshal(devices)
	devRef := s.putBlob(ctx, "device_list.json", devPayload)
	doc.set(Capability{
		Id: CapDeviceList, Available: true, Stability: CapStable,
		EvidenceArtifactId: devRef,
	})

	doc.DevicePrimary = &devices[0]
	if 1 < len(devices) {
		doc.DeviceSecondary = &devices[1]
	}
	primary := devices[0]

	// 3. packaging fixtures, in declared order
	var completedJob *aihub.JobHandle
	for _, fixture := range s.orderedFixtures() {
		s.probeFixture(ctx, &doc, &out, fixture, primary, &completedJob)
	}

	// 4. logs for one completed job
	if completedJob != nil {
		logs, err := s.Backend.FetchLogs(ctx, *completedJob)
		if err != nil {
			doc.set(Capability{
				Id: CapJobLogs, Available: false, Stability: CapStable,
				Detail: err.Error(),
			})
		} else {
			ref := s.putBlob(ctx, "job_logs.txt", logs)
			doc.set(Capability{
				Id: CapJobLogs, Available: true, Stability: CapStable,
				EvidenceArtifactId: ref,
			})
		}
	}

	out.Document = doc
	return out, nil
}

func (s *Suite) orderedFixtures() []Fixture {
	order := []modelpkg.PackageKind{
		modelpkg.ONNXSingle, modelpkg.ONNXExternal, modelpkg.AIMETQuant,
	}
	sorted := []Fixture{}
	for _, kind := range order {
		for _, f := range s.Fixtures {
			if f.Kind == kind {
				sorted = append(sorted, f)
			}
		}
	}
	return sorted
}

func capForKind(kind modelpkg.PackageKind) string {
	switch kind {
	case modelpkg.ONNXExternal:
		return CapModelONNXExternalData
	case modelpkg.AIMETQuant:
		return CapModelAIMETEncodings
	default:
		return CapTargetQNNDLC
	}
}

func (s *Suite) probeFixture(
	ctx context.Context,
	doc *Document,
	out *Outcome,
	fixture Fixture,
	device aihub.Device,
	completedJob **aihub.JobHandle,
) {
	capId := capForKind(fixture.Kind)

	unavailable := func(detail string) {
		doc.set(Capability{
			Id: capId, Available: false, Stability: CapStable, Detail: detail,
		})
	}

	reader := bytes.NewReader(fixture.Blob)
	if _, err := modelpkg.Validate(fixture.Name, reader, int64(len(fixture.Blob))); err != nil {
		unavailable("fixture rejected: " + err.Error())
		return
	}

	model, err := s.Backend.UploadModel(ctx, fixture.Name, string(fixture.Kind), fixture.Blob)
	if err != nil {
		unavailable("upload failed: " + err.Error())
		return
	}

	compile, err := s.Backend.SubmitCompile(ctx, model, device, aihub.CompileOptions{
		Target: aihub.TargetQNNDLC,
	})
	if err != nil {
		unavailable("compile submit failed: " + err.Error())
		return
	}

	status, err := s.awaitJob(ctx, compile)
	if err != nil || status.State != aihub.JobSuccess {
		detail := "compile did not succeed"
		if err != nil {
			detail = err.Error()
		} else if status.FailReason != "" {
			detail = status.FailReason
		}
		unavailable(detail)
		return
	}

	compileRef := s.putBlob(ctx, string(fixture.Kind)+"_compile.json", status.Payload)
	doc.set(Capability{
		Id: capId, Available: true, Stability: CapStable,
		EvidenceArtifactId: compileRef,
	})
	if capId != CapTargetQNNDLC {
		// any successful qnn_dlc compile also proves the target.
		doc.set(Capability{
			Id: CapTargetQNNDLC, Available: true, Stability: CapStable,
			EvidenceArtifactId: compileRef,
		})
	}
	*completedJob = &compile

	// profile on the primary device
	profile, err := s.Backend.SubmitProfile(ctx, compile, device, aihub.ProfileOptions{Iterations: 1})
	if err == nil {
		if st, err := s.awaitJob(ctx, profile); err == nil && st.State == aihub.JobSuccess {
			ref := s.putBlob(ctx, string(fixture.Kind)+"_profile.json", st.Payload)
			doc.set(Capability{
				Id: CapProfileMetrics, Available: true, Stability: CapStable,
				EvidenceArtifactId: ref,
			})
			out.ProfilePayloads = append(out.ProfilePayloads, ProfilePayload{
				ArtifactId: ref,
				ProbeRunId: s.ProbeRunId,
				Content:    st.Payload,
			})
			*completedJob = &profile
		} else if cur, _ := doc.Get(CapProfileMetrics); !cur.Available {
			doc.set(Capability{
				Id: CapProfileMetrics, Available: false, Stability: CapUnstable,
				Detail: "profile job did not succeed",
			})
		}
	}

	// inference on the primary device
	inference, err := s.Backend.SubmitInference(ctx, compile, device, aihub.InferenceInputs{
		Prompts:      []string{"ping"},
		MaxNewTokens: 8,
	})
	if err == nil {
		if st, err := s.awaitJob(ctx, inference); err == nil && st.State == aihub.JobSuccess {
			ref := s.putBlob(ctx, string(fixture.Kind)+"_inference.json", st.Payload)
			doc.set(Capability{
				Id: CapInferenceOutputs, Available: true, Stability: CapStable,
				EvidenceArtifactId: ref,
			})
		} else if cur, _ := doc.Get(CapInferenceOutputs); !cur.Available {
			doc.set(Capability{
				Id: CapInferenceOutputs, Available: false, Stability: CapUnstable,
				Detail: "inference job did not succeed",
			})
		}
	}
}

func (s *Suite) awaitJob(ctx context.Context, job aihub.JobHandle) (aihub.JobStatus, error) {
	timeout := s.PollTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := retry.ExponentialBackoff(2*time.Second, 2, 60*time.Second)
	return retry.Blocking(ctx, backoff, func() (aihub.JobStatus, error) {
		status, err := s.Backend.Poll(ctx, job)
		if err != nil {
			return status, err
		}
		if !status.State.Terminal() {
			return status, retry.ErrRetry
		}
		return status, nil
	})
}

func (s *Suite) putBlob(ctx context.Context, name string, content []byte) string {
	id, err := s.Sink.PutBlob(ctx, domain.ArtifactProbeRaw, name, content)
	if err != nil {
		return ""
	}
	return id
}

