package runExecution_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/edgegate/edgegate/cmd/loops/tasks/runExecution"
	"github.com/edgegate/edgegate/pkg/aihub"
	aihubmock "github.com/edgegate/edgegate/pkg/aihub/mock"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	runmock "github.com/edgegate/edgegate/pkg/domain/run/db/mock"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/gating"
	"github.com/edgegate/edgegate/pkg/probe"
	"github.com/edgegate/edgegate/pkg/signing"
	"github.com/edgegate/edgegate/pkg/utils/cmp"
	"github.com/edgegate/edgegate/pkg/utils/try"
)

// ---- in-memory store plane ----

type memoryObjects struct{ objects map[string][]byte }

func (m *memoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = content
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such object: " + key)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *memoryObjects) Copy(_ context.Context, src, dst string) error {
	content, ok := m.objects[src]
	if !ok {
		return errors.New("no such object: " + src)
	}
	m.objects[dst] = content
	return nil
}

func (m *memoryObjects) Remove(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type memoryRegistry struct {
	rows map[string]domain.Artifact
	next int
}

func (m *memoryRegistry) Create(_ context.Context, a domain.Artifact) (domain.Artifact, error) {
	m.next++
	a.ArtifactId = fmt.Sprintf("artifact-%d", m.next)
	m.rows[a.ArtifactId] = a
	return a, nil
}

func (m *memoryRegistry) Get(_ context.Context, workspaceId, artifactId string) (domain.Artifact, error) {
	a, ok := m.rows[artifactId]
	if !ok || a.WorkspaceId != workspaceId {
		return domain.Artifact{}, domain.ErrMissing
	}
	return a, nil
}

func (m *memoryRegistry) LookupBySha(_ context.Context, workspaceId, sha string) (domain.Artifact, error) {
	for _, a := range m.rows {
		if a.WorkspaceId == workspaceId && a.Sha256 == sha && !a.Tombstoned {
			return a, nil
		}
	}
	return domain.Artifact{}, domain.ErrMissing
}

func (m *memoryRegistry) ListExpired(context.Context, time.Time) ([]domain.Artifact, error) {
	return nil, nil
}

func (m *memoryRegistry) Tombstone(_ context.Context, artifactId string) error {
	a, ok := m.rows[artifactId]
	if !ok {
		return domain.ErrMissing
	}
	a.Tombstoned = true
	m.rows[artifactId] = a
	return nil
}

// ---- single-record DB fakes ----

type onePipeline struct{ pipeline domain.Pipeline }

func (f *onePipeline) Create(context.Context, domain.Pipeline) (domain.Pipeline, error) {
	return domain.Pipeline{}, errors.New("not used")
}

func (f *onePipeline) Get(_ context.Context, workspaceId, pipelineId string) (domain.Pipeline, error) {
	if f.pipeline.WorkspaceId != workspaceId || f.pipeline.PipelineId != pipelineId {
		return domain.Pipeline{}, domain.ErrMissing
	}
	return f.pipeline, nil
}

type onePromptPack struct{ pp domain.PromptPack }

func (f *onePromptPack) Put(context.Context, domain.PromptPack) error {
	return errors.New("not used")
}

func (f *onePromptPack) Publish(context.Context, string, string, string) error {
	return errors.New("not used")
}

func (f *onePromptPack) Get(_ context.Context, workspaceId, logicalId, version string) (domain.PromptPack, error) {
	if f.pp.WorkspaceId != workspaceId || f.pp.LogicalId != logicalId || f.pp.Version != version {
		return domain.PromptPack{}, domain.ErrMissing
	}
	return f.pp, nil
}

type oneIntegration struct {
	integration domain.Integration
	missing     bool
}

func (f *oneIntegration) Upsert(context.Context, domain.Integration) error {
	return errors.New("not used")
}

func (f *oneIntegration) Get(_ context.Context, workspaceId string) (domain.Integration, error) {
	if f.missing || f.integration.WorkspaceId != workspaceId {
		return domain.Integration{}, domain.ErrMissing
	}
	return f.integration, nil
}

func (f *oneIntegration) Delete(context.Context, string) error {
	return errors.New("not used")
}

type oneCapabilities struct{ caps domain.Capabilities }

func (f *oneCapabilities) SetCurrent(context.Context, domain.Capabilities) error {
	return errors.New("not used")
}

func (f *oneCapabilities) GetCurrent(_ context.Context, workspaceId string) (domain.Capabilities, error) {
	if f.caps.WorkspaceId != workspaceId {
		return domain.Capabilities{}, domain.ErrMissing
	}
	return f.caps, nil
}

type auditLog struct{ events []domain.AuditEvent }

func (f *auditLog) Append(_ context.Context, e domain.AuditEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *auditLog) List(context.Context, string, int) ([]domain.AuditEvent, error) {
	return f.events, nil
}

// ---- run record fake over the mock ----

type runRecord struct {
	run      domain.Run
	statuses []domain.RunStatus
	finished struct {
		outcome domain.RunStatus
		bundle  string
		metrics []byte
		gates   []byte
	}
	errored struct {
		code   domain.ErrorCode
		detail string
	}
}

func trackRun(mockRun *runmock.RunInterface, record *runRecord) {
	mockRun.Impl.SetStatus = func(_ context.Context, runId string, from, to domain.RunStatus) error {
		if runId != record.run.RunId || record.run.Status != from || !from.CanTransit(to) {
			return domain.ErrInvalidRunStateChanging
		}
		record.run.Status = to
		record.statuses = append(record.statuses, to)
		return nil
	}
	mockRun.Impl.SetJobSpec = func(_ context.Context, runId, artifactId string) error {
		record.run.JobSpecArtifactId = artifactId
		return nil
	}
	mockRun.Impl.Finish = func(_ context.Context, runId string, outcome domain.RunStatus, metrics, gates []byte, bundle string) error {
		if record.run.Status != domain.Reporting {
			return domain.ErrInvalidRunStateChanging
		}
		record.run.Status = outcome
		record.statuses = append(record.statuses, outcome)
		record.finished.outcome = outcome
		record.finished.bundle = bundle
		record.finished.metrics = metrics
		record.finished.gates = gates
		return nil
	}
	mockRun.Impl.SetError = func(_ context.Context, runId string, code domain.ErrorCode, detail string) error {
		if record.run.Status.Terminal() {
			return domain.ErrInvalidRunStateChanging
		}
		record.run.Status = domain.Errored
		record.statuses = append(record.statuses, domain.Errored)
		record.errored.code = code
		record.errored.detail = detail
		return nil
	}
	mockRun.Impl.CancelRequested = func(_ context.Context, runId string) (bool, error) {
		return record.run.CancelRequestedAt != nil, nil
	}
}

// ---- world assembly ----

type world struct {
	executor *runExecution.Executor
	record   *runRecord
	registry *memoryRegistry
	backend  *aihubmock.Backend
	audits   *auditLog
}

const workspaceId = "ws-1"

func stablePaths(t *testing.T) []byte {
	t.Helper()
	ram := "execution_summary.peak_memory_mb"
	tps := "llm_metrics.tokens_per_second"
	return marshal(t, probe.Mapping{
		WorkspaceId:          workspaceId,
		DerivedFromArtifacts: []string{"p-1", "p-2"},
		Metrics: []probe.MetricPath{
			{Metric: "peak_ram_mb", JSONPath: &ram, Unit: "MB", Stability: gating.Stable},
			{Metric: "tokens_per_sec", JSONPath: &tps, Unit: "tokens/s", Stability: gating.Stable},
		},
	})
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	doc, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func newWorld(t *testing.T, mappingDoc []byte, gates []domain.Gate) *world {
	t.Helper()
	ctx := context.Background()

	objects := &memoryObjects{objects: map[string][]byte{}}
	registry := &memoryRegistry{rows: map[string]domain.Artifact{}}
	store := &blobstore.Store{Objects: objects, Registry: registry}

	keyring := try.To(envelope.NewKeyring(
		"master-v1", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)),
	)).OrFatal(t)
	ciphertext, wrappedDEK, err := keyring.Seal([]byte("qai_token_1234"))
	if err != nil {
		t.Fatal(err)
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	model := try.To(store.Put(ctx, workspaceId, domain.ArtifactModel, "model.onnx", []byte("onnx"))).OrFatal(t)
	mappingBlob := try.To(store.Put(ctx, workspaceId, domain.ArtifactMetricMapping, "mapping.json", mappingDoc)).OrFatal(t)
	capsBlob := try.To(store.Put(ctx, workspaceId, domain.ArtifactCapabilities, "caps.json", []byte(`{"capabilities":[]}`))).OrFatal(t)

	ppContent := marshal(t, map[string]any{"cases": []domain.PromptCase{
		{CaseId: "c-1", Prompt: "2+2?", Expectation: domain.ExpectNone},
	}})

	deadline := time.Now().Add(5 * time.Minute)
	record := &runRecord{run: domain.Run{
		RunId:           "run-1",
		WorkspaceId:     workspaceId,
		PipelineId:      "pl-1",
		Trigger:         domain.TriggerManual,
		Status:          domain.Preparing,
		ModelArtifactId: model.ArtifactId,
		TimeoutMinutes:  5,
		DeadlineAt:      &deadline,
	}}

	mockRun := runmock.NewRunInterface()
	trackRun(mockRun, record)

	backend := happyBackend()
	audits := &auditLog{}

	executor := &runExecution.Executor{
		Runs: mockRun,
		Pipelines: &onePipeline{pipeline: domain.Pipeline{
			PipelineId:    "pl-1",
			WorkspaceId:   workspaceId,
			Name:          "nightly",
			DeviceMatrix:  []string{"Samsung Galaxy S24"},
			PromptPackRef: domain.PromptPackRef{LogicalId: "pp-1", Version: "1.0.0"},
			Gates:         gates,
			RunPolicy:     domain.RunPolicy{WarmupRuns: 1, MeasurementRepeats: 3, MaxNewTokens: 128, TimeoutMinutes: 5},
		}},
		PromptPacks: &onePromptPack{pp: domain.PromptPack{
			WorkspaceId: workspaceId, LogicalId: "pp-1", Version: "1.0.0",
			Sha256: "ab", Content: ppContent, Published: true,
		}},
		Integrations: &oneIntegration{integration: domain.Integration{
			WorkspaceId:     workspaceId,
			Provider:        "qaihub",
			Status:          domain.IntegrationActive,
			TokenCiphertext: ciphertext,
			WrappedDEK:      wrappedDEK,
			TokenLast4:      "1234",
		}},
		Capabilities: &oneCapabilities{caps: domain.Capabilities{
			WorkspaceId:         workspaceId,
			CapabilitiesBlobId:  capsBlob.ArtifactId,
			MetricMappingBlobId: mappingBlob.ArtifactId,
			ProbedAt:            time.Now(),
			SourceProbeRunId:    "probe-1",
		}},
		Audit:   audits,
		Store:   store,
		Keyring: keyring,
		Signer:  signing.New("key-v1", private),
		Backend: func(context.Context, string) (aihub.Backend, error) { return backend, nil },
	}

	return &world{
		executor: executor, record: record, registry: registry,
		backend: backend, audits: audits,
	}
}

const profilePayload = `{
	"execution_summary": {"peak_memory_mb": 3250},
	"llm_metrics": {"tokens_per_second": 18.0}
}`

func happyBackend() *aihubmock.Backend {
	backend := aihubmock.New()
	backend.Impl.ValidateToken = func(context.Context) (aihub.Identity, error) {
		return aihub.Identity{AccountId: "acc"}, nil
	}
	backend.Impl.ListDevices = func(context.Context) ([]aihub.Device, error) {
		return []aihub.Device{{DeviceId: "d-1", Name: "Samsung Galaxy S24"}}, nil
	}
	backend.Impl.UploadModel = func(context.Context, string, string, []byte) (aihub.RemoteModelHandle, error) {
		return aihub.RemoteModelHandle{ModelId: "m-1"}, nil
	}
	jobs := 0
	submit := func() (aihub.JobHandle, error) {
		jobs++
		return aihub.JobHandle{JobId: fmt.Sprintf("job-%d", jobs)}, nil
	}
	backend.Impl.SubmitCompile = func(context.Context, aihub.RemoteModelHandle, aihub.Device, aihub.CompileOptions) (aihub.JobHandle, error) {
		return submit()
	}
	backend.Impl.SubmitProfile = func(context.Context, aihub.JobHandle, aihub.Device, aihub.ProfileOptions) (aihub.JobHandle, error) {
		return submit()
	}
	backend.Impl.SubmitInference = func(context.Context, aihub.JobHandle, aihub.Device, aihub.InferenceInputs) (aihub.JobHandle, error) {
		return submit()
	}
	backend.Impl.Poll = func(context.Context, aihub.JobHandle) (aihub.JobStatus, error) {
		return aihub.JobStatus{State: aihub.JobSuccess, Payload: []byte(profilePayload)}, nil
	}
	backend.Impl.FetchLogs = func(context.Context, aihub.JobHandle) ([]byte, error) {
		return []byte("logs"), nil
	}
	return backend
}

// ---- the theories ----

func TestExecuteHappyPathPasses(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
		{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: false},
	})

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	wantStatuses := []domain.RunStatus{
		domain.Submitting, domain.Running, domain.Collecting,
		domain.Evaluating, domain.Reporting, domain.Passed,
	}
	if !cmp.SliceEq(w.record.statuses, wantStatuses) {
		t.Errorf("statuses: actual=%v, expect=%v", w.record.statuses, wantStatuses)
	}

	if w.record.finished.outcome != domain.Passed {
		t.Errorf("outcome: actual=%s", w.record.finished.outcome)
	}
	if w.record.finished.bundle == "" {
		t.Error("bundle artifact should be recorded")
	}
	if bundle, ok := w.registry.rows[w.record.finished.bundle]; !ok || bundle.Kind != domain.ArtifactBundle {
		t.Errorf("bundle artifact row: actual=%+v", bundle)
	}

	var gates []gating.GateResult
	if err := json.Unmarshal(w.record.finished.gates, &gates); err != nil {
		t.Fatal(err)
	}
	if len(gates) != 2 || gates[0].Outcome != gating.GatePass || gates[1].Outcome != gating.GatePass {
		t.Errorf("gates: actual=%+v", gates)
	}

	if w.record.run.JobSpecArtifactId == "" {
		t.Error("job spec snapshot should be stored before submission")
	}

	// warmup + 3 measurement profiles on one device; no inference since
	// no correctness gate.
	if w.backend.Calls.SubmitProfile != 4 {
		t.Errorf("profile submits: actual=%d, expect=4", w.backend.Calls.SubmitProfile)
	}
	if w.backend.Calls.SubmitInference != 0 {
		t.Errorf("inference submits: actual=%d, expect=0", w.backend.Calls.SubmitInference)
	}
}

func TestExecuteMissingRequiredMetric(t *testing.T) {
	// mapping proves only tokens_per_sec; peak_ram_mb is unavailable.
	tps := "llm_metrics.tokens_per_second"
	mapping := marshal(t, probe.Mapping{
		WorkspaceId: workspaceId,
		Metrics: []probe.MetricPath{
			{Metric: "peak_ram_mb", Stability: gating.Unavailable},
			{Metric: "tokens_per_sec", JSONPath: &tps, Unit: "tokens/s", Stability: gating.Stable},
		},
	})
	w := newWorld(t, mapping, []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeMissingRequiredMetric {
		t.Errorf("error code: actual=%s, expect MISSING_REQUIRED_METRIC", w.record.errored.code)
	}
}

func TestExecuteFlakyRequiredMetric(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: true},
	})

	// repeats [18.0, 8.0, 19.0]: CV ~0.405 over the throughput limit.
	polls := 0
	tpsByCall := []float64{18.0, 8.0, 19.0}
	w.backend.Impl.Poll = func(_ context.Context, job aihub.JobHandle) (aihub.JobStatus, error) {
		payload := profilePayload
		// compile poll and warmup poll answer first; then measurements.
		if 2 <= polls && polls < 5 {
			payload = fmt.Sprintf(
				`{"execution_summary":{"peak_memory_mb":3250},"llm_metrics":{"tokens_per_second":%v}}`,
				tpsByCall[polls-2],
			)
		}
		polls++
		return aihub.JobStatus{State: aihub.JobSuccess, Payload: []byte(payload)}, nil
	}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeFlakyMetric {
		t.Errorf("error code: actual=%s, expect FLAKY_METRIC", w.record.errored.code)
	}
}

func TestExecuteBackendJobFailure(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})
	w.backend.Impl.Poll = func(context.Context, aihub.JobHandle) (aihub.JobStatus, error) {
		return aihub.JobStatus{State: aihub.JobFailed, FailReason: "device rebooted"}, nil
	}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeBackendJobFailed {
		t.Errorf("error code: actual=%s, expect BACKEND_JOB_FAILED", w.record.errored.code)
	}
	if w.record.errored.detail == "" {
		t.Error("vendor reason should land in error_detail")
	}
}

func TestExecuteSubmitRetriesOnceThenFails(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})

	w.backend.Impl.SubmitCompile = func(context.Context, aihub.RemoteModelHandle, aihub.Device, aihub.CompileOptions) (aihub.JobHandle, error) {
		return aihub.JobHandle{}, errors.New("503 from the hub")
	}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeSubmitFailed {
		t.Errorf("error code: actual=%s, expect SUBMIT_FAILED", w.record.errored.code)
	}
	// one attempt plus exactly one retry.
	if w.backend.Calls.SubmitCompile != 2 {
		t.Errorf("compile submits: actual=%d, expect=2", w.backend.Calls.SubmitCompile)
	}
}

func TestExecuteSubmitRecoversOnRetry(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})

	failures := 1
	inner := w.backend.Impl.SubmitCompile
	w.backend.Impl.SubmitCompile = func(ctx context.Context, m aihub.RemoteModelHandle, d aihub.Device, o aihub.CompileOptions) (aihub.JobHandle, error) {
		if 0 < failures {
			failures--
			return aihub.JobHandle{}, errors.New("flaky network")
		}
		return inner(ctx, m, d, o)
	}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.finished.outcome != domain.Passed {
		t.Errorf("outcome: actual=%s (error %s: %s)",
			w.record.run.Status, w.record.errored.code, w.record.errored.detail)
	}
}

func TestExecuteUnpublishedPromptPack(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})
	w.executor.PromptPacks = &onePromptPack{pp: domain.PromptPack{
		WorkspaceId: workspaceId, LogicalId: "pp-1", Version: "1.0.0",
		Content: []byte(`{"cases":[]}`), Published: false,
	}}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeDependencyNotPublished {
		t.Errorf("error code: actual=%s, expect DEPENDENCY_NOT_PUBLISHED", w.record.errored.code)
	}
}

func TestExecuteNoIntegration(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})
	w.executor.Integrations = &oneIntegration{missing: true}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeNoIntegration {
		t.Errorf("error code: actual=%s, expect NO_INTEGRATION", w.record.errored.code)
	}
}

func TestExecuteCancelRequestedMidRun(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})

	// the mark appears while jobs poll; the worker observes it at the
	// next suspension point.
	w.backend.Impl.Poll = func(context.Context, aihub.JobHandle) (aihub.JobStatus, error) {
		now := time.Now()
		w.record.run.CancelRequestedAt = &now
		return aihub.JobStatus{State: aihub.JobSuccess, Payload: []byte(profilePayload)}, nil
	}

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	if w.record.errored.code != domain.ErrcodeCancelled {
		t.Errorf("error code: actual=%s, expect CANCELLED", w.record.errored.code)
	}
}

func TestExecuteAuditsEveryTransition(t *testing.T) {
	w := newWorld(t, stablePaths(t), []domain.Gate{
		{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
	})

	if err := w.executor.Execute(context.Background(), w.record.run); err != nil {
		t.Fatal(err)
	}

	types := map[string]bool{}
	for _, e := range w.audits.events {
		types[e.EventType] = true
		if bytes.Contains(e.Payload, []byte("qai_token")) {
			t.Errorf("audit payload leaks token material: %s", e.Payload)
		}
	}
	for _, want := range []string{
		"run.claimed", "run.submitting", "run.running", "run.collecting",
		"run.evaluating", "run.reporting", "run.finished",
	} {
		if !types[want] {
			t.Errorf("audit event %s missing; have %v", want, types)
		}
	}
}
