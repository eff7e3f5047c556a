package runExecution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/edgegate/edgegate/pkg/aihub"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	capdb "github.com/edgegate/edgegate/pkg/domain/capability/db"
	integrationdb "github.com/edgegate/edgegate/pkg/domain/integration/db"
	pipelinedb "github.com/edgegate/edgegate/pkg/domain/pipeline/db"
	ppdb "github.com/edgegate/edgegate/pkg/domain/promptpack/db"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/gating"
	"github.com/edgegate/edgegate/pkg/metrics"
	"github.com/edgegate/edgegate/pkg/modelpkg"
	"github.com/edgegate/edgegate/pkg/probe"
	"github.com/edgegate/edgegate/pkg/secret"
	"github.com/edgegate/edgegate/pkg/signing"
	"github.com/edgegate/edgegate/pkg/utils/retry"
)

// Executor drives one claimed run from preparing to its terminal
// status. Each status is persisted before the external work of the next
// step starts, so a crashed worker leaves a resumable (or expirable)
// trail rather than a wedged workspace.
type Executor struct {
	Runs         rundb.RunInterface
	Pipelines    pipelinedb.PipelineInterface
	PromptPacks  ppdb.PromptPackInterface
	Integrations integrationdb.IntegrationInterface
	Capabilities capdb.CapabilityInterface
	Audit        auditdb.AuditInterface
	Store        *blobstore.Store
	Keyring      *envelope.Keyring
	Signer       *signing.Signer
	Backend      aihub.Factory

	Metrics *metrics.WorkerMetrics
	Logger  *log.Logger

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// jobSpec is the snapshot stored before submission. The worker's
// remaining work is a pure function of this document and the backend.
type jobSpec struct {
	Version        string            `json:"version"`
	RunId          string            `json:"run_id"`
	WorkspaceId    string            `json:"workspace_id"`
	PipelineId     string            `json:"pipeline_id"`
	ModelSha256    string            `json:"model_sha256"`
	ModelFilename  string            `json:"model_filename"`
	PromptPackSha  string            `json:"promptpack_sha256"`
	Devices        []string          `json:"devices"`
	Gates          []domain.Gate     `json:"gates"`
	RunPolicy      domain.RunPolicy  `json:"run_policy"`
	MetricMapping  probe.Mapping     `json:"metric_mapping"`
}

// hydrated carries everything preparing resolved for the later stages.
type hydrated struct {
	pipeline     domain.Pipeline
	promptpack   domain.PromptPack
	cases        []domain.PromptCase
	mapping      probe.Mapping
	capabilities domain.Capabilities
	model        domain.Artifact
	modelBytes   []byte
	packageKind  modelpkg.PackageKind
	token        secret.Token
	spec         jobSpec
}

// deviceJobs tracks the backend handles of one device's measurement
// sequence: one warmup profile, N measurement profiles, and — when
// correctness is gated — N inference jobs.
type deviceJobs struct {
	device    aihub.Device
	warmup    aihub.JobHandle
	profiles  []aihub.JobHandle
	inference []aihub.JobHandle
}

type collected struct {
	table      *gating.MeasurementTable
	stability  map[string]gating.Stability
	rawBlobs   []evidence.Blob
	devices    []aihub.Device
}

// Execute runs a claimed (preparing) run to a terminal status. The
// returned error is only for infrastructure trouble the caller's loop
// should know about; run-level failures land in the run record.
func (e *Executor) Execute(ctx context.Context, run domain.Run) error {
	if run.DeadlineAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *run.DeadlineAt)
		defer cancel()
	}

	e.Metrics.Claimed()
	e.audit(ctx, run, "run.claimed", nil)

	hyd, err := e.prepare(ctx, &run)
	if err != nil {
		return e.fail(ctx, run, err, domain.ErrcodeLimitExceeded)
	}

	if err := e.transit(ctx, &run, domain.Preparing, domain.Submitting); err != nil {
		return unwound(err)
	}

	backend, jobs, err := e.submit(ctx, &run, hyd)
	if err != nil {
		return e.fail(ctx, run, err, domain.ErrcodeSubmitFailed)
	}

	if err := e.transit(ctx, &run, domain.Submitting, domain.Running); err != nil {
		return unwound(err)
	}

	col, err := e.collect(ctx, &run, hyd, backend, jobs)
	if err != nil {
		if errors.Is(err, errRunTerminated) {
			return nil
		}
		return e.fail(ctx, run, err, domain.ErrcodeBackendJobFailed)
	}

	if err := e.transit(ctx, &run, domain.Collecting, domain.Evaluating); err != nil {
		return unwound(err)
	}

	eval := gating.Evaluate(col.table, hyd.pipeline.Gates, hyd.pipeline.DeviceMatrix, col.stability)
	if eval.Outcome == domain.Errored {
		return e.fail(ctx, run, domain.NewRunError(eval.ErrorCode, eval.ErrorDetail), eval.ErrorCode)
	}

	if err := e.transit(ctx, &run, domain.Evaluating, domain.Reporting); err != nil {
		return unwound(err)
	}

	if err := e.report(ctx, &run, hyd, col, eval); err != nil {
		return e.fail(ctx, run, err, domain.ErrcodeBundleFailed)
	}

	e.Metrics.Finished(string(eval.Outcome))
	e.audit(ctx, run, "run.finished", map[string]any{"outcome": string(eval.Outcome)})
	return nil
}

// prepare hydrates the run's inputs and snapshots the job spec.
func (e *Executor) prepare(ctx context.Context, run *domain.Run) (*hydrated, error) {
	hyd := &hydrated{}

	pipeline, err := e.Pipelines.Get(ctx, run.WorkspaceId, run.PipelineId)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeNotFound, "pipeline not found")
	}
	if err := domain.ValidatePipeline(&pipeline); err != nil {
		return nil, err
	}
	hyd.pipeline = pipeline

	pp, err := e.PromptPacks.Get(
		ctx, run.WorkspaceId, pipeline.PromptPackRef.LogicalId, pipeline.PromptPackRef.Version,
	)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeDependencyNotPublished, "promptpack version not found")
	}
	if !pp.Published {
		return nil, domain.NewRunError(
			domain.ErrcodeDependencyNotPublished,
			fmt.Sprintf("promptpack %s@%s is not published", pp.LogicalId, pp.Version),
		)
	}
	hyd.promptpack = pp
	if err := json.Unmarshal(pp.Content, &struct {
		Cases *[]domain.PromptCase `json:"cases"`
	}{Cases: &hyd.cases}); err != nil {
		return nil, domain.NewRunError(domain.ErrcodeDependencyNotPublished, "promptpack content unreadable")
	}

	caps, err := e.Capabilities.GetCurrent(ctx, run.WorkspaceId)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeNoIntegration, "workspace has never been probed")
	}
	hyd.capabilities = caps

	_, mappingDoc, err := e.Store.Get(ctx, run.WorkspaceId, caps.MetricMappingBlobId)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeNoIntegration, "metric mapping blob unreadable")
	}
	mapping, err := probe.ParseMapping(mappingDoc)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeNoIntegration, "metric mapping blob is not valid")
	}
	hyd.mapping = mapping

	model, modelBytes, err := e.Store.Get(ctx, run.WorkspaceId, run.ModelArtifactId)
	if err != nil {
		if errors.Is(err, blobstore.ErrIntegrity) {
			return nil, domain.NewRunError(domain.ErrcodeIntegrityError, "model bytes fail integrity check")
		}
		return nil, domain.NewRunError(domain.ErrcodeNotFound, "model artifact not found")
	}
	hyd.model = model
	hyd.modelBytes = modelBytes

	res, err := modelpkg.Validate(model.OriginalFilename, bytes.NewReader(modelBytes), model.Bytes)
	if err != nil {
		return nil, err
	}
	hyd.packageKind = res.Kind
	for _, w := range res.Warnings {
		e.audit(ctx, *run, "run.package_warning", map[string]any{"warning": w})
	}

	integ, err := e.Integrations.Get(ctx, run.WorkspaceId)
	if err != nil || integ.Status != domain.IntegrationActive {
		return nil, domain.NewRunError(domain.ErrcodeNoIntegration, "workspace has no active backend integration")
	}
	plaintext, err := e.Keyring.Open(integ.TokenCiphertext, integ.WrappedDEK)
	if err != nil {
		return nil, domain.NewRunError(domain.ErrcodeTokenInvalid, "sealed backend token unreadable")
	}
	hyd.token = secret.NewToken(string(plaintext))

	hyd.spec = jobSpec{
		Version:       "1.0",
		RunId:         run.RunId,
		WorkspaceId:   run.WorkspaceId,
		PipelineId:    pipeline.PipelineId,
		ModelSha256:   model.Sha256,
		ModelFilename: model.OriginalFilename,
		PromptPackSha: pp.Sha256,
		Devices:       pipeline.DeviceMatrix,
		Gates:         pipeline.Gates,
		RunPolicy:     pipeline.RunPolicy,
		MetricMapping: mapping,
	}
	specDoc, err := json.Marshal(hyd.spec)
	if err != nil {
		return nil, err
	}
	specArtifact, err := e.Store.Put(
		ctx, run.WorkspaceId, domain.ArtifactJobSpec, "job_spec.json", specDoc,
	)
	if err != nil {
		return nil, err
	}
	if err := e.Runs.SetJobSpec(ctx, run.RunId, specArtifact.ArtifactId); err != nil {
		return nil, err
	}
	run.JobSpecArtifactId = specArtifact.ArtifactId

	return hyd, nil
}

// submit uploads the model and submits the compile jobs, one per
// device. Each network submit is retried exactly once.
func (e *Executor) submit(
	ctx context.Context, run *domain.Run, hyd *hydrated,
) (aihub.Backend, []*deviceJobs, error) {
	backend, err := e.Backend(ctx, hyd.token.Reveal())
	if err != nil {
		return nil, nil, domain.NewRunError(domain.ErrcodeSubmitFailed, err.Error())
	}

	if _, err := backend.ValidateToken(ctx); err != nil {
		return nil, nil, domain.AsRunError(err, domain.ErrcodeTokenInvalid)
	}

	available, err := backend.ListDevices(ctx)
	if err != nil {
		return nil, nil, domain.NewRunError(domain.ErrcodeSubmitFailed, "device list: "+err.Error())
	}
	byName := map[string]aihub.Device{}
	for _, d := range available {
		byName[d.Name] = d
	}

	model, err := submitOnce(ctx, func() (aihub.RemoteModelHandle, error) {
		return backend.UploadModel(ctx, hyd.model.OriginalFilename, string(hyd.packageKind), hyd.modelBytes)
	})
	if err != nil {
		return nil, nil, domain.NewRunError(domain.ErrcodeSubmitFailed, "model upload: "+err.Error())
	}

	jobs := []*deviceJobs{}
	for _, name := range hyd.pipeline.DeviceMatrix {
		device, ok := byName[name]
		if !ok {
			return nil, nil, domain.NewRunError(
				domain.ErrcodeSubmitFailed, "device '"+name+"' is not offered by the backend",
			)
		}

		compile, err := submitOnce(ctx, func() (aihub.JobHandle, error) {
			return backend.SubmitCompile(ctx, model, device, aihub.CompileOptions{
				Target: aihub.TargetQNNDLC,
			})
		})
		if err != nil {
			return nil, nil, domain.NewRunError(
				domain.ErrcodeSubmitFailed, "compile on "+name+": "+err.Error(),
			)
		}
		jobs = append(jobs, &deviceJobs{device: device, warmup: compile})
		// compile handle doubles as the dependency for the profile
		// fan-out in collect; warmup/profiles fill in there.
	}
	return backend, jobs, nil
}

// submitOnce retries a failed submit exactly once.
func submitOnce[T any](ctx context.Context, f func() (T, error)) (T, error) {
	v, err := f()
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return v, ctx.Err()
	}
	return f()
}

func (e *Executor) checkInterrupted(ctx context.Context, run *domain.Run) error {
	if ctx.Err() != nil {
		return domain.NewRunError(domain.ErrcodeTimeout, "run deadline exceeded")
	}
	cancelled, err := e.Runs.CancelRequested(ctx, run.RunId)
	if err == nil && cancelled {
		return domain.NewRunError(domain.ErrcodeCancelled, "cancelled by request")
	}
	return nil
}

// collect waits out the compile jobs, fans out the measurement
// sequence, waits again, and materializes the measurement table.
func (e *Executor) collect(
	ctx context.Context,
	run *domain.Run,
	hyd *hydrated,
	backend aihub.Backend,
	jobs []*deviceJobs,
) (*collected, error) {
	policy := hyd.pipeline.RunPolicy
	needOutputs := e.needsInference(hyd)

	// compile barrier: each device's measurement jobs depend on its
	// compiled artifact.
	for _, dj := range jobs {
		compileStatus, err := e.await(ctx, run, backend, dj.warmup)
		if err != nil {
			return nil, err
		}
		if compileStatus.State == aihub.JobFailed {
			return nil, domain.NewRunError(
				domain.ErrcodeBackendJobFailed,
				"compile on "+dj.device.Name+": "+compileStatus.FailReason,
			)
		}

		compiled := dj.warmup

		warmup, err := submitOnce(ctx, func() (aihub.JobHandle, error) {
			return backend.SubmitProfile(ctx, compiled, dj.device, aihub.ProfileOptions{Iterations: 1})
		})
		if err != nil {
			return nil, domain.NewRunError(domain.ErrcodeSubmitFailed, "warmup profile: "+err.Error())
		}
		dj.warmup = warmup

		for i := 0; i < policy.MeasurementRepeats; i++ {
			p, err := submitOnce(ctx, func() (aihub.JobHandle, error) {
				return backend.SubmitProfile(ctx, compiled, dj.device, aihub.ProfileOptions{Iterations: 1})
			})
			if err != nil {
				return nil, domain.NewRunError(domain.ErrcodeSubmitFailed, "profile: "+err.Error())
			}
			dj.profiles = append(dj.profiles, p)
		}

		if needOutputs {
			prompts := make([]string, 0, len(hyd.cases))
			for _, c := range hyd.cases {
				prompts = append(prompts, c.Prompt)
			}
			for i := 0; i < policy.MeasurementRepeats; i++ {
				inf, err := submitOnce(ctx, func() (aihub.JobHandle, error) {
					return backend.SubmitInference(ctx, compiled, dj.device, aihub.InferenceInputs{
						Prompts:      prompts,
						MaxNewTokens: policy.MaxNewTokens,
					})
				})
				if err != nil {
					return nil, domain.NewRunError(domain.ErrcodeSubmitFailed, "inference: "+err.Error())
				}
				dj.inference = append(dj.inference, inf)
			}
		}
	}

	if err := e.transit(ctx, run, domain.Running, domain.Collecting); err != nil {
		return nil, err
	}

	col := &collected{
		table:     gating.NewMeasurementTable(),
		stability: hyd.mapping.StabilityTable(),
	}

	for _, dj := range jobs {
		col.devices = append(col.devices, dj.device)

		// warmup first: tagged, stored, excluded from the table rows
		// that gates can see.
		warmupStatus, err := e.await(ctx, run, backend, dj.warmup)
		if err != nil {
			return nil, err
		}
		if warmupStatus.State == aihub.JobSuccess {
			e.extractInto(col.table, hyd.mapping, dj.device.Name, warmupStatus.Payload, true)
			col.rawBlobs = append(col.rawBlobs, evidence.Blob{
				Path:    fmt.Sprintf("raw/%s/warmup_profile.json", dj.device.DeviceId),
				Content: warmupStatus.Payload,
			})
		}

		for i, p := range dj.profiles {
			status, err := e.await(ctx, run, backend, p)
			if err != nil {
				return nil, err
			}
			if status.State == aihub.JobFailed {
				return nil, domain.NewRunError(
					domain.ErrcodeBackendJobFailed,
					"profile on "+dj.device.Name+": "+status.FailReason,
				)
			}
			e.extractInto(col.table, hyd.mapping, dj.device.Name, status.Payload, false)
			col.rawBlobs = append(col.rawBlobs, evidence.Blob{
				Path:    fmt.Sprintf("raw/%s/profile_%d.json", dj.device.DeviceId, i),
				Content: status.Payload,
			})
		}

		if 0 < len(dj.inference) {
			scores := e.scoreInference(ctx, run, backend, hyd, dj, col)
			if aggregate, ok := gating.AggregateCorrectness(scores); ok {
				col.table.Add(dj.device.Name, gating.CorrectnessMetric, aggregate)
				col.stability[gating.CorrectnessMetric] = gating.Stable
			}
		}
	}

	// raw payloads become artifacts so the error path keeps them too.
	for _, blob := range col.rawBlobs {
		if _, err := e.Store.Put(ctx, run.WorkspaceId, domain.ArtifactRunRaw, blob.Path, blob.Content); err != nil {
			e.logf("run %s: storing %s: %v", run.RunId, blob.Path, err)
		}
	}
	return col, nil
}

// scoreInference folds inference outputs into per-case, per-repeat 0/1
// scores. Cases with expectation "none" never score.
func (e *Executor) scoreInference(
	ctx context.Context,
	run *domain.Run,
	backend aihub.Backend,
	hyd *hydrated,
	dj *deviceJobs,
	col *collected,
) [][]float64 {
	scored := []domain.PromptCase{}
	for _, c := range hyd.cases {
		if c.Expectation != domain.ExpectNone && c.Expectation != "" {
			scored = append(scored, c)
		}
	}
	scores := make([][]float64, len(scored))

	for repeat, job := range dj.inference {
		status, err := e.await(ctx, run, backend, job)
		if err != nil || status.State != aihub.JobSuccess {
			continue
		}
		col.rawBlobs = append(col.rawBlobs, evidence.Blob{
			Path:    fmt.Sprintf("raw/%s/inference_%d.json", dj.device.DeviceId, repeat),
			Content: status.Payload,
		})

		var outputs struct {
			Outputs []string `json:"outputs"`
		}
		if err := json.Unmarshal(status.Payload, &outputs); err != nil {
			continue
		}

		// outputs align with the submitted prompt order (all cases);
		// map back to the scored subset.
		outputByPrompt := map[string]string{}
		for i, c := range hyd.cases {
			if i < len(outputs.Outputs) {
				outputByPrompt[c.CaseId] = outputs.Outputs[i]
			}
		}
		for si, c := range scored {
			out, ok := outputByPrompt[c.CaseId]
			if !ok {
				continue
			}
			scores[si] = append(scores[si], gating.ScoreCase(c, out))
		}
	}
	return scores
}

func (e *Executor) extractInto(
	table *gating.MeasurementTable,
	mapping probe.Mapping,
	device string,
	payload []byte,
	warmup bool,
) {
	for _, mp := range mapping.Metrics {
		value, ok := probe.Extract(payload, mp)
		if !ok {
			continue
		}
		if warmup {
			table.AddWarmup(device, mp.Metric, value)
		} else {
			table.Add(device, mp.Metric, value)
		}
	}
}

// await polls one job to a terminal state: base 2s, factor 2, cap 60s,
// the run deadline bounding the whole wait. Cancellation is observed
// between polls.
func (e *Executor) await(
	ctx context.Context, run *domain.Run, backend aihub.Backend, job aihub.JobHandle,
) (aihub.JobStatus, error) {
	backoff := retry.ExponentialBackoff(2*time.Second, 2, 60*time.Second)
	status, err := retry.Blocking(ctx, backoff, func() (aihub.JobStatus, error) {
		if err := e.checkInterrupted(ctx, run); err != nil {
			return aihub.JobStatus{}, err
		}
		start := e.now()
		status, err := backend.Poll(ctx, job)
		e.Metrics.ObservePoll(e.now().Sub(start).Seconds())
		if err != nil {
			// transient poll trouble is retried until the deadline.
			return aihub.JobStatus{}, retry.ErrRetry
		}
		if !status.State.Terminal() {
			return status, retry.ErrRetry
		}
		return status, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return aihub.JobStatus{}, domain.NewRunError(domain.ErrcodeTimeout, "run deadline exceeded while polling")
		}
		return aihub.JobStatus{}, err
	}
	return status, nil
}

func (e *Executor) needsInference(hyd *hydrated) bool {
	for _, g := range hyd.pipeline.Gates {
		if g.Metric == gating.CorrectnessMetric {
			return true
		}
	}
	return false
}

// report assembles and signs the bundle, then terminalizes the run.
func (e *Executor) report(
	ctx context.Context,
	run *domain.Run,
	hyd *hydrated,
	col *collected,
	eval gating.Evaluation,
) error {
	metricsDoc := e.normalizedMetricsDoc(col, hyd)
	gatesDoc, err := json.Marshal(eval.Gates)
	if err != nil {
		return err
	}

	devices := make([]evidence.SummaryDevice, 0, len(col.devices))
	for _, d := range col.devices {
		devices = append(devices, evidence.SummaryDevice{
			DeviceId: d.DeviceId, DeviceName: d.Name,
		})
	}

	blobs := append([]evidence.Blob{}, col.rawBlobs...)
	if _, mappingDoc, err := e.Store.Get(ctx, run.WorkspaceId, hyd.capabilities.MetricMappingBlobId); err == nil {
		blobs = append(blobs, evidence.Blob{Path: "mapping/metric_mapping.json", Content: mappingDoc})
	}
	if _, capsDoc, err := e.Store.Get(ctx, run.WorkspaceId, hyd.capabilities.CapabilitiesBlobId); err == nil {
		blobs = append(blobs, evidence.Blob{Path: "capabilities/workspace_capabilities.json", Content: capsDoc})
	}

	summary := evidence.Summary{
		WorkspaceId: run.WorkspaceId,
		PipelineId:  hyd.pipeline.PipelineId,
		RunId:       run.RunId,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
		Inputs: evidence.SummaryInputs{
			Model: evidence.SummaryInputModel{
				ArtifactId: hyd.model.ArtifactId, Sha256: hyd.model.Sha256,
			},
			PromptPack: evidence.SummaryInputPromptPack{
				PromptPackId: hyd.promptpack.LogicalId,
				Version:      hyd.promptpack.Version,
				Sha256:       hyd.promptpack.Sha256,
			},
			Devices: devices,
		},
		CapabilitiesRef:  hyd.capabilities.CapabilitiesBlobId,
		MetricMappingRef: hyd.capabilities.MetricMappingBlobId,
		Results: evidence.SummaryResults{
			Status:            string(eval.Outcome),
			NormalizedMetrics: metricsDoc,
			GatesEvaluation:   gatesDoc,
		},
	}

	zip, err := evidence.Build(summary, blobs, e.Signer)
	if err != nil {
		return domain.NewRunError(domain.ErrcodeBundleFailed, err.Error())
	}

	bundle, err := e.Store.PutBundle(ctx, run.WorkspaceId, run.RunId, zip)
	if err != nil {
		return domain.NewRunError(domain.ErrcodeBundleFailed, err.Error())
	}

	if err := e.Runs.Finish(ctx, run.RunId, eval.Outcome, metricsDoc, gatesDoc, bundle.ArtifactId); err != nil {
		return err
	}
	run.Status = eval.Outcome
	return nil
}

type normalizedMetric struct {
	Device string  `json:"device"`
	Metric string  `json:"metric"`
	Median float64 `json:"median"`
	Unit   string  `json:"unit,omitempty"`
}

func (e *Executor) normalizedMetricsDoc(col *collected, hyd *hydrated) []byte {
	rows := []normalizedMetric{}
	for _, d := range col.devices {
		for _, mp := range hyd.mapping.Metrics {
			values := col.table.Values(d.Name, mp.Metric)
			if len(values) == 0 {
				continue
			}
			rows = append(rows, normalizedMetric{
				Device: d.Name,
				Metric: mp.Metric,
				Median: gating.Median(values),
				Unit:   mp.Unit,
			})
		}
		if values := col.table.Values(d.Name, gating.CorrectnessMetric); 0 < len(values) {
			rows = append(rows, normalizedMetric{
				Device: d.Name, Metric: gating.CorrectnessMetric, Median: gating.Median(values),
			})
		}
	}
	doc, _ := json.Marshal(rows)
	return doc
}

// unwound maps the mid-flight termination sentinel to a clean return.
func unwound(err error) error {
	if errors.Is(err, errRunTerminated) {
		return nil
	}
	return err
}

// errRunTerminated: the run was terminalized mid-flight (deadline or
// cancel); the caller unwinds without treating it as infrastructure
// trouble.
var errRunTerminated = errors.New("run terminated")

// transit persists one status edge and audits it. Persisting before the
// next step's external I/O is the crash-recovery contract.
func (e *Executor) transit(ctx context.Context, run *domain.Run, from, to domain.RunStatus) error {
	if err := e.checkInterrupted(ctx, run); err != nil {
		if failErr := e.fail(ctx, *run, err, domain.ErrcodeTimeout); failErr != nil {
			return failErr
		}
		return errRunTerminated
	}
	if err := e.Runs.SetStatus(ctx, run.RunId, from, to); err != nil {
		return err
	}
	run.Status = to
	e.audit(ctx, *run, "run."+string(to), nil)
	return nil
}

// fail terminalizes the run with the error's code. Artifacts already
// stored stay linked from the error record. The write happens on a
// cancel-free context: a lapsed run deadline must not block recording
// the TIMEOUT itself.
func (e *Executor) fail(ctx context.Context, run domain.Run, cause error, fallback domain.ErrorCode) error {
	ctx = context.WithoutCancel(ctx)

	re := domain.AsRunError(cause, fallback)
	if errors.Is(cause, context.DeadlineExceeded) {
		re = domain.NewRunError(domain.ErrcodeTimeout, "run deadline exceeded")
	}

	if err := e.Runs.SetError(ctx, run.RunId, re.Code, re.Detail); err != nil {
		if errors.Is(err, domain.ErrInvalidRunStateChanging) {
			return nil // already terminal; nothing to do
		}
		return err
	}
	e.Metrics.Finished(string(domain.Errored))
	e.audit(ctx, run, "run.error", map[string]any{
		"error_code": string(re.Code), "error_detail": re.Detail,
	})
	e.logf("run %s: %s: %s", run.RunId, re.Code, re.Detail)
	return nil
}

func (e *Executor) audit(ctx context.Context, run domain.Run, eventType string, payload map[string]any) {
	if e.Audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["run_id"] = run.RunId
	doc, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = e.Audit.Append(ctx, domain.AuditEvent{
		WorkspaceId: run.WorkspaceId,
		Actor:       "worker",
		EventType:   eventType,
		Payload:     doc,
	})
}
