// Package probeExecution runs queued ProbeSuite requests: drive the
// backend with fixtures, persist the capability and metric-mapping
// blobs, and swap the workspace's current capabilities record.
package probeExecution

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/edgegate/edgegate/cmd/loops/recurring"
	"github.com/edgegate/edgegate/pkg/aihub"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	capdb "github.com/edgegate/edgegate/pkg/domain/capability/db"
	integrationdb "github.com/edgegate/edgegate/pkg/domain/integration/db"
	probedb "github.com/edgegate/edgegate/pkg/domain/probe/db"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/probe"
)

type Executor struct {
	Probes       probedb.ProbeInterface
	Integrations integrationdb.IntegrationInterface
	Capabilities capdb.CapabilityInterface
	Audit        auditdb.AuditInterface
	Store        *blobstore.Store
	Keyring      *envelope.Keyring
	Backend      aihub.Factory
	Fixtures     []probe.Fixture

	Logger *log.Logger

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type Cursor struct {
	Probed int
}

func Task(iprobe probedb.ProbeInterface, executor *Executor) recurring.Task[Cursor] {
	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		req, claimed, err := iprobe.PickAndClaim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return cursor, false, nil
			}
			return cursor, false, err
		}
		if !claimed {
			return cursor, false, nil
		}

		cursor.Probed += 1
		if err := executor.Execute(ctx, req); err != nil {
			_ = iprobe.Finish(ctx, req.ProbeId, probedb.ProbeError, err.Error())
			return cursor, true, nil
		}
		return cursor, true, nil
	}
}

// sink prefixes blob names with the probe run id, so a payload's probe
// run stays recoverable from its artifact row alone.
type sink struct {
	store       *blobstore.Store
	workspaceId string
	probeRunId  string
}

func (s *sink) PutBlob(ctx context.Context, kind domain.ArtifactKind, name string, content []byte) (string, error) {
	a, err := s.store.Put(ctx, s.workspaceId, kind, s.probeRunId+"/"+name, content)
	if err != nil {
		return "", err
	}
	return a.ArtifactId, nil
}

// probeRunOf recovers the probe run id a stored payload belongs to.
func probeRunOf(a domain.Artifact) string {
	runId, _, found := strings.Cut(a.OriginalFilename, "/")
	if !found {
		return ""
	}
	return runId
}

func (e *Executor) Execute(ctx context.Context, req probedb.ProbeRequest) error {
	integ, err := e.Integrations.Get(ctx, req.WorkspaceId)
	if err != nil || integ.Status != domain.IntegrationActive {
		return domain.NewRunError(domain.ErrcodeNoIntegration, "workspace has no active backend integration")
	}
	plaintext, err := e.Keyring.Open(integ.TokenCiphertext, integ.WrappedDEK)
	if err != nil {
		return domain.NewRunError(domain.ErrcodeTokenInvalid, "sealed backend token unreadable")
	}

	backend, err := e.Backend(ctx, string(plaintext))
	if err != nil {
		return err
	}

	suite := &probe.Suite{
		Backend:    backend,
		Sink:       &sink{store: e.Store, workspaceId: req.WorkspaceId, probeRunId: req.ProbeId},
		Fixtures:   e.Fixtures,
		ProbeRunId: req.ProbeId,
	}

	now := e.now()
	outcome, err := suite.Run(ctx, req.WorkspaceId, now)
	if err != nil {
		return err
	}

	// mapping derivation folds in the payloads of earlier probe runs:
	// stability needs the same path to resolve in two distinct runs.
	payloads := append([]probe.ProfilePayload{}, outcome.ProfilePayloads...)
	payloads = append(payloads, e.previousPayloads(ctx, req.WorkspaceId)...)
	mapping := probe.DeriveMapping(req.WorkspaceId, now, payloads)

	capsDoc, err := json.Marshal(outcome.Document)
	if err != nil {
		return err
	}
	capsBlob, err := e.Store.Put(
		ctx, req.WorkspaceId, domain.ArtifactCapabilities,
		req.ProbeId+"/workspace_capabilities.json", capsDoc,
	)
	if err != nil {
		return err
	}

	mappingDoc, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	mappingBlob, err := e.Store.Put(
		ctx, req.WorkspaceId, domain.ArtifactMetricMapping,
		req.ProbeId+"/metric_mapping.json", mappingDoc,
	)
	if err != nil {
		return err
	}

	if err := e.Capabilities.SetCurrent(ctx, domain.Capabilities{
		WorkspaceId:         req.WorkspaceId,
		CapabilitiesBlobId:  capsBlob.ArtifactId,
		MetricMappingBlobId: mappingBlob.ArtifactId,
		ProbedAt:            now,
		SourceProbeRunId:    req.ProbeId,
	}); err != nil {
		return err
	}

	if e.Audit != nil {
		payload, _ := json.Marshal(map[string]any{"probe_id": req.ProbeId})
		_ = e.Audit.Append(ctx, domain.AuditEvent{
			WorkspaceId: req.WorkspaceId,
			Actor:       "worker",
			EventType:   "capabilities.probed",
			Payload:     payload,
		})
	}

	return e.Probes.Finish(ctx, req.ProbeId, probedb.ProbeDone, "")
}

// previousPayloads loads the profile payloads the current mapping was
// derived from, so this run's derivation sees older runs too.
func (e *Executor) previousPayloads(ctx context.Context, workspaceId string) []probe.ProfilePayload {
	current, err := e.Capabilities.GetCurrent(ctx, workspaceId)
	if err != nil {
		return nil
	}
	_, mappingDoc, err := e.Store.Get(ctx, workspaceId, current.MetricMappingBlobId)
	if err != nil {
		return nil
	}
	mapping, err := probe.ParseMapping(mappingDoc)
	if err != nil {
		return nil
	}

	payloads := []probe.ProfilePayload{}
	for _, ref := range mapping.DerivedFromArtifacts {
		a, content, err := e.Store.Get(ctx, workspaceId, ref)
		if err != nil {
			continue // expired payloads just drop out of the derivation
		}
		runId := probeRunOf(a)
		if runId == "" {
			continue
		}
		payloads = append(payloads, probe.ProfilePayload{
			ArtifactId: ref,
			ProbeRunId: runId,
			Content:    content,
		})
	}
	return payloads
}
