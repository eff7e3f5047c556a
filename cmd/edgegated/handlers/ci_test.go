package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/edgegate/edgegate/cmd/edgegated/handlers"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/domain"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
	runmock "github.com/edgegate/edgegate/pkg/domain/run/db/mock"
	"github.com/edgegate/edgegate/pkg/secret"
)

type secretSource map[string]string

func (s secretSource) CISecret(_ context.Context, workspaceId string) (secret.Token, error) {
	key, ok := s[workspaceId]
	if !ok {
		return secret.Token{}, domain.ErrMissing
	}
	return secret.NewToken(key), nil
}

type nonceStore struct{ spent map[string]bool }

func (s *nonceStore) Spend(_ context.Context, n domain.CINonce) error {
	key := n.WorkspaceId + "/" + n.Nonce
	if s.spent[key] {
		return domain.ErrConflict
	}
	s.spent[key] = true
	return nil
}

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

type oneArtifactRegistry struct{ artifact domain.Artifact }

func (f *oneArtifactRegistry) Create(_ context.Context, a domain.Artifact) (domain.Artifact, error) {
	return a, nil
}

func (f *oneArtifactRegistry) Get(_ context.Context, workspaceId, artifactId string) (domain.Artifact, error) {
	if f.artifact.WorkspaceId != workspaceId || f.artifact.ArtifactId != artifactId {
		return domain.Artifact{}, domain.ErrMissing
	}
	return f.artifact, nil
}

func (f *oneArtifactRegistry) LookupBySha(context.Context, string, string) (domain.Artifact, error) {
	return domain.Artifact{}, domain.ErrMissing
}

func (f *oneArtifactRegistry) ListExpired(context.Context, time.Time) ([]domain.Artifact, error) {
	return nil, nil
}

func (f *oneArtifactRegistry) Tombstone(context.Context, string) error { return nil }

func newCIHandler(t *testing.T) (echo.HandlerFunc, *nonceStore) {
	t.Helper()

	nonces := &nonceStore{spent: map[string]bool{}}
	verifier := &ciauth.Verifier{
		Secrets: secretSource{"ws-1": "ci-key"},
		Nonces:  nonces,
	}

	runs := runmock.NewRunInterface()
	created := 0
	runs.Impl.New = func(_ context.Context, spec rundb.NewRunSpec) (domain.Run, error) {
		created++
		return domain.Run{
			RunId:       fmt.Sprintf("run-%d", created),
			WorkspaceId: spec.WorkspaceId,
			PipelineId:  spec.PipelineId,
			Trigger:     spec.Trigger,
			Status:      domain.Queued,
		}, nil
	}

	pipelines := &onePipeline{pipeline: domain.Pipeline{
		PipelineId: "pl-1", WorkspaceId: "ws-1", Name: "nightly",
		RunPolicy: domain.RunPolicy{TimeoutMinutes: 20},
	}}
	store := &blobstore.Store{
		Objects: nil,
		Registry: &oneArtifactRegistry{artifact: domain.Artifact{
			ArtifactId: "a-1", WorkspaceId: "ws-1", Kind: domain.ArtifactModel,
		}},
	}

	return handlers.CIRunHandler(verifier, runs, pipelines, store, nil), nonces
}

func postCI(t *testing.T, handler echo.HandlerFunc, nonce string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := ciauth.ComputeSignature("ci-key", timestamp, nonce, body)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/ci/github/run", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(ciauth.HeaderWorkspace, "ws-1")
	req.Header.Set(ciauth.HeaderTimestamp, timestamp)
	req.Header.Set(ciauth.HeaderNonce, nonce)
	req.Header.Set(ciauth.HeaderSignature, signature)

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestCIRunAcceptsAndEnqueues(t *testing.T) {
	handler, _ := newCIHandler(t)
	body := []byte(`{"pipeline_id":"pl-1","model_artifact_id":"a-1"}`)

	rec := postCI(t, handler, "nonce-1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: actual=%d body=%s, expect 202", rec.Code, rec.Body)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"queued"`)) {
		t.Errorf("response should carry the queued run: %s", rec.Body)
	}
}

func TestCIRunReplayIsRejected(t *testing.T) {
	handler, _ := newCIHandler(t)
	body := []byte(`{"pipeline_id":"pl-1","model_artifact_id":"a-1"}`)

	first := postCI(t, handler, "nonce-dup", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: actual=%d, expect 202", first.Code)
	}

	second := postCI(t, handler, "nonce-dup", body)
	if second.Code != http.StatusConflict {
		t.Fatalf("replay: actual=%d, expect 409", second.Code)
	}
}

func TestCIRunBadSignatureIsUnauthorized(t *testing.T) {
	handler, nonces := newCIHandler(t)
	body := []byte(`{"pipeline_id":"pl-1","model_artifact_id":"a-1"}`)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/ci/github/run", bytes.NewReader(body))
	req.Header.Set(ciauth.HeaderWorkspace, "ws-1")
	req.Header.Set(ciauth.HeaderTimestamp, timestamp)
	req.Header.Set(ciauth.HeaderNonce, "nonce-x")
	req.Header.Set(ciauth.HeaderSignature, "deadbeef")

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: actual=%d, expect 401", rec.Code)
	}
	if nonces.spent["ws-1/nonce-x"] {
		t.Error("a forged request must not burn the nonce")
	}
}

func TestCIRunUnknownWorkspace(t *testing.T) {
	handler, _ := newCIHandler(t)
	body := []byte(`{}`)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := ciauth.ComputeSignature("ci-key", timestamp, "n", body)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/ci/github/run", bytes.NewReader(body))
	req.Header.Set(ciauth.HeaderWorkspace, "ws-unknown")
	req.Header.Set(ciauth.HeaderTimestamp, timestamp)
	req.Header.Set(ciauth.HeaderNonce, "n")
	req.Header.Set(ciauth.HeaderSignature, signature)

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: actual=%d, expect 401", rec.Code)
	}
}
