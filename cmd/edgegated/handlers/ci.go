package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	apiruns "github.com/edgegate/edgegate/pkg/api/types/runs"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	integrationdb "github.com/edgegate/edgegate/pkg/domain/integration/db"
	pipelinedb "github.com/edgegate/edgegate/pkg/domain/pipeline/db"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/secret"
)

// SealedSecretSource unseals the workspace's CI secret on demand. The
// plaintext lives only in the verifier's call stack.
type SealedSecretSource struct {
	CISecrets integrationdb.CISecretInterface
	Keyring   *envelope.Keyring
}

var _ ciauth.SecretSource = &SealedSecretSource{}

func (s *SealedSecretSource) CISecret(ctx context.Context, workspaceId string) (secret.Token, error) {
	sealed, err := s.CISecrets.Get(ctx, workspaceId)
	if err != nil {
		return secret.Token{}, err
	}
	plaintext, err := s.Keyring.Open(sealed.SecretCiphertext, sealed.WrappedDEK)
	if err != nil {
		return secret.Token{}, domain.ErrMissing
	}
	return secret.NewToken(string(plaintext)), nil
}

func ciError(err error) error {
	re := domain.AsRunError(err, domain.ErrcodeInvalidSignature)
	switch re.Code {
	case domain.ErrcodeReplay:
		return apierr.NewErrorMessage(http.StatusConflict, "nonce replay", apierr.WithCode(re.Code))
	case domain.ErrcodeStaleTimestamp, domain.ErrcodeInvalidSignature, domain.ErrcodeUnknownWorkspace:
		return apierr.Unauthorized(re.Code)
	default:
		return apierr.InternalServerError(err)
	}
}

func verifyCI(c echo.Context, verifier *ciauth.Verifier, body []byte) (string, error) {
	req := c.Request()
	workspaceId := req.Header.Get(ciauth.HeaderWorkspace)
	if workspaceId == "" {
		return "", apierr.Unauthorized(domain.ErrcodeUnknownWorkspace)
	}

	err := verifier.Verify(
		req.Context(),
		workspaceId,
		req.Header.Get(ciauth.HeaderTimestamp),
		req.Header.Get(ciauth.HeaderNonce),
		req.Header.Get(ciauth.HeaderSignature),
		body,
	)
	if err != nil {
		return "", ciError(err)
	}
	return workspaceId, nil
}

// CIRunHandler accepts a webhook-triggered run. The response is 202 on
// enqueue; pass/fail comes later from polling the run.
func CIRunHandler(
	verifier *ciauth.Verifier,
	runs rundb.RunInterface,
	pipelines pipelinedb.PipelineInterface,
	store *blobstore.Store,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apierr.BadRequest("unreadable body", err)
		}

		workspaceId, err := verifyCI(c, verifier, body)
		if err != nil {
			return err
		}

		request := runCreate{}
		if err := json.Unmarshal(body, &request); err != nil {
			return apierr.BadRequest("run request is not valid JSON", err)
		}

		run, err := enqueueRun(c, runs, pipelines, store, workspaceId, request, domain.TriggerCI)
		if err != nil {
			return err
		}

		if audits != nil {
			payload, _ := json.Marshal(map[string]any{
				"run_id": run.RunId, "pipeline_id": run.PipelineId, "trigger": "ci",
			})
			_ = audits.Append(c.Request().Context(), domain.AuditEvent{
				WorkspaceId: workspaceId,
				Actor:       "ci",
				EventType:   "run.created",
				Payload:     payload,
			})
		}

		return c.JSON(http.StatusAccepted, apiruns.ComposeDetail(run))
	}
}

// CIStatusHandler is the liveness/auth echo for CI clients. The body is
// empty, so the signature covers timestamp and nonce alone.
func CIStatusHandler(verifier *ciauth.Verifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		workspaceId, err := verifyCI(c, verifier, nil)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"workspace": workspaceId,
		})
	}
}
