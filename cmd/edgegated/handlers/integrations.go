package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	integrationdb "github.com/edgegate/edgegate/pkg/domain/integration/db"
	"github.com/edgegate/edgegate/pkg/envelope"
	"github.com/edgegate/edgegate/pkg/secret"
)

func audit(c echo.Context, audits auditdb.AuditInterface, identity domain.Identity, eventType string, payload map[string]any) {
	if audits == nil {
		return
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = audits.Append(c.Request().Context(), domain.AuditEvent{
		WorkspaceId: identity.WorkspaceId,
		Actor:       identity.Actor,
		EventType:   eventType,
		Payload:     doc,
	})
}

// PutIntegrationHandler stores or rotates the backend token,
// envelope-sealed. The response carries token_last4 and nothing else of
// the secret.
func PutIntegrationHandler(
	integrations integrationdb.IntegrationInterface,
	keyring *envelope.Keyring,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		body := struct {
			Token string `json:"token"`
		}{}
		decoder := json.NewDecoder(c.Request().Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil || body.Token == "" {
			return apierr.BadRequest(`body should be {"token": "..."}`, err)
		}
		token := secret.NewToken(body.Token)

		ciphertext, wrappedDEK, err := keyring.Seal([]byte(token.Reveal()))
		if err != nil {
			return apierr.InternalServerError(err)
		}

		if err := integrations.Upsert(c.Request().Context(), domain.Integration{
			WorkspaceId:     identity.WorkspaceId,
			Provider:        "qaihub",
			Status:          domain.IntegrationActive,
			TokenCiphertext: ciphertext,
			WrappedDEK:      wrappedDEK,
			TokenLast4:      token.Last4(),
		}); err != nil {
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "integration.stored", map[string]any{
			"provider": "qaihub", "token_last4": token.Last4(),
		})

		return c.JSON(http.StatusOK, map[string]string{
			"provider":    "qaihub",
			"status":      string(domain.IntegrationActive),
			"token_last4": token.Last4(),
		})
	}
}

func DeleteIntegrationHandler(
	integrations integrationdb.IntegrationInterface,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		if err := integrations.Delete(c.Request().Context(), identity.WorkspaceId); err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "integration.removed", map[string]any{"provider": "qaihub"})
		return c.NoContent(http.StatusNoContent)
	}
}

// GenerateCISecretHandler mints a fresh CI secret and reveals it once.
// Stored form: sealed plaintext (verification needs it for HMAC) plus a
// peppered fingerprint for audit lookups.
func GenerateCISecretHandler(
	ciSecrets integrationdb.CISecretInterface,
	keyring *envelope.Keyring,
	pepper []byte,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		generated, err := ciauth.Generate()
		if err != nil {
			return apierr.InternalServerError(err)
		}

		ciphertext, wrappedDEK, err := keyring.Seal([]byte(generated.Reveal()))
		if err != nil {
			return apierr.InternalServerError(err)
		}

		fingerprint := ciauth.Fingerprint(generated, pepper)
		if err := ciSecrets.Upsert(c.Request().Context(), integrationdb.CISecret{
			WorkspaceId:      identity.WorkspaceId,
			SecretCiphertext: ciphertext,
			WrappedDEK:       wrappedDEK,
			Fingerprint:      fingerprint,
		}); err != nil {
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "ci_secret.generated", map[string]any{
			"fingerprint": fingerprint,
		})

		// the one and only reveal.
		return c.JSON(http.StatusCreated, map[string]string{
			"secret":      generated.Reveal(),
			"fingerprint": fingerprint,
		})
	}
}
