package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/domain"
	keydb "github.com/edgegate/edgegate/pkg/domain/signingkey/db"
)

// GetSigningKeyHandler is public: verifiers fetch the Ed25519 public
// key named by a bundle's signing.public_key_id. Revoked keys are still
// served (old bundles must stay verifiable) with their revocation time.
func GetSigningKeyHandler(keys keydb.SigningKeyInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, err := keys.Get(c.Request().Context(), c.Param("key"))
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		response := map[string]any{
			"key_id":     key.KeyId,
			"algo":       "ed25519",
			"public_key": base64.StdEncoding.EncodeToString(key.PublicKey),
			"created_at": key.CreatedAt,
		}
		if key.Revoked() {
			response["revoked_at"] = key.RevokedAt
		}
		return c.JSON(http.StatusOK, response)
	}
}
