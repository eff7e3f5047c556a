package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	ppdb "github.com/edgegate/edgegate/pkg/domain/promptpack/db"
)

type promptPackUpload struct {
	LogicalId string `json:"logical_id"`
	Version   string `json:"version"`
	Content   struct {
		Cases []domain.PromptCase `json:"cases"`
	} `json:"content"`
}

// UploadPromptPackHandler stores a draft version. A version triple is
// write-once: resubmitting it — same content or not — conflicts.
func UploadPromptPackHandler(
	promptpacks ppdb.PromptPackInterface,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		upload := promptPackUpload{}
		decoder := json.NewDecoder(c.Request().Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&upload); err != nil {
			return apierr.BadRequest("promptpack upload is not valid JSON", err)
		}
		if upload.LogicalId == "" || upload.Version == "" {
			return apierr.BadRequest("logical_id and version are required", nil)
		}
		if len(upload.Content.Cases) == 0 {
			return apierr.BadRequest("promptpack has no cases", nil)
		}
		if domain.MaxPromptCases < len(upload.Content.Cases) {
			return apierr.NewErrorMessage(
				http.StatusBadRequest,
				fmt.Sprintf("promptpack has %d cases, limit is %d",
					len(upload.Content.Cases), domain.MaxPromptCases),
				apierr.WithCode(domain.ErrcodeLimitExceeded),
			)
		}
		for _, pc := range upload.Content.Cases {
			switch pc.Expectation {
			case domain.ExpectJSONSchema, domain.ExpectRegex, domain.ExpectExact, domain.ExpectNone:
			default:
				return apierr.BadRequest(
					"case '"+pc.CaseId+"' has unknown expectation '"+string(pc.Expectation)+"'", nil,
				)
			}
		}

		content, err := json.Marshal(upload.Content)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		sum := sha256.Sum256(content)

		pp := domain.PromptPack{
			WorkspaceId: identity.WorkspaceId,
			LogicalId:   upload.LogicalId,
			Version:     upload.Version,
			Sha256:      hex.EncodeToString(sum[:]),
			Content:     content,
		}
		if err := promptpacks.Put(c.Request().Context(), pp); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return apierr.Conflict("this (logical_id, version) already exists; bump the version")
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "promptpack.uploaded", map[string]any{
			"logical_id": pp.LogicalId, "version": pp.Version, "sha256": pp.Sha256,
		})

		return c.JSON(http.StatusCreated, map[string]any{
			"logical_id": pp.LogicalId,
			"version":    pp.Version,
			"sha256":     pp.Sha256,
			"published":  false,
		})
	}
}

func PublishPromptPackHandler(
	promptpacks ppdb.PromptPackInterface,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		logicalId := c.Param("promptpack")
		version := c.Param("version")

		if err := promptpacks.Publish(
			c.Request().Context(), identity.WorkspaceId, logicalId, version,
		); err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "promptpack.published", map[string]any{
			"logical_id": logicalId, "version": version,
		})

		return c.JSON(http.StatusOK, map[string]any{
			"logical_id": logicalId,
			"version":    version,
			"published":  true,
		})
	}
}
