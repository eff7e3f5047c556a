package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apiartifacts "github.com/edgegate/edgegate/pkg/api/types/artifacts"
	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
)

// UploadModelHandler takes a multipart model upload and streams it into
// the content-addressed store.
func UploadModelHandler(store *blobstore.Store, audits auditdb.AuditInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			return apierr.BadRequest(`multipart field "file" is required`, err)
		}
		if domain.MaxModelBytes < fileHeader.Size {
			return apierr.NewErrorMessage(
				http.StatusRequestEntityTooLarge,
				"model exceeds the size limit",
				apierr.WithCode(domain.ErrcodeLimitExceeded),
			)
		}

		file, err := fileHeader.Open()
		if err != nil {
			return apierr.InternalServerError(err)
		}
		defer file.Close()

		artifact, err := store.PutStream(
			c.Request().Context(), identity.WorkspaceId,
			domain.ArtifactModel, fileHeader.Filename, file, fileHeader.Size,
		)
		if err != nil {
			re := domain.AsRunError(err, domain.ErrcodeLimitExceeded)
			if re.Code == domain.ErrcodeLimitExceeded {
				return apierr.NewErrorMessage(
					http.StatusRequestEntityTooLarge, re.Detail, apierr.WithCode(re.Code),
				)
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "artifact.uploaded", map[string]any{
			"artifact_id": artifact.ArtifactId,
			"sha256":      artifact.Sha256,
			"bytes":       artifact.Bytes,
		})

		return c.JSON(http.StatusCreated, apiartifacts.ComposeDetail(artifact))
	}
}

func GetArtifactHandler(store *blobstore.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := workspaceScoped(c, "workspace")
		if err != nil {
			return err
		}

		artifact, err := store.Registry.Get(
			c.Request().Context(), identity.WorkspaceId, c.Param("artifact"),
		)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apiartifacts.ComposeDetail(artifact))
	}
}
