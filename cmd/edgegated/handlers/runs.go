package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	apiruns "github.com/edgegate/edgegate/pkg/api/types/runs"
	"github.com/edgegate/edgegate/pkg/blobstore"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	pipelinedb "github.com/edgegate/edgegate/pkg/domain/pipeline/db"
	rundb "github.com/edgegate/edgegate/pkg/domain/run/db"
)

type runCreate struct {
	PipelineId      string `json:"pipeline_id"`
	ModelArtifactId string `json:"model_artifact_id"`
}

// enqueueRun is shared between the manual trigger and the CI ingress.
func enqueueRun(
	c echo.Context,
	runs rundb.RunInterface,
	pipelines pipelinedb.PipelineInterface,
	store *blobstore.Store,
	workspaceId string,
	body runCreate,
	trigger domain.RunTrigger,
) (domain.Run, error) {
	ctx := c.Request().Context()

	pipeline, err := pipelines.Get(ctx, workspaceId, body.PipelineId)
	if err != nil {
		if errors.Is(err, domain.ErrMissing) {
			return domain.Run{}, apierr.NotFound()
		}
		return domain.Run{}, apierr.InternalServerError(err)
	}

	if _, err := store.Registry.Get(ctx, workspaceId, body.ModelArtifactId); err != nil {
		if errors.Is(err, domain.ErrMissing) {
			return domain.Run{}, apierr.NotFound()
		}
		return domain.Run{}, apierr.InternalServerError(err)
	}

	run, err := runs.New(ctx, rundb.NewRunSpec{
		WorkspaceId:     workspaceId,
		PipelineId:      pipeline.PipelineId,
		Trigger:         trigger,
		ModelArtifactId: body.ModelArtifactId,
		TimeoutMinutes:  pipeline.RunPolicy.TimeoutMinutes,
	})
	if err != nil {
		return domain.Run{}, apierr.InternalServerError(err)
	}
	return run, nil
}

func CreateRunHandler(
	runs rundb.RunInterface,
	pipelines pipelinedb.PipelineInterface,
	store *blobstore.Store,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		body := runCreate{}
		decoder := json.NewDecoder(c.Request().Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil {
			return apierr.BadRequest("run request is not valid JSON", err)
		}

		run, err := enqueueRun(c, runs, pipelines, store, identity.WorkspaceId, body, domain.TriggerManual)
		if err != nil {
			return err
		}

		audit(c, audits, identity, "run.created", map[string]any{
			"run_id": run.RunId, "pipeline_id": run.PipelineId, "trigger": "manual",
		})

		return c.JSON(http.StatusAccepted, apiruns.ComposeDetail(run))
	}
}

func GetRunHandler(runs rundb.RunInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := workspaceScoped(c, "workspace")
		if err != nil {
			return err
		}

		run, err := runs.Get(c.Request().Context(), identity.WorkspaceId, c.Param("run"))
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, apiruns.ComposeDetail(run))
	}
}

func ListRunsHandler(runs rundb.RunInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := workspaceScoped(c, "workspace")
		if err != nil {
			return err
		}

		limit := 50
		if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && 0 < n {
			limit = n
		}
		found, err := runs.List(
			c.Request().Context(), identity.WorkspaceId, c.QueryParam("pipeline"), limit,
		)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		details := make([]apiruns.Detail, 0, len(found))
		for _, r := range found {
			details = append(details, apiruns.ComposeDetail(r))
		}
		return c.JSON(http.StatusOK, details)
	}
}

// GetBundleHandler streams the signed evidence zip. Failed and errored
// runs serve their bundle the same way: the failure is the evidence.
func GetBundleHandler(runs rundb.RunInterface, store *blobstore.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := workspaceScoped(c, "workspace")
		if err != nil {
			return err
		}
		ctx := c.Request().Context()

		run, err := runs.Get(ctx, identity.WorkspaceId, c.Param("run"))
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}
		if run.BundleArtifactId == "" {
			return apierr.NotFound()
		}

		_, stream, err := store.GetStream(ctx, identity.WorkspaceId, run.BundleArtifactId)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}
		defer stream.Close()

		c.Response().Header().Set(
			echo.HeaderContentDisposition, `attachment; filename="evidence.zip"`,
		)
		return c.Stream(http.StatusOK, "application/zip", stream)
	}
}

func CancelRunHandler(runs rundb.RunInterface, audits auditdb.AuditInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		runId := c.Param("run")
		if err := runs.RequestCancel(c.Request().Context(), identity.WorkspaceId, runId); err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "run.cancel_requested", map[string]any{"run_id": runId})
		return c.NoContent(http.StatusAccepted)
	}
}
