package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	pipelinedb "github.com/edgegate/edgegate/pkg/domain/pipeline/db"
	ppdb "github.com/edgegate/edgegate/pkg/domain/promptpack/db"
)

type pipelineCreate struct {
	Name          string               `json:"name"`
	DeviceMatrix  []string             `json:"device_matrix"`
	PromptPackRef domain.PromptPackRef `json:"promptpack_ref"`
	Gates         []domain.Gate        `json:"gates"`
	RunPolicy     domain.RunPolicy     `json:"run_policy"`
}

func CreatePipelineHandler(
	pipelines pipelinedb.PipelineInterface,
	promptpacks ppdb.PromptPackInterface,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		body := pipelineCreate{}
		decoder := json.NewDecoder(c.Request().Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil {
			return apierr.BadRequest("pipeline definition is not valid JSON", err)
		}
		if body.Name == "" {
			return apierr.BadRequest("pipeline name is required", nil)
		}

		pipeline := domain.Pipeline{
			WorkspaceId:   identity.WorkspaceId,
			Name:          body.Name,
			DeviceMatrix:  body.DeviceMatrix,
			PromptPackRef: body.PromptPackRef,
			Gates:         body.Gates,
			RunPolicy:     body.RunPolicy,
		}
		if err := domain.ValidatePipeline(&pipeline); err != nil {
			re := domain.AsRunError(err, domain.ErrcodeLimitExceeded)
			return apierr.NewErrorMessage(
				http.StatusBadRequest, re.Detail, apierr.WithCode(re.Code),
			)
		}

		// the referenced promptpack version must exist; publishing can
		// still happen later, the run worker re-checks.
		if _, err := promptpacks.Get(
			c.Request().Context(), identity.WorkspaceId,
			pipeline.PromptPackRef.LogicalId, pipeline.PromptPackRef.Version,
		); err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.BadRequest("referenced promptpack version does not exist", nil)
			}
			return apierr.InternalServerError(err)
		}

		created, err := pipelines.Create(c.Request().Context(), pipeline)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return apierr.Conflict("a pipeline with this name exists")
			}
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "pipeline.created", map[string]any{
			"pipeline_id": created.PipelineId, "name": created.Name,
		})

		return c.JSON(http.StatusCreated, map[string]any{
			"pipeline_id":   created.PipelineId,
			"name":          created.Name,
			"device_matrix": created.DeviceMatrix,
			"gates":         created.Gates,
			"run_policy":    created.RunPolicy,
		})
	}
}
