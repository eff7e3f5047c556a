package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/domain"
	auditdb "github.com/edgegate/edgegate/pkg/domain/audit/db"
	capdb "github.com/edgegate/edgegate/pkg/domain/capability/db"
	probedb "github.com/edgegate/edgegate/pkg/domain/probe/db"
)

// EnqueueProbeHandler queues a ProbeSuite run; the worker picks it up.
func EnqueueProbeHandler(
	probes probedb.ProbeInterface,
	audits auditdb.AuditInterface,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := adminScoped(c, "workspace")
		if err != nil {
			return err
		}

		req, err := probes.Enqueue(c.Request().Context(), identity.WorkspaceId)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		audit(c, audits, identity, "capabilities.probe_enqueued", map[string]any{
			"probe_id": req.ProbeId,
		})

		return c.JSON(http.StatusAccepted, map[string]string{
			"probe_id": req.ProbeId,
			"status":   string(req.Status),
		})
	}
}

type capabilitiesResponse struct {
	CapabilitiesBlobId  string    `json:"capabilities_blob_id"`
	MetricMappingBlobId string    `json:"metric_mapping_blob_id"`
	ProbedAt            time.Time `json:"probed_at"`
	SourceProbeRunId    string    `json:"source_probe_run_id"`
}

func GetCapabilitiesHandler(capabilities capdb.CapabilityInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := workspaceScoped(c, "workspace")
		if err != nil {
			return err
		}

		current, err := capabilities.GetCurrent(c.Request().Context(), identity.WorkspaceId)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, capabilitiesResponse{
			CapabilitiesBlobId:  current.CapabilitiesBlobId,
			MetricMappingBlobId: current.MetricMappingBlobId,
			ProbedAt:            current.ProbedAt,
			SourceProbeRunId:    current.SourceProbeRunId,
		})
	}
}
