package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/foresturquhart/searchexport/api/v1/dtos"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/repositories"
	"github.com/foresturquhart/searchexport/services"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 20

// Exporter is the part of the export service the HTTP API needs
type Exporter interface {
	Export(ctx context.Context, req services.ExportRequest) *models.ExportResult
	Get(ctx context.Context, jobID string) (*repositories.ExportRecord, error)
	List(ctx context.Context, index string, limit int) ([]*repositories.ExportRecord, error)
	Probe(ctx context.Context) models.ProbeResult
}

type ExportHandler struct {
	service Exporter
	queue   tasks.Client // nil when no worker is running
}

func NewExportHandler(svc Exporter, queue tasks.Client) *ExportHandler {
	return &ExportHandler{
		service: svc,
		queue:   queue,
	}
}

func (h *ExportHandler) CreateExport(c echo.Context) error {
	ctx := c.Request().Context()

	var req dtos.ExportCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request data: %v", err))
	}
	if err := dtos.Validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
	}

	jobID := uuid.NewString()

	if req.Async {
		if h.queue == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "Background exports are not enabled")
		}
		if err := h.queue.EnqueueExport(ctx, req.ToPayload(jobID)); err != nil {
			log.Error().Err(err).Str("index", req.Index).Msg("Failed to enqueue export")
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to enqueue export")
		}
		return c.JSON(http.StatusAccepted, dtos.ExportQueuedResponse{JobID: jobID, Status: "queued"})
	}

	result := h.service.Export(ctx, req.ToRequest(jobID))

	return c.JSON(statusForResult(result), result)
}

func (h *ExportHandler) GetExport(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	record, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrExportNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Export not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve export")
	}

	return c.JSON(http.StatusOK, record)
}

func (h *ExportHandler) ListExports(c echo.Context) error {
	ctx := c.Request().Context()

	var req dtos.ExportListRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request parameters")
	}
	if err := dtos.Validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
	}

	limit := defaultListLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	records, err := h.service.List(ctx, req.Index, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list exports")
	}
	if records == nil {
		records = []*repositories.ExportRecord{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": records,
	})
}

func (h *ExportHandler) Health(c echo.Context) error {
	probe := h.service.Probe(c.Request().Context())

	status := http.StatusOK
	if probe.Status == models.ProbeUnreachable {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, probe)
}

func statusForResult(result *models.ExportResult) int {
	if result.Succeeded() {
		return http.StatusOK
	}

	switch result.Error.Class {
	case models.ClassInvalidInput:
		return http.StatusBadRequest
	case models.ClassNotFound:
		return http.StatusNotFound
	case models.ClassAuthorization, models.ClassTransientFetch, models.ClassUpload:
		return http.StatusBadGateway
	case models.ClassBudgetExceeded:
		return http.StatusGatewayTimeout
	case models.ClassCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
