package report

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/CDCgov/nhsnlink-sub001/internal/domain/acquired"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/blobstore"
	"github.com/CDCgov/nhsnlink-sub001/pkg/pagination"
)

// Handler exposes read-only report-status queries. All writes flow through
// the message-driven orchestrators, never through HTTP.
type Handler struct {
	svc       *Service
	resources acquired.Repository
	blobs     blobstore.Store
}

func NewHandler(svc *Service, resources acquired.Repository, blobs blobstore.Store) *Handler {
	return &Handler{svc: svc, resources: resources, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/report-schedules", h.ListSchedules)
	api.GET("/report-schedules/:id", h.GetSchedule)
	api.GET("/report-schedules/:id/manifest", h.GetManifest)
	api.GET("/report-schedules/:id/patients/:patientId/resources", h.ListPatientResources)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, k := range []string{"facility", "status"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.SearchSchedules(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// scheduleStatusResponse is the detail view: the schedule, its entries, and
// the completion predicate evaluated live against the store.
type scheduleStatusResponse struct {
	Schedule *ReportSchedule    `json:"schedule"`
	Entries  []*SubmissionEntry `json:"entries"`
	Complete bool               `json:"complete"`
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	sched, err := h.svc.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entries, err := h.svc.Entries(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	complete, err := h.svc.IsScheduleComplete(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, scheduleStatusResponse{
		Schedule: sched,
		Entries:  entries,
		Complete: complete,
	})
}

// GetManifest serves the payload manifest assembled at submission time.
func (h *Handler) GetManifest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	sched, err := h.svc.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sched.PayloadRootURI == nil {
		return echo.NewHTTPError(http.StatusNotFound, "payload not yet assembled")
	}
	data, err := h.blobs.Get(ctx, sched.ManifestKey())
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, data)
}

// ListPatientResources returns the resources acquired for one patient of
// the schedule's facility.
func (h *Handler) ListPatientResources(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	sched, err := h.svc.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items, err := h.resources.ListByPatient(ctx, sched.FacilityID, c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*acquired.PatientResource{}
	}
	return c.JSON(http.StatusOK, items)
}
