package encounter

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/platform/validate"
	"github.com/ehr/edflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads are open to every authenticated role; status changes reach the
	// guard so that a denial carries its reason.
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor, auth.RoleNurse))
	readGroup.GET("/encounters", h.ListEncounters)
	readGroup.GET("/encounters/:id", h.GetEncounter)
	readGroup.GET("/encounters/:id/status-history", h.GetStatusHistory)
	readGroup.PUT("/encounters/:id/status", h.UpdateStatus)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	writeGroup.POST("/encounters", h.CreateEncounter)
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	enc, err := h.svc.CreateEncounter(c.Request().Context(), actor, req)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusCreated, enc)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	var f ListFilter
	if s := c.QueryParam("status"); s != "" {
		st, ok := ParseStatus(s)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
		f.Status = st
	}
	if s := c.QueryParam("responsible_staff_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid responsible_staff_id")
		}
		f.ResponsibleStaffID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEncounters(c.Request().Context(), f, pg)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	if req.NewStatus == "" {
		return validate.Var("newStatus", string(req.NewStatus), "required")
	}
	enc, err := h.svc.TransitionStatus(c.Request().Context(), actor, id, req)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, enc)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if history == nil {
		history = []*StatusHistory{}
	}
	return middleware.OK(c, http.StatusOK, history)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return actor, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}
