package diagnostics

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor, auth.RoleNurse))
	readGroup.GET("/encounters/:id/diagnostic-tests", h.ListByEncounter)
	readGroup.GET("/diagnostic-tests/schemas/:type", h.GetSchema)
	readGroup.GET("/diagnostic-tests/:id", h.GetTest)
	readGroup.GET("/diagnostic-tests/:id/status-history", h.GetStatusHistory)
	readGroup.PATCH("/diagnostic-tests/:id", h.UpdateTest)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	writeGroup.POST("/encounters/:id/diagnostic-tests", h.CreateTest)
}

func (h *Handler) CreateTest(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	encID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	t, err := h.svc.CreateTest(c.Request().Context(), actor, encID, req)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusCreated, t)
}

func (h *Handler) ListByEncounter(c echo.Context) error {
	encID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	tests, err := h.svc.ListByEncounter(c.Request().Context(), encID)
	if err != nil {
		return err
	}
	if tests == nil {
		tests = []*DiagnosticTest{}
	}
	return middleware.OK(c, http.StatusOK, tests)
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, t)
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

func (h *Handler) UpdateTest(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	t, err := h.svc.Transition(c.Request().Context(), actor, id, req)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, t)
}

// GetSchema returns the preset result schema of a test type.
func (h *Handler) GetSchema(c echo.Context) error {
	tt, ok := ParseTestType(c.Param("type"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown test type")
	}
	s, _ := SchemaFor(tt)
	return middleware.OK(c, http.StatusOK, s)
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
