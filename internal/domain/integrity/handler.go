package integrity

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
	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor))
	admin.POST("/hash-verify/:testId", h.HashVerify)
	admin.POST("/blockchain/retry/:testId", h.RetryAnchor)
}

func (h *Handler) HashVerify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("testId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid testId")
	}
	rec, err := h.svc.Verify(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, rec)
}

func (h *Handler) RetryAnchor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("testId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid testId")
	}
	t, err := h.svc.Retry(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, t)
}
