package staff

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/platform/validate"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/staff", h.ListStaff, auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor, auth.RoleNurse))
	api.POST("/staff", h.CreateStaff, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) ListStaff(c echo.Context) error {
	var role auth.Role
	if q := c.QueryParam("role"); q != "" {
		r, err := auth.ParseRole(q)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		role = r
	}
	list, err := h.svc.ListStaff(c.Request().Context(), role)
	if err != nil {
		return err
	}
	return middleware.OK(c, http.StatusOK, list)
}

func (h *Handler) CreateStaff(c echo.Context) error {
	var st Staff
	if err := validate.BindAndValidate(c, &st); err != nil {
		return err
	}
	st.Active = true
	if err := h.svc.CreateStaff(c.Request().Context(), &st); err != nil {
		return err
	}
	return middleware.OK(c, http.StatusCreated, st)
}
