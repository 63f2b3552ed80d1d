package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/pkg/apperrors"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard", h.GetDashboard, auth.RequireAuthenticated())
}

// GetDashboard handles GET /dashboard?since&until&recent.
func (h *Handler) GetDashboard(c echo.Context) error {
	var w Window
	for name, dst := range map[string]**time.Time{"since": &w.Since, "until": &w.Until} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return apperrors.Validation("%s must be an RFC 3339 timestamp", name)
		}
		t = t.UTC()
		*dst = &t
	}

	recent := DefaultRecent
	if raw := c.QueryParam("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperrors.Validation("recent must be a positive integer")
		}
		recent = n
	}

	d, err := h.svc.Get(c.Request().Context(), w, recent)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
