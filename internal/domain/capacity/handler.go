package capacity

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/pkg/apperrors"
)

const (
	defaultCandidates = 5
	maxCandidates     = 50
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/capacity", auth.RequireAuthenticated())
	g.GET("/nearest", h.FindNearest)
	g.GET("/candidates", h.Candidates)
}

type query struct {
	origin      uuid.UUID
	service     string
	minFreeBeds int
}

func parseQuery(c echo.Context) (query, error) {
	var q query
	raw := c.QueryParam("origin")
	if raw == "" {
		return q, apperrors.Validation("origin is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return q, apperrors.Validation("invalid origin %q", raw)
	}
	q.origin = id

	q.service = c.QueryParam("service")
	if q.service == "" {
		return q, apperrors.Validation("service is required")
	}

	q.minFreeBeds = 1
	if raw := c.QueryParam("minBeds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, apperrors.Validation("minBeds must be an integer")
		}
		q.minFreeBeds = n
	}
	return q, nil
}

// FindNearest answers 200 with the best candidate or 204 when none qualifies.
func (h *Handler) FindNearest(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	res, found, err := h.svc.FindNearestWithCapacity(c.Request().Context(), q.origin, q.service, q.minFreeBeds)
	if err != nil {
		return err
	}
	if !found {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Candidates(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	limit := defaultCandidates
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			return apperrors.Validation("limit must be a positive integer")
		}
	}
	if limit > maxCandidates {
		limit = maxCandidates
	}

	results, err := h.svc.RankCandidates(c.Request().Context(), q.origin, q.service, q.minFreeBeds, limit)
	if err != nil {
		return err
	}
	if results == nil {
		results = []Result{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  results,
		"total": len(results),
	})
}
