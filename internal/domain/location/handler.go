package location

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/pkg/apperrors"
	"github.com/ehr/locations/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any authenticated user
	readGroup := api.Group("", auth.RequireAuthenticated())
	readGroup.GET("/locations", h.ListLocations)
	readGroup.GET("/locations/:id", h.GetLocation)
	readGroup.GET("/locations/:id/children", h.ListChildren)

	// Write endpoints – admin only
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/locations", h.CreateLocation)
	writeGroup.PATCH("/locations/:id", h.UpdateLocation)
	writeGroup.POST("/locations/:id/deactivate", h.DeactivateLocation)
	writeGroup.DELETE("/locations/:id", h.DeleteLocation)
}

type createRequest struct {
	LocationCode     string         `json:"location_code" validate:"required,max=64"`
	Name             string         `json:"name" validate:"required,max=200"`
	ParentLocationID *uuid.UUID     `json:"parent_location_id"`
	LocationType     Type           `json:"location_type" validate:"required,oneof=main-hospital clinic health-center specialty-center branch"`
	Address          Address        `json:"address"`
	Contact          Contact        `json:"contact"`
	OperatingHours   OperatingHours `json:"operating_hours"`
	Services         Services       `json:"services"`
	Capacity         Capacity       `json:"capacity"`
	Staffing         Staffing       `json:"staffing"`
	Equipment        Equipment      `json:"equipment"`
	Status           Status         `json:"status" validate:"omitempty,oneof=active inactive under-construction temporarily-closed"`
	EstablishedDate  *time.Time     `json:"established_date"`
}

func (r createRequest) toLocation() *Location {
	return &Location{
		LocationCode:     r.LocationCode,
		Name:             r.Name,
		ParentLocationID: r.ParentLocationID,
		LocationType:     r.LocationType,
		Address:          r.Address,
		Contact:          r.Contact,
		OperatingHours:   r.OperatingHours,
		Services:         r.Services,
		Capacity:         r.Capacity,
		Staffing:         r.Staffing,
		Equipment:        r.Equipment,
		Status:           r.Status,
		EstablishedDate:  r.EstablishedDate,
	}
}

type updateRequest struct {
	ExpectedRevision int `json:"expected_revision"`
	Patch
}

type revisionRequest struct {
	ExpectedRevision int `json:"expected_revision"`
}

func (h *Handler) CreateLocation(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	loc, err := h.svc.Create(c.Request().Context(), req.toLocation())
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, loc.VersionID)
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/locations/"+loc.ID.String())
	return c.JSON(http.StatusCreated, loc)
}

func (h *Handler) GetLocation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	loc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, loc.VersionID)
	return c.JSON(http.StatusOK, loc)
}

func (h *Handler) ListLocations(c echo.Context) error {
	p := pagination.FromContext(c)
	f := Filter{
		Type:   Type(c.QueryParam("type")),
		Status: Status(c.QueryParam("status")),
		Text:   c.QueryParam("q"),
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if raw := c.QueryParam("parent"); raw != "" {
		parent, err := uuid.Parse(raw)
		if err != nil {
			return apperrors.Validation("invalid parent id %q", raw)
		}
		f.ParentID = &parent
	}
	locs, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(locs, total, p.Limit, p.Offset))
}

func (h *Handler) ListChildren(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	children, err := h.svc.Children(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, children)
}

func (h *Handler) UpdateLocation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	expected, err := versioning.ExpectedVersion(c, req.ExpectedRevision)
	if err != nil {
		return err
	}
	loc, err := h.svc.Update(c.Request().Context(), id, expected, req.Patch)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, loc.VersionID)
	return c.JSON(http.StatusOK, loc)
}

func (h *Handler) DeactivateLocation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req revisionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	expected, err := versioning.ExpectedVersion(c, req.ExpectedRevision)
	if err != nil {
		return err
	}
	loc, err := h.svc.Deactivate(c.Request().Context(), id, expected)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, loc.VersionID)
	return c.JSON(http.StatusOK, loc)
}

func (h *Handler) DeleteLocation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
