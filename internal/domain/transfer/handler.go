package transfer

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/locations/internal/domain/location"
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
	readGroup := api.Group("", auth.RequireAuthenticated())
	readGroup.GET("/transfers", h.ListTransfers)
	readGroup.GET("/transfers/:id", h.GetTransfer)

	requestGroup := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RolePhysician, auth.RoleNurse))
	requestGroup.POST("/transfers", h.CreateTransfer)

	coordGroup := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	coordGroup.POST("/transfers/:id/approve", h.ApproveTransfer)
	coordGroup.POST("/transfers/:id/transit", h.BeginTransit)
	coordGroup.POST("/transfers/:id/complete", h.CompleteTransfer)

	cancelGroup := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RolePhysician))
	cancelGroup.POST("/transfers/:id/cancel", h.CancelTransfer)
}

type createRequest struct {
	PatientID       string               `json:"patient_id" validate:"required,max=128"`
	FromLocationID  uuid.UUID            `json:"from_location_id" validate:"required"`
	ToLocationID    uuid.UUID            `json:"to_location_id" validate:"required"`
	TransferType    Type                 `json:"transfer_type" validate:"required,oneof=emergency routine specialty-care capacity"`
	BedCategory     location.BedCategory `json:"bed_category" validate:"omitempty,oneof=general icu"`
	TransportMethod TransportMethod      `json:"transport_method" validate:"required,oneof=ambulance private public air-transport"`
	MedicalEscort   bool                 `json:"medical_escort"`
	Priority        Priority             `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	TransferReason  string               `json:"transfer_reason" validate:"required"`
	Notes           string               `json:"notes"`
	TransferDate    *time.Time           `json:"transfer_date"`
}

func (r createRequest) toTransfer() *Transfer {
	t := &Transfer{
		PatientID:       r.PatientID,
		FromLocationID:  r.FromLocationID,
		ToLocationID:    r.ToLocationID,
		TransferType:    r.TransferType,
		BedCategory:     r.BedCategory,
		TransportMethod: r.TransportMethod,
		MedicalEscort:   r.MedicalEscort,
		Priority:        r.Priority,
		TransferReason:  r.TransferReason,
		Notes:           r.Notes,
	}
	if r.TransferDate != nil {
		t.TransferDate = r.TransferDate.UTC()
	}
	return t
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) CreateTransfer(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	t, err := h.svc.Create(c.Request().Context(), req.toTransfer(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, t.VersionID)
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/transfers/"+t.ID.String())
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTransfer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, t.VersionID)
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTransfers(c echo.Context) error {
	p := pagination.FromContext(c)
	f := Filter{
		Status:    Status(c.QueryParam("status")),
		PatientID: c.QueryParam("patient"),
		Limit:     p.Limit,
		Offset:    p.Offset,
	}
	if raw := c.QueryParam("location"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperrors.Validation("invalid location id %q", raw)
		}
		f.LocationID = &id
	}
	var err error
	if f.Since, err = parseTime(c, "since"); err != nil {
		return err
	}
	if f.Until, err = parseTime(c, "until"); err != nil {
		return err
	}

	transfers, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(transfers, total, p.Limit, p.Offset))
}

func (h *Handler) ApproveTransfer(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) (*Transfer, error) {
		return h.svc.Approve(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	})
}

func (h *Handler) BeginTransit(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) (*Transfer, error) {
		return h.svc.BeginTransit(c.Request().Context(), id)
	})
}

func (h *Handler) CompleteTransfer(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) (*Transfer, error) {
		return h.svc.Complete(c.Request().Context(), id)
	})
}

func (h *Handler) CancelTransfer(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	return h.transition(c, func(id uuid.UUID) (*Transfer, error) {
		return h.svc.Cancel(c.Request().Context(), id, req.Reason)
	})
}

func (h *Handler) transition(c echo.Context, fn func(id uuid.UUID) (*Transfer, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := fn(id)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, t.VersionID)
	return c.JSON(http.StatusOK, t)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseTime(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.Validation("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}
