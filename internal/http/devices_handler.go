package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/arbiter"
	"github.com/xmidt-org/talaria/headunit/manager"
)

// Service is the device API the handler exposes.
type Service interface {
	Devices(ctx context.Context) ([]headunit.Device, error)
	Active(ctx context.Context) (manager.ActiveView, error)
	Activate(ctx context.Context, id headunit.DeviceID) error
	Deactivate(ctx context.Context, id headunit.DeviceID) error
	Disconnect(ctx context.Context, id headunit.DeviceID) error
	Delete(ctx context.Context, id headunit.DeviceID) error
	SetAcceptState(ctx context.Context, id headunit.DeviceID, state headunit.AcceptState) error
}

// Inventory reports when the device inventory was last polled.
type Inventory interface {
	Snapshot() (ids []string, lastPoll time.Time)
}

// DeviceInfo represents a device in API responses.
type DeviceInfo struct {
	ID              string     `json:"id"`
	Name            string     `json:"name,omitempty"`
	Transport       string     `json:"transport,omitempty"`
	ConnectionState string     `json:"connectionState"`
	AcceptState     string     `json:"acceptState"`
	Selected        bool       `json:"selected"`
	Online          bool       `json:"online"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
}

type devicesResponse struct {
	Devices  []DeviceInfo `json:"devices"`
	Count    int          `json:"count"`
	LastPoll *time.Time   `json:"lastPoll,omitempty"`
}

type activeResponse struct {
	Current *DeviceInfo `json:"current"`
	Last    *DeviceInfo `json:"last"`
}

type consentRequest struct {
	AcceptState string `json:"acceptState"`
}

type Handler struct {
	svc       Service
	inventory Inventory
	logger    *slog.Logger
}

// NewHandler builds the device handler. inventory may be nil.
func NewHandler(svc Service, inventory Inventory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, inventory: inventory, logger: logger.With("component", "http")}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/devices", h.List)
	g.GET("/devices/active", h.Active)
	g.POST("/devices/:id/activate", h.Activate)
	g.POST("/devices/:id/deactivate", h.Deactivate)
	g.POST("/devices/:id/disconnect", h.Disconnect)
	g.PUT("/devices/:id/consent", h.SetConsent)
	g.DELETE("/devices/:id", h.Delete)
}

func (h *Handler) List(c echo.Context) error {
	devices, err := h.svc.Devices(c.Request().Context())
	if err != nil {
		return h.fail(err, "list")
	}
	out := devicesResponse{Devices: make([]DeviceInfo, 0, len(devices))}
	for i := range devices {
		out.Devices = append(out.Devices, infoFor(&devices[i]))
	}
	out.Count = len(out.Devices)
	if h.inventory != nil {
		if _, last := h.inventory.Snapshot(); !last.IsZero() {
			out.LastPoll = &last
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Active(c echo.Context) error {
	v, err := h.svc.Active(c.Request().Context())
	if err != nil {
		return h.fail(err, "active")
	}
	var out activeResponse
	if v.Current != nil {
		info := infoFor(v.Current)
		out.Current = &info
	}
	if v.Last != nil {
		info := infoFor(v.Last)
		out.Last = &info
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Activate(c echo.Context) error {
	return h.request(c, "activate", h.svc.Activate)
}

func (h *Handler) Deactivate(c echo.Context) error {
	return h.request(c, "deactivate", h.svc.Deactivate)
}

func (h *Handler) Disconnect(c echo.Context) error {
	return h.request(c, "disconnect", h.svc.Disconnect)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := deviceID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return h.fail(err, "delete")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetConsent(c echo.Context) error {
	id, err := deviceID(c)
	if err != nil {
		return err
	}
	var req consentRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid_request", "invalid request body")
	}
	state, err := headunit.ParseAcceptState(req.AcceptState)
	if err != nil {
		return BadRequest("invalid_accept_state", err.Error())
	}
	if err := h.svc.SetAcceptState(c.Request().Context(), id, state); err != nil {
		return h.fail(err, "consent")
	}
	return c.NoContent(http.StatusNoContent)
}

// request runs an arbiter request. The outcome arrives later as a state
// change, so success is 202.
func (h *Handler) request(c echo.Context, op string, fn func(context.Context, headunit.DeviceID) error) error {
	id, err := deviceID(c)
	if err != nil {
		return err
	}
	if err := fn(c.Request().Context(), id); err != nil {
		return h.fail(err, op)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) fail(err error, op string) error {
	switch {
	case errors.Is(err, headunit.ErrDeviceNotFound):
		return NotFound("device_not_found", "device not found")
	case errors.Is(err, headunit.ErrNoDriver):
		return Conflict("no_driver", "device has no driver connection")
	case errors.Is(err, headunit.ErrInvalidState):
		return BadRequest("invalid_state", err.Error())
	case errors.Is(err, arbiter.ErrQueueClosed):
		return ServiceUnavailable("shutting_down", "device manager is shutting down")
	}
	h.logger.Error("device operation failed", "op", op, "error", err)
	return InternalError(op+"_failed", "device operation failed")
}

func deviceID(c echo.Context) (headunit.DeviceID, error) {
	id := c.Param("id")
	if id == "" {
		return "", BadRequest("invalid_device_id", "device id is required")
	}
	return headunit.DeviceID(id), nil
}

func infoFor(d *headunit.Device) DeviceInfo {
	info := DeviceInfo{
		ID:              string(d.ID),
		Name:            d.Name,
		Transport:       d.Transport,
		ConnectionState: d.Connection.String(),
		AcceptState:     d.Accept.String(),
		Selected:        d.Selected,
		Online:          d.Connection != headunit.NotAttached,
	}
	if !d.LastSeen.IsZero() {
		seen := d.LastSeen
		info.LastSeen = &seen
	}
	return info
}
