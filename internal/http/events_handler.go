package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xmidt-org/talaria/headunit"
)

// EventSource is anything events can be subscribed to.
type EventSource interface {
	Subscribe(buffer int) headunit.EventSubscription
}

// EventsHandler streams active-device and device-list changes as
// server-sent events.
type EventsHandler struct {
	source EventSource
	logger *slog.Logger
}

type activeEvent struct {
	Device *DeviceInfo `json:"device"`
	Reason string      `json:"reason"`
}

type listEvent struct {
	Devices []DeviceInfo `json:"devices"`
	Reason  string       `json:"reason"`
}

func NewEventsHandler(source EventSource, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{source: source, logger: logger.With("component", "sse")}
}

func (h *EventsHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", h.Stream)
}

func (h *EventsHandler) Stream(c echo.Context) error {
	sub := h.source.Subscribe(32)
	defer sub.Close()

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			body, ok := streamBody(e)
			if !ok {
				continue
			}
			data, err := json.Marshal(body)
			if err != nil {
				h.logger.Warn("encode event", "kind", e.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func streamBody(e headunit.Event) (any, bool) {
	switch p := e.Payload.(type) {
	case headunit.ActiveChange:
		out := activeEvent{Reason: p.Reason}
		if p.Device != nil {
			info := infoFor(p.Device)
			out.Device = &info
		}
		return out, true
	case headunit.ListChange:
		out := listEvent{Reason: p.Reason, Devices: make([]DeviceInfo, 0, len(p.Devices))}
		for i := range p.Devices {
			out.Devices = append(out.Devices, infoFor(&p.Devices[i]))
		}
		return out, true
	}
	return nil, false
}
