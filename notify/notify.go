// Package notify implements the arbiter's device-list and active-device
// listeners.
package notify

import (
	"time"

	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/arbiter"
)

// Hub republishes listener callbacks as events on an EventHub. Devices are
// copied, so subscribers never share state with the arbiter.
type Hub struct {
	events *headunit.EventHub
	source string
}

func NewHub(events *headunit.EventHub) *Hub {
	return &Hub{events: events, source: "arbiter"}
}

func (h *Hub) OnDeviceListChanged(devices []*headunit.Device, reason string) {
	h.events.Publish(headunit.Event{
		Kind:       headunit.EventListChanged,
		OccurredAt: time.Now(),
		Source:     h.source,
		Payload:    headunit.ListChange{Devices: copyDevices(devices), Reason: reason},
	})
}

func (h *Hub) OnActiveDeviceChanged(device *headunit.Device, reason string) {
	e := headunit.Event{
		Kind:       headunit.EventActiveChanged,
		OccurredAt: time.Now(),
		Source:     h.source,
		Payload:    headunit.ActiveChange{Device: device.Clone(), Reason: reason},
	}
	if device != nil {
		e.DeviceID = device.ID
	}
	h.events.Publish(e)
}

// DeviceListFanout calls each listener in order.
type DeviceListFanout []arbiter.DeviceListListener

func (f DeviceListFanout) OnDeviceListChanged(devices []*headunit.Device, reason string) {
	for _, l := range f {
		l.OnDeviceListChanged(devices, reason)
	}
}

type ActiveDeviceFanout []arbiter.ActiveDeviceListener

func (f ActiveDeviceFanout) OnActiveDeviceChanged(device *headunit.Device, reason string) {
	for _, l := range f {
		l.OnActiveDeviceChanged(device, reason)
	}
}

func copyDevices(devices []*headunit.Device) []headunit.Device {
	out := make([]headunit.Device, 0, len(devices))
	for _, d := range devices {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}
