// Package arbiter decides which single device is allowed to be active.
//
// The Arbiter is a reactive state machine fed by three sources: activation
// requests, deactivation/disconnect requests and device state changes. It has
// no locking of its own; every call must come from one goroutine, normally the
// one running a Queue.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xmidt-org/talaria/headunit"
)

// Registry is the part of the device registry the arbiter needs.
type Registry interface {
	DeviceList() []*headunit.Device
	ControlFor(id headunit.DeviceID) headunit.DeviceControl
	DeleteDeviceFromPersistence(ctx context.Context, ctl headunit.DeviceControl) error
}

type DeviceListListener interface {
	OnDeviceListChanged(devices []*headunit.Device, reason string)
}

// ActiveDeviceListener is told about every change or reaffirmation of the
// active device. device is nil when nothing is active.
type ActiveDeviceListener interface {
	OnActiveDeviceChanged(device *headunit.Device, reason string)
}

// StartupResetter is invoked when an activation request names a device that
// is no longer attached.
type StartupResetter interface {
	ResetStartupActivation()
}

type Config struct {
	Registry             Registry
	DeviceListListener   DeviceListListener
	ActiveDeviceListener ActiveDeviceListener
	StartupResetter      StartupResetter
	Logger               *slog.Logger
}

var ErrNilRegistry = errors.New("arbiter: registry is nil")

type Arbiter struct {
	registry Registry
	lists    DeviceListListener
	active   ActiveDeviceListener
	startup  StartupResetter
	logger   *slog.Logger

	current *headunit.Device
	last    *headunit.Device
	pending headunit.DeviceControl
}

func New(cfg Config) (*Arbiter, error) {
	if cfg.Registry == nil {
		return nil, ErrNilRegistry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Arbiter{
		registry: cfg.Registry,
		lists:    cfg.DeviceListListener,
		active:   cfg.ActiveDeviceListener,
		startup:  cfg.StartupResetter,
		logger:   cfg.Logger.With("component", "arbiter"),
	}
	if a.lists == nil {
		a.lists = nopListener{}
	}
	if a.active == nil {
		a.active = nopListener{}
	}
	if a.startup == nil {
		a.startup = nopListener{}
	}
	return a, nil
}

// Current returns the active device, or nil.
func (a *Arbiter) Current() *headunit.Device { return a.current }

// LastActive returns a copy of the device most recently confirmed active.
func (a *Arbiter) LastActive() (headunit.Device, bool) {
	if a.last == nil {
		return headunit.Device{}, false
	}
	return *a.last, true
}

// Pending returns the deferred activation request, or nil.
func (a *Arbiter) Pending() headunit.DeviceControl { return a.pending }

// RequestActivation is called by a driver that wants its device to become
// the active one. If another device is active the request is parked in the
// single pending slot and the incumbent is told to deactivate.
func (a *Arbiter) RequestActivation(ctl headunit.DeviceControl) {
	dev := ctl.Device()
	if dev.Is(a.current) && a.current.IsActive() {
		a.logger.Debug("activation ignored, already active", "device", dev.ID)
		return
	}
	if dev.Connection == headunit.NotAttached {
		a.logger.Info("activation ignored, device no longer attached", "device", dev.ID)
		a.startup.ResetStartupActivation()
		return
	}

	a.moveSelectionMarker(dev)

	if a.current == nil {
		a.logger.Info("nothing active, activation confirmed", "device", dev.ID)
		a.confirmActivation(ctl)
		return
	}

	a.logger.Info("activation postponed", "device", dev.ID, "active", a.current.ID)
	a.pending = ctl
	if dev.Is(a.current) {
		a.logger.Debug("requested device is the active one, no deactivation needed", "device", dev.ID)
		return
	}
	incumbent := a.registry.ControlFor(a.current.ID)
	if incumbent == nil {
		a.logger.Warn("active device has no control, cannot force deactivation", "active", a.current.ID)
		return
	}
	incumbent.DeactivationConfirmed()
}

// RequestDeactivation confirms the deactivation unless the device is the
// one waiting in the pending slot; reconciliation settles that one.
func (a *Arbiter) RequestDeactivation(ctl headunit.DeviceControl) {
	pending := a.isPending(ctl.Device())
	a.logger.Debug("deactivation requested", "device", ctl.Device().ID, "activation_pending", pending)
	if !pending {
		ctl.DeactivationConfirmed()
	}
}

// RequestDisconnect always releases the device.
func (a *Arbiter) RequestDisconnect(ctl headunit.DeviceControl) {
	ctl.DeactivationConfirmed()
}

// DeleteDevice removes the device from persistence and reconciles. A
// persistence failure is logged; the state machine still moves on.
func (a *Arbiter) DeleteDevice(ctx context.Context, ctl headunit.DeviceControl) {
	dev := ctl.Device()
	if err := a.registry.DeleteDeviceFromPersistence(ctx, ctl); err != nil {
		a.logger.Error("delete device from persistence", "device", dev.ID, "error", err)
	}
	if dev.Is(a.current) {
		a.current = nil
	}
	a.NotifyAboutChange(nil, "deleted")
}

// NotifyAboutChange reconciles the arbiter with a device whose state changed
// for whatever reason. device may be nil, meaning "no device".
func (a *Arbiter) NotifyAboutChange(device *headunit.Device, reason string) {
	becameCurrent := headunit.SameDevice(device, a.current)
	currentWasDeactivated := a.current == nil || a.current.Connection != headunit.Active
	deviceBecameActive := device.IsActive()

	if deviceBecameActive && a.pending != nil && device.Is(a.pending.Device()) {
		a.pending = nil
	}
	if currentWasDeactivated && a.pending != nil && a.current.Is(a.pending.Device()) {
		a.pending = nil
	}

	switch {
	case becameCurrent && currentWasDeactivated:
		a.activeDeviceDeactivated()
	case becameCurrent:
		a.active.OnActiveDeviceChanged(a.current, "active device changed")
	case deviceBecameActive:
		a.logger.Info("device became active without request", "device", device.ID)
		a.current = device
		a.current.Selected = device.Accept == headunit.DisclaimerAccepted
		a.active.OnActiveDeviceChanged(a.current, "active device selected")
	}

	a.lists.OnDeviceListChanged(a.registry.DeviceList(), fmt.Sprintf("%s for device: %s", reason, device))
}

func (a *Arbiter) activeDeviceDeactivated() {
	if a.pending == nil {
		a.logger.Debug("no pending requests present")
		if a.current != nil {
			a.current.Selected = false
		}
		a.current = nil
		a.active.OnActiveDeviceChanged(nil, "active device deactivated")
		return
	}
	next := a.pending.Device()
	if next.Accept != headunit.DisclaimerAccepted {
		// The old device keeps its selection flag here.
		a.logger.Info("disclaimer not accepted on pending request, dropped", "device", next.ID)
		a.pending = nil
		return
	}
	a.logger.Info("activating pending request", "device", next.ID)
	a.confirmActivation(a.pending)
}

// confirmActivation notifies listeners before the driver hears it is live.
func (a *Arbiter) confirmActivation(ctl headunit.DeviceControl) {
	a.current = ctl.Device()
	a.last = a.current.Clone()
	a.active.OnActiveDeviceChanged(a.current, "confirmActivation")
	ctl.ActivationConfirmed()
}

func (a *Arbiter) moveSelectionMarker(dev *headunit.Device) {
	for _, d := range a.registry.DeviceList() {
		if d.Is(dev) {
			continue
		}
		d.Selected = false
		d.Accept = headunit.NativeSelected
	}
	dev.Selected = true
	a.lists.OnDeviceListChanged(a.registry.DeviceList(), "moveSelectionMarker for "+string(dev.ID))
}

func (a *Arbiter) isPending(dev *headunit.Device) bool {
	return a.pending != nil && a.pending.Device().Is(dev)
}

type nopListener struct{}

func (nopListener) OnDeviceListChanged([]*headunit.Device, string) {}
func (nopListener) OnActiveDeviceChanged(*headunit.Device, string) {}
func (nopListener) ResetStartupActivation()                        {}
