// Package manager turns adapter events and API calls into serialized
// registry and arbiter operations.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/talaria/headunit/arbiter"
	"github.com/xmidt-org/talaria/headunit/registry"
)

// LinkOpener provides the driver side of a device.
type LinkOpener interface {
	Open(ctx context.Context, id headunit.DeviceID) (headunit.Confirmer, error)
	Close(id headunit.DeviceID)
}

// StartupSource names the device to activate again after boot.
type StartupSource interface {
	Candidate(ctx context.Context) (headunit.DeviceID, bool, error)
}

type Config struct {
	Queue    *arbiter.Queue
	Arbiter  *arbiter.Arbiter
	Registry *registry.Registry
	Links    LinkOpener    // optional
	Startup  StartupSource // optional
	Logger   *slog.Logger
}

// Manager is safe for concurrent use; all state changes run on the queue.
type Manager struct {
	queue   *arbiter.Queue
	arb     *arbiter.Arbiter
	reg     *registry.Registry
	links   LinkOpener
	startup StartupSource
	logger  *slog.Logger
}

// ActiveView is the current active device and the last one ever confirmed.
type ActiveView struct {
	Current *headunit.Device
	Last    *headunit.Device
}

func New(cfg Config) (*Manager, error) {
	if cfg.Queue == nil || cfg.Arbiter == nil || cfg.Registry == nil {
		return nil, errors.New("manager: queue, arbiter and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		queue:   cfg.Queue,
		arb:     cfg.Arbiter,
		reg:     cfg.Registry,
		links:   cfg.Links,
		startup: cfg.Startup,
		logger:  cfg.Logger.With("component", "manager"),
	}, nil
}

// HandleEvent applies one adapter event. Events the manager does not act on
// are ignored.
func (m *Manager) HandleEvent(ctx context.Context, ev headunit.Event) error {
	switch ev.Kind {
	case headunit.EventAttached:
		return m.attach(ctx, ev)
	case headunit.EventDetached:
		return m.detach(ctx, ev.DeviceID)
	case headunit.EventStateChanged:
		report, ok := ev.Payload.(headunit.StateReport)
		if !ok {
			return fmt.Errorf("state change without report: %w", headunit.ErrInvalidState)
		}
		return m.setConnectionState(ctx, ev.DeviceID, report.Connection)
	case headunit.EventActivationRequested:
		return m.Activate(ctx, ev.DeviceID)
	case headunit.EventDeactivationRequested:
		return m.Deactivate(ctx, ev.DeviceID)
	case headunit.EventDisconnectRequested:
		return m.Disconnect(ctx, ev.DeviceID)
	case headunit.EventDeleteRequested:
		return m.Delete(ctx, ev.DeviceID)
	case headunit.EventAcceptChanged:
		state, ok := ev.Payload.(headunit.AcceptState)
		if !ok {
			return fmt.Errorf("accept change without state: %w", headunit.ErrInvalidState)
		}
		return m.SetAcceptState(ctx, ev.DeviceID, state)
	default:
		return nil
	}
}

func (m *Manager) attach(ctx context.Context, ev headunit.Event) error {
	info, ok := ev.Payload.(headunit.DeviceInfo)
	if !ok {
		info = headunit.DeviceInfo{ID: ev.DeviceID}
	}
	if info.ID == "" {
		info.ID = ev.DeviceID
	}

	// dialing and the startup lookup stay off the queue
	var link headunit.Confirmer
	if m.links != nil {
		c, err := m.links.Open(ctx, info.ID)
		switch {
		case errors.Is(err, headunit.ErrNoDriver):
			m.logger.Debug("no driver configured", "device", info.ID)
		case err != nil:
			m.logger.Warn("open driver link", "device", info.ID, "error", err)
		default:
			link = c
		}
	}
	var candidate headunit.DeviceID
	if m.startup != nil {
		id, found, err := m.startup.Candidate(ctx)
		if err != nil {
			m.logger.Warn("read startup device", "error", err)
		} else if found {
			candidate = id
		}
	}

	var attachErr error
	err := m.queue.Do(ctx, func() {
		dev, err := m.reg.Attach(ctx, info, link)
		if dev == nil {
			attachErr = err
			return
		}
		if err != nil {
			m.logger.Error("persist attached device", "device", dev.ID, "error", err)
		}
		m.logger.Info("device attached", "device", dev.ID, "transport", dev.Transport)
		m.arb.NotifyAboutChange(dev, "attached")

		if candidate != dev.ID || m.arb.Current() != nil {
			return
		}
		if ctl := m.reg.ControlFor(dev.ID); ctl != nil {
			m.logger.Info("activating startup device", "device", dev.ID)
			m.arb.RequestActivation(ctl)
		}
	})
	if err != nil {
		return err
	}
	return attachErr
}

func (m *Manager) detach(ctx context.Context, id headunit.DeviceID) error {
	var opErr error
	err := m.queue.Do(ctx, func() {
		dev, err := m.reg.Detach(id)
		if err != nil {
			opErr = err
			return
		}
		m.logger.Info("device detached", "device", id)
		m.arb.NotifyAboutChange(dev, "detached")
	})
	if m.links != nil {
		m.links.Close(id)
	}
	if err != nil {
		return err
	}
	return opErr
}

func (m *Manager) setConnectionState(ctx context.Context, id headunit.DeviceID, state headunit.ConnectionState) error {
	var opErr error
	err := m.queue.Do(ctx, func() {
		dev, err := m.reg.SetConnectionState(id, state)
		if err != nil {
			opErr = err
			return
		}
		m.logger.Debug("connection state changed", "device", id, "state", state)
		m.arb.NotifyAboutChange(dev, "connection state changed")
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetAcceptState records the user's consent decision for a device.
func (m *Manager) SetAcceptState(ctx context.Context, id headunit.DeviceID, state headunit.AcceptState) error {
	var opErr error
	err := m.queue.Do(ctx, func() {
		dev, err := m.reg.SetAcceptState(ctx, id, state)
		if dev == nil {
			opErr = err
			return
		}
		if err != nil {
			opErr = err
		}
		m.arb.NotifyAboutChange(dev, "accept state changed")
	})
	if err != nil {
		return err
	}
	return opErr
}

func (m *Manager) Activate(ctx context.Context, id headunit.DeviceID) error {
	return m.withControl(ctx, id, m.arb.RequestActivation)
}

func (m *Manager) Deactivate(ctx context.Context, id headunit.DeviceID) error {
	return m.withControl(ctx, id, m.arb.RequestDeactivation)
}

func (m *Manager) Disconnect(ctx context.Context, id headunit.DeviceID) error {
	return m.withControl(ctx, id, m.arb.RequestDisconnect)
}

// Delete forgets a device. Unlike the other requests it does not need a
// driver: a device that is only persisted can be deleted too.
func (m *Manager) Delete(ctx context.Context, id headunit.DeviceID) error {
	var opErr error
	err := m.queue.Do(ctx, func() {
		ctl := m.reg.ControlFor(id)
		if ctl == nil {
			dev, ok := m.reg.Lookup(id)
			if !ok {
				opErr = headunit.ErrDeviceNotFound
				return
			}
			ctl = unboundControl{dev: dev}
		}
		m.logger.Info("deleting device", "device", id)
		m.arb.DeleteDevice(ctx, ctl)
	})
	if err != nil {
		return err
	}
	if opErr == nil && m.links != nil {
		m.links.Close(id)
	}
	return opErr
}

func (m *Manager) withControl(ctx context.Context, id headunit.DeviceID, op func(headunit.DeviceControl)) error {
	var opErr error
	err := m.queue.Do(ctx, func() {
		ctl := m.reg.ControlFor(id)
		if ctl == nil {
			if _, ok := m.reg.Lookup(id); ok {
				opErr = headunit.ErrNoDriver
			} else {
				opErr = headunit.ErrDeviceNotFound
			}
			return
		}
		op(ctl)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Devices returns copies of all known devices.
func (m *Manager) Devices(ctx context.Context) ([]headunit.Device, error) {
	var out []headunit.Device
	err := m.queue.Do(ctx, func() {
		list := m.reg.DeviceList()
		out = make([]headunit.Device, 0, len(list))
		for _, d := range list {
			out = append(out, *d)
		}
	})
	return out, err
}

// Active returns copies of the current and the last active device.
func (m *Manager) Active(ctx context.Context) (ActiveView, error) {
	var v ActiveView
	err := m.queue.Do(ctx, func() {
		v.Current = m.arb.Current().Clone()
		if last, ok := m.arb.LastActive(); ok {
			v.Last = &last
		}
	})
	return v, err
}

// Run feeds every subscription into HandleEvent until ctx ends or all
// subscriptions close.
func (m *Manager) Run(ctx context.Context, subs ...headunit.EventSubscription) {
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub headunit.EventSubscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.C():
					if !ok {
						return
					}
					if err := m.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
						m.logger.Warn("event not applied", "kind", ev.Kind, "device", ev.DeviceID, "source", ev.Source, "error", err)
					}
				}
			}
		}(sub)
	}
	wg.Wait()
}

// unboundControl stands in for a device whose driver is gone.
type unboundControl struct{ dev *headunit.Device }

func (u unboundControl) Device() *headunit.Device { return u.dev }
func (unboundControl) ActivationConfirmed()       {}
func (unboundControl) DeactivationConfirmed()     {}
