// Package registry owns the list of devices the head unit knows about, the
// driver control bound to each of them and their persistence.
//
// A Registry is not safe for concurrent use. It is meant to be driven from
// the same dispatch goroutine as the arbiter, which reads and flags the very
// *headunit.Device values held here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xmidt-org/talaria/headunit"
)

type Registry struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	devices  []*headunit.Device
	controls map[headunit.DeviceID]*control
}

// control binds a driver's Confirmer to the registry's device value. One is
// created per binding so the arbiter can compare controls by identity.
type control struct {
	headunit.Confirmer
	dev *headunit.Device
}

func (c *control) Device() *headunit.Device { return c.dev }

func New(store *Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
		controls: make(map[headunit.DeviceID]*control),
	}
}

// Load replaces the in-memory list with the persisted devices, all detached.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	r.devices = r.devices[:0]
	r.controls = make(map[headunit.DeviceID]*control)
	for _, rec := range recs {
		r.devices = append(r.devices, deviceFor(rec))
	}
	r.logger.Info("devices loaded", "count", len(r.devices))
	return nil
}

// Attach records that a device is present. A device that is already active
// keeps its state. c may be nil when no driver link could be opened.
func (r *Registry) Attach(ctx context.Context, info headunit.DeviceInfo, c headunit.Confirmer) (*headunit.Device, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("attach: empty device id: %w", headunit.ErrInvalidState)
	}
	dev, ok := r.Lookup(info.ID)
	if !ok {
		dev = &headunit.Device{ID: info.ID, Accept: headunit.NativeSelected}
		r.devices = append(r.devices, dev)
	}
	if info.Name != "" {
		dev.Name = info.Name
	}
	if info.Transport != "" {
		dev.Transport = info.Transport
	}
	if dev.Connection == headunit.NotAttached {
		dev.Connection = headunit.Attached
	}
	dev.LastSeen = r.now()
	if c != nil {
		r.controls[dev.ID] = &control{Confirmer: c, dev: dev}
	}
	if err := r.store.Save(ctx, recordFor(dev)); err != nil {
		return dev, fmt.Errorf("persist device %s: %w", dev.ID, err)
	}
	return dev, nil
}

// Detach marks the device as gone and drops its control.
func (r *Registry) Detach(id headunit.DeviceID) (*headunit.Device, error) {
	dev, ok := r.Lookup(id)
	if !ok {
		return nil, headunit.ErrDeviceNotFound
	}
	dev.Connection = headunit.NotAttached
	delete(r.controls, id)
	return dev, nil
}

func (r *Registry) SetConnectionState(id headunit.DeviceID, state headunit.ConnectionState) (*headunit.Device, error) {
	dev, ok := r.Lookup(id)
	if !ok {
		return nil, headunit.ErrDeviceNotFound
	}
	dev.Connection = state
	if state != headunit.NotAttached {
		dev.LastSeen = r.now()
	}
	return dev, nil
}

func (r *Registry) SetAcceptState(ctx context.Context, id headunit.DeviceID, state headunit.AcceptState) (*headunit.Device, error) {
	dev, ok := r.Lookup(id)
	if !ok {
		return nil, headunit.ErrDeviceNotFound
	}
	dev.Accept = state
	if err := r.store.UpdateAcceptState(ctx, id, state); err != nil {
		return dev, fmt.Errorf("persist accept state of %s: %w", id, err)
	}
	return dev, nil
}

func (r *Registry) Lookup(id headunit.DeviceID) (*headunit.Device, bool) {
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// DeviceList returns the devices in insertion order. The slice is a copy,
// the devices are not.
func (r *Registry) DeviceList() []*headunit.Device {
	return append([]*headunit.Device(nil), r.devices...)
}

// ControlFor returns the bound control, or nil.
func (r *Registry) ControlFor(id headunit.DeviceID) headunit.DeviceControl {
	if c, ok := r.controls[id]; ok {
		return c
	}
	return nil
}

// DeleteDeviceFromPersistence forgets the device everywhere. Deleting a
// device that was never persisted is not an error.
func (r *Registry) DeleteDeviceFromPersistence(ctx context.Context, ctl headunit.DeviceControl) error {
	id := ctl.Device().ID
	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			break
		}
	}
	delete(r.controls, id)
	if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, headunit.ErrDeviceNotFound) {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}
