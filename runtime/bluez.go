package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/xmidt-org/talaria/headunit"
)

const (
	bluezBusName     = "org.bluez"
	bluezDeviceIface = "org.bluez.Device1"
	propsIface       = "org.freedesktop.DBus.Properties"
	propsSignal      = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManager    = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	TransportBluetooth = "bluetooth"
)

// BluezWatcher turns BlueZ Device1 "Connected" changes on the system bus
// into attached/detached events.
type BluezWatcher struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	logger  *slog.Logger
	events  headunit.EventHub
}

// DialBluez connects to the system bus and checks that BlueZ is present.
func DialBluez() (*dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == bluezBusName {
			return conn, nil
		}
	}
	conn.Close()
	return nil, fmt.Errorf("%w: %s not on system bus", headunit.ErrBackendUnavailable, bluezBusName)
}

func NewBluezWatcher(conn *dbus.Conn, adapter string, logger *slog.Logger) *BluezWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BluezWatcher{
		conn:    conn,
		adapter: dbus.ObjectPath(adapter),
		logger:  logger.With("component", "bluez", "adapter", adapter),
	}
}

// Subscribe returns an event subscription channel.
func (w *BluezWatcher) Subscribe(buffer int) headunit.EventSubscription {
	return w.events.Subscribe(buffer)
}

// Run announces the devices already connected, then forwards property
// changes until ctx is done.
func (w *BluezWatcher) Run(ctx context.Context) error {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := w.conn.Object(bluezBusName, "/").Call(objectManager, 0).Store(&objs); err != nil {
		w.logger.Warn("list managed objects", "error", err)
	} else {
		now := time.Now()
		for _, info := range connectedDevices(objs, w.adapter) {
			w.events.Publish(headunit.Event{Kind: headunit.EventAttached, DeviceID: info.ID, OccurredAt: now, Source: "bluez", Payload: info})
		}
	}

	rule := "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='" + string(w.adapter) + "'"
	if err := w.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	ch := make(chan *dbus.Signal, 16)
	w.conn.Signal(ch)
	defer w.conn.RemoveSignal(ch)
	defer w.events.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if evt, ok := eventFromSignal(sig, w.adapter, time.Now()); ok {
				w.logger.Debug("bluetooth connection change", "device", evt.DeviceID, "kind", evt.Kind)
				w.events.Publish(evt)
			}
		}
	}
}

// eventFromSignal maps a PropertiesChanged signal for a device under adapter
// to an event. Signals without a Connected change are ignored.
func eventFromSignal(sig *dbus.Signal, adapter dbus.ObjectPath, now time.Time) (headunit.Event, bool) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return headunit.Event{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezDeviceIface {
		return headunit.Event{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return headunit.Event{}, false
	}
	connVar, ok := changed["Connected"]
	if !ok {
		return headunit.Event{}, false
	}
	connected, ok := connVar.Value().(bool)
	if !ok {
		return headunit.Event{}, false
	}
	mac := macFromPath(sig.Path, adapter)
	if mac == "" {
		return headunit.Event{}, false
	}
	id := headunit.DeviceID(mac)
	if !connected {
		return headunit.Event{Kind: headunit.EventDetached, DeviceID: id, OccurredAt: now, Source: "bluez"}, true
	}
	info := headunit.DeviceInfo{ID: id, Name: stringProp(changed, "Alias", "Name"), Transport: TransportBluetooth}
	return headunit.Event{Kind: headunit.EventAttached, DeviceID: id, OccurredAt: now, Source: "bluez", Payload: info}, true
}

func connectedDevices(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter dbus.ObjectPath) []headunit.DeviceInfo {
	var out []headunit.DeviceInfo
	for path, ifaces := range objs {
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		mac := macFromPath(path, adapter)
		if mac == "" {
			continue
		}
		if c, ok := props["Connected"].Value().(bool); !ok || !c {
			continue
		}
		out = append(out, headunit.DeviceInfo{ID: headunit.DeviceID(mac), Name: stringProp(props, "Alias", "Name"), Transport: TransportBluetooth})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stringProp(props map[string]dbus.Variant, keys ...string) string {
	for _, k := range keys {
		if v, ok := props[k]; ok {
			if s, ok := v.Value().(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// macFromPath extracts a MAC address from a BlueZ device object path such
// as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func macFromPath(path, adapter dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}
