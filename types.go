package headunit

import (
	"fmt"
	"time"
)

type DeviceID string

// ConnectionState is the link state a device's driver reports.
type ConnectionState int

const (
	NotAttached ConnectionState = iota
	Attached
	Active
)

var connectionStateNames = map[ConnectionState]string{
	NotAttached: "not-attached",
	Attached:    "attached",
	Active:      "active",
}

func (s ConnectionState) String() string {
	if n, ok := connectionStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// ParseConnectionState maps the wire form back to a ConnectionState.
func ParseConnectionState(s string) (ConnectionState, error) {
	for st, n := range connectionStateNames {
		if n == s {
			return st, nil
		}
	}
	return NotAttached, fmt.Errorf("connection state %q: %w", s, ErrInvalidState)
}

// AcceptState records the user's answer to the projection disclaimer.
type AcceptState int

const (
	NativeSelected AcceptState = iota
	DisclaimerAccepted
	DisclaimerDeclined
)

var acceptStateNames = map[AcceptState]string{
	NativeSelected:     "native-selected",
	DisclaimerAccepted: "disclaimer-accepted",
	DisclaimerDeclined: "disclaimer-declined",
}

func (s AcceptState) String() string {
	if n, ok := acceptStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AcceptState(%d)", int(s))
}

func ParseAcceptState(s string) (AcceptState, error) {
	for st, n := range acceptStateNames {
		if n == s {
			return st, nil
		}
	}
	return NativeSelected, fmt.Errorf("accept state %q: %w", s, ErrInvalidState)
}

// Device is a phone or other projection source known to the head unit.
// A nil *Device means "no device".
type Device struct {
	ID         DeviceID
	Name       string
	Transport  string
	Connection ConnectionState
	Accept     AcceptState
	Selected   bool
	LastSeen   time.Time
}

// Is reports whether d and other are the same device. It is false when
// either side is nil.
func (d *Device) Is(other *Device) bool {
	return d != nil && other != nil && d.ID == other.ID
}

// SameDevice is like Is but treats two nils as the same absent device.
func SameDevice(a, b *Device) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

func (d *Device) IsActive() bool {
	return d != nil && d.Connection == Active
}

// Clone returns a detached copy, or nil for a nil device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func (d *Device) String() string {
	if d == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s,%s)", d.ID, d.Connection, d.Accept)
}

// Confirmer is the driver side of device control. Both calls are fire and
// forget; the outcome comes back later as a state change.
type Confirmer interface {
	ActivationConfirmed()
	DeactivationConfirmed()
}

// DeviceControl pairs a Confirmer with the device it drives.
type DeviceControl interface {
	Confirmer
	Device() *Device
}

// DeviceInfo describes a device seen by an attach source.
type DeviceInfo struct {
	ID        DeviceID
	Name      string
	Transport string
}

// StateReport is what a driver says about its device.
type StateReport struct {
	Connection ConnectionState
}

type ActiveChange struct {
	Device *Device // nil when nothing is active
	Reason string
}

type ListChange struct {
	Devices []Device
	Reason  string
}

type EventKind string

const (
	EventAttached              EventKind = "attached"
	EventDetached              EventKind = "detached"
	EventStateChanged          EventKind = "state-changed"
	EventActivationRequested   EventKind = "activation-requested"
	EventDeactivationRequested EventKind = "deactivation-requested"
	EventDisconnectRequested   EventKind = "disconnect-requested"
	EventDeleteRequested       EventKind = "delete-requested"
	EventAcceptChanged         EventKind = "accept-changed"
	EventActiveChanged         EventKind = "active-changed"
	EventListChanged           EventKind = "list-changed"
)

type Event struct {
	Kind       EventKind
	DeviceID   DeviceID
	OccurredAt time.Time
	Source     string
	Payload    interface{}
}

type EventSubscription interface {
	C() <-chan Event
	Close() error
}
