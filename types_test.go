package headunit

import (
	"errors"
	"testing"
)

func TestConnectionStateRoundTrip(t *testing.T) {
	for _, st := range []ConnectionState{NotAttached, Attached, Active} {
		got, err := ParseConnectionState(st.String())
		if err != nil || got != st {
			t.Errorf("ParseConnectionState(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := ParseConnectionState("ACTIVE"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if s := ConnectionState(9).String(); s != "ConnectionState(9)" {
		t.Errorf("String() = %q", s)
	}
}

func TestAcceptStateRoundTrip(t *testing.T) {
	for _, st := range []AcceptState{NativeSelected, DisclaimerAccepted, DisclaimerDeclined} {
		got, err := ParseAcceptState(st.String())
		if err != nil || got != st {
			t.Errorf("ParseAcceptState(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := ParseAcceptState(""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestDeviceIdentity(t *testing.T) {
	a := &Device{ID: "a"}
	a2 := &Device{ID: "a", Name: "other value"}
	b := &Device{ID: "b"}

	tests := []struct {
		name     string
		x, y     *Device
		is, same bool
	}{
		{"same id", a, a2, true, true},
		{"different id", a, b, false, false},
		{"nil left", nil, a, false, false},
		{"nil right", a, nil, false, false},
		{"both nil", nil, nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.x.Is(tt.y); got != tt.is {
				t.Errorf("Is() = %v", got)
			}
			if got := SameDevice(tt.x, tt.y); got != tt.same {
				t.Errorf("SameDevice() = %v", got)
			}
		})
	}
}

func TestDeviceHelpers(t *testing.T) {
	var none *Device
	if none.IsActive() || none.Clone() != nil || none.String() != "<none>" {
		t.Fatal("nil device helpers misbehave")
	}

	d := &Device{ID: "a", Connection: Active, Accept: DisclaimerAccepted}
	if !d.IsActive() {
		t.Fatal("active device not reported active")
	}
	c := d.Clone()
	c.Name = "changed"
	if d.Name != "" {
		t.Fatal("Clone shares state")
	}
	if s := d.String(); s != "a(active,disclaimer-accepted)" {
		t.Fatalf("String() = %q", s)
	}
}
