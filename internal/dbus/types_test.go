package dbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/", false},
		{"/org/gnome/VR", false},
		{"/org/example/Demo_1", false},
		{"", true},
		{"org/gnome", true},
		{"/org/", true},
		{"/org//gnome", true},
		{"/org/gnome-vr", true},
		{"/org/gnömé", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestAddressValidate(t *testing.T) {
	if err := NewAddress(VRBusName, VRPath, VRInterface).Validate(); err != nil {
		t.Errorf("VR address: %v", err)
	}
	if err := NewAddress("", VRPath, VRInterface).Validate(); err == nil {
		t.Error("empty name accepted")
	}
	if err := NewAddress(VRBusName, VRPath, "").Validate(); err == nil {
		t.Error("empty interface accepted")
	}

	a := NewAddress(VRBusName, VRPath, VRInterface)
	b := a.WithInterface(PropertiesInterface)
	if a.Interface != VRInterface || b.Interface != PropertiesInterface || b.Path != a.Path {
		t.Errorf("WithInterface: a = %+v, b = %+v", a, b)
	}
}

func TestSignalFromBus(t *testing.T) {
	sig := SignalFromBus(&dbus.Signal{
		Sender: ":1.3",
		Path:   "/org/gnome/VR",
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body:   []any{"org.gnome.VR"},
	})
	if sig.Interface != PropertiesInterface || sig.Member != MemberPropertiesChanged {
		t.Errorf("split = %q %q", sig.Interface, sig.Member)
	}
	if sig.Sender != ":1.3" || sig.Path != "/org/gnome/VR" || len(sig.Body) != 1 {
		t.Errorf("signal = %+v", sig)
	}

	iface, member := SplitMember("Bare")
	if iface != "" || member != "Bare" {
		t.Errorf("SplitMember(Bare) = %q, %q", iface, member)
	}
}

func TestClassifyRemote(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"no reply", NewDBusError(ErrNameNoReply, "x"), ErrTimeout},
		{"timeout", NewDBusError(ErrNameTimeout, "x"), ErrTimeout},
		{"timed out", dbus.Error{Name: ErrNameTimedOut}, ErrTimeout},
		{"disconnected", NewDBusError(ErrNameDisconnected, "x"), ErrConnectionLost},
		{"unknown method", NewDBusError(ErrNameUnknownMethod, "x"), ErrNoSuchMember},
		{"unknown property", NewDBusError(ErrNameUnknownProperty, "x"), ErrNoSuchMember},
		{"unknown interface", NewDBusError(ErrNameUnknownInterface, "x"), ErrNoSuchMember},
		{"unknown object", NewDBusError(ErrNameUnknownObject, "x"), ErrNoSuchMember},
		{"prop property not found", NewDBusError(ErrNamePropertyNotFound, "x"), ErrNoSuchMember},
		{"prop interface not found", NewDBusError(ErrNameInterfaceNotFound, "x"), ErrNoSuchMember},
		{"closed", fmt.Errorf("send: %w", dbus.ErrClosed), ErrConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRemote(tt.err); !errors.Is(got, tt.target) {
				t.Errorf("ClassifyRemote = %v, want %v", got, tt.target)
			}
		})
	}
}

func TestClassifyRemoteError(t *testing.T) {
	got := ClassifyRemote(NewDBusError("org.example.Error.Boom", "it broke"))
	var remote *RemoteError
	if !errors.As(got, &remote) {
		t.Fatalf("ClassifyRemote = %T, want *RemoteError", got)
	}
	if remote.Name != "org.example.Error.Boom" || remote.Message != "it broke" {
		t.Errorf("remote = %+v", remote)
	}
	if remote.Error() != "org.example.Error.Boom: it broke" {
		t.Errorf("Error() = %q", remote.Error())
	}

	bare := ClassifyRemote(&dbus.Error{Name: ErrNameInvalidArgs})
	if bare.Error() != ErrNameInvalidArgs {
		t.Errorf("bare Error() = %q", bare.Error())
	}

	other := context.Canceled
	if got := ClassifyRemote(other); got != other {
		t.Errorf("non-bus error changed to %v", got)
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	err := &CallError{
		Address: NewAddress(VRBusName, VRPath, PropertiesInterface),
		Member:  MemberGet,
		Err:     ErrTimeout,
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("CallError does not unwrap to ErrTimeout")
	}
	want := "call org.freedesktop.DBus.Properties.Get on org.gnome.VR/org/gnome/VR: call timed out"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	tests := []struct {
		err  *DecodeError
		want string
	}{
		{&DecodeError{What: "boolean", Want: "b", Got: "s"}, "decode boolean: want b, got s"},
		{&DecodeError{What: "reply body", Err: errors.New("mismatch")}, "decode reply body: mismatch"},
		{&DecodeError{What: "property map", Want: "*T", Err: errors.New("bad")}, "decode property map: want *T: bad"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
