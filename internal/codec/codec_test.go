package codec

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

func TestVariantEncode(t *testing.T) {
	var c Variant

	v, err := c.Encode(true)
	if err != nil {
		t.Fatalf("Encode(true): %v", err)
	}
	if v.Signature().String() != "b" || v.Value() != true {
		t.Errorf("Encode(true) = %v", v)
	}

	wrapped := dbus.MakeVariant("x")
	v, err = c.Encode(wrapped)
	if err != nil || !Equal(v, wrapped) {
		t.Errorf("Encode(variant) = %v, %v; want passthrough", v, err)
	}

	var decodeErr *dbustypes.DecodeError
	if _, err := c.Encode(nil); !errors.As(err, &decodeErr) {
		t.Errorf("Encode(nil) err = %v, want *DecodeError", err)
	}
	if _, err := c.Encode(make(chan int)); !errors.As(err, &decodeErr) {
		t.Errorf("Encode(chan) err = %v, want *DecodeError", err)
	}
}

func TestVariantDecode(t *testing.T) {
	var c Variant

	var b bool
	if err := c.Decode(dbus.MakeVariant(true), &b); err != nil || !b {
		t.Errorf("Decode bool = %v, %v", b, err)
	}

	var s string
	var decodeErr *dbustypes.DecodeError
	if err := c.Decode(dbus.MakeVariant(true), &s); !errors.As(err, &decodeErr) {
		t.Errorf("Decode bool into string: err = %v, want *DecodeError", err)
	}
	if err := c.Decode(dbus.MakeVariant(true), b); !errors.As(err, &decodeErr) {
		t.Errorf("Decode into non-pointer: err = %v, want *DecodeError", err)
	}
	if err := c.Decode(dbus.Variant{}, &b); !errors.As(err, &decodeErr) {
		t.Errorf("Decode empty variant: err = %v, want *DecodeError", err)
	}
}

func TestBool(t *testing.T) {
	if b, err := Bool(dbus.MakeVariant(true)); err != nil || !b {
		t.Errorf("Bool(true) = %v, %v", b, err)
	}
	if _, err := Bool(dbus.MakeVariant(uint32(1))); err == nil {
		t.Error("Bool(uint32) succeeded")
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b dbus.Variant
		want bool
	}{
		{"same bool", dbus.MakeVariant(true), dbus.MakeVariant(true), true},
		{"different bool", dbus.MakeVariant(true), dbus.MakeVariant(false), false},
		{"same value different signature", dbus.MakeVariant(int32(1)), dbus.MakeVariant(uint32(1)), false},
		{"string slices", dbus.MakeVariant([]string{"a"}), dbus.MakeVariant([]string{"a"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

type availability struct {
	IsAvailable bool     `codec:"IsAvailable"`
	Label       string   `codec:"Label"`
	Level       uint32   `codec:"Level"`
	Tags        []string `codec:"Tags"`
}

func TestDecodeVariantMap(t *testing.T) {
	props := map[string]dbus.Variant{
		"IsAvailable": dbus.MakeVariant(true),
		"Label":       dbus.MakeVariant("headset"),
		"Level":       dbus.MakeVariant(uint32(3)),
		"Tags":        dbus.MakeVariant([]string{"a", "b"}),
		"Unknown":     dbus.MakeVariant(int64(9)),
	}

	var got availability
	if err := DecodeVariantMap(props, &got, "IsAvailable"); err != nil {
		t.Fatalf("DecodeVariantMap: %v", err)
	}
	if !got.IsAvailable || got.Label != "headset" || got.Level != 3 {
		t.Errorf("decoded = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" || got.Tags[1] != "b" {
		t.Errorf("Tags = %v", got.Tags)
	}
}

func TestDecodeVariantMapVariantFields(t *testing.T) {
	var got struct {
		Label  dbus.Variant  `codec:"Label"`
		Flag   *dbus.Variant `codec:"Flag"`
		Nested dbus.Variant  `codec:"Nested"`
	}
	props := map[string]dbus.Variant{
		"Label":  dbus.MakeVariant("headset"),
		"Flag":   dbus.MakeVariant(true),
		"Nested": dbus.MakeVariant(dbus.MakeVariant("inner")),
	}
	if err := DecodeVariantMap(props, &got); err != nil {
		t.Fatalf("DecodeVariantMap: %v", err)
	}
	if got.Label.Value() != "headset" {
		t.Errorf("Label = %v", got.Label)
	}
	if got.Flag == nil || got.Flag.Value() != true {
		t.Errorf("Flag = %v", got.Flag)
	}
	if got.Nested.Value() != "inner" {
		t.Errorf("Nested = %v", got.Nested)
	}
}

func TestDecodeVariantMapRequired(t *testing.T) {
	var got availability
	var decodeErr *dbustypes.DecodeError

	err := DecodeVariantMap(map[string]dbus.Variant{}, &got, "IsAvailable")
	if !errors.As(err, &decodeErr) {
		t.Errorf("missing required: err = %v, want *DecodeError", err)
	}

	err = DecodeVariantMap(map[string]dbus.Variant{"IsAvailable": {}}, &got, "IsAvailable")
	if !errors.As(err, &decodeErr) {
		t.Errorf("empty required: err = %v, want *DecodeError", err)
	}
}

func TestMapDecoderReuse(t *testing.T) {
	var d MapDecoder
	for i, want := range []bool{true, false, true} {
		var got availability
		if err := d.Decode(map[string]dbus.Variant{"IsAvailable": dbus.MakeVariant(want)}, &got); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if got.IsAvailable != want {
			t.Errorf("round %d: IsAvailable = %v, want %v", i, got.IsAvailable, want)
		}
	}
}

func TestPlain(t *testing.T) {
	nested := dbus.MakeVariant(map[string]dbus.Variant{
		"path":  dbus.MakeVariant(dbus.ObjectPath("/org/gnome/VR")),
		"inner": dbus.MakeVariant(dbus.MakeVariant(uint32(5))),
		"list":  dbus.MakeVariant([]dbus.Variant{dbus.MakeVariant("a"), dbus.MakeVariant(true)}),
	})

	got, ok := Plain(nested).(map[string]any)
	if !ok {
		t.Fatalf("Plain = %T, want map", Plain(nested))
	}
	if got["path"] != "/org/gnome/VR" {
		t.Errorf("path = %#v", got["path"])
	}
	if got["inner"] != uint32(5) {
		t.Errorf("inner = %#v", got["inner"])
	}
	list, ok := got["list"].([]any)
	if !ok || len(list) != 2 || list[0] != "a" || list[1] != true {
		t.Errorf("list = %#v", got["list"])
	}

	flat := PlainMap(map[string]dbus.Variant{"IsAvailable": dbus.MakeVariant(true)})
	if flat["IsAvailable"] != true {
		t.Errorf("PlainMap = %v", flat)
	}
}
