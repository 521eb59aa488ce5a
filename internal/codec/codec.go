// Package codec converts between Go values and D-Bus variants.
//
// Wire marshaling is done by godbus; this package only wraps values into
// variants, stores variants into typed destinations and decodes property
// maps into tagged structs.
package codec

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Codec encodes values into variants and decodes variants into Go values.
type Codec interface {
	Encode(value any) (dbus.Variant, error)
	Decode(v dbus.Variant, dst any) error
}

// Variant is the default Codec backed by godbus type reflection.
type Variant struct{}

// Encode wraps value in a variant. A value that already is a variant is passed through.
func (Variant) Encode(value any) (v dbus.Variant, err error) {
	switch vv := value.(type) {
	case dbus.Variant:
		return vv, nil
	case *dbus.Variant:
		if vv == nil {
			return dbus.Variant{}, &dbustypes.DecodeError{What: "variant", Want: "value", Got: "nil"}
		}
		return *vv, nil
	case nil:
		return dbus.Variant{}, &dbustypes.DecodeError{What: "variant", Want: "value", Got: "nil"}
	}
	unrepresentable := &dbustypes.DecodeError{What: "variant", Want: "D-Bus representable value", Got: fmt.Sprintf("%T", value)}

	// godbus panics on types it cannot describe.
	defer func() {
		if r := recover(); r != nil {
			v, err = dbus.Variant{}, unrepresentable
		}
	}()
	if dbus.SignatureOf(value).Empty() {
		return dbus.Variant{}, unrepresentable
	}
	return dbus.MakeVariant(value), nil
}

// Decode stores the variant's value into dst, which must be a non-nil pointer.
func (Variant) Decode(v dbus.Variant, dst any) error {
	if dst == nil || reflect.ValueOf(dst).Kind() != reflect.Pointer {
		return &dbustypes.DecodeError{What: "variant", Want: "pointer destination", Got: fmt.Sprintf("%T", dst)}
	}
	if v.Signature().Empty() {
		return &dbustypes.DecodeError{What: "variant", Want: "signature", Got: "empty"}
	}
	if err := v.Store(dst); err != nil {
		return &dbustypes.DecodeError{
			What: "variant",
			Want: fmt.Sprintf("%T", dst),
			Got:  v.Signature().String(),
			Err:  err,
		}
	}
	return nil
}

// Bool decodes a boolean variant.
func Bool(v dbus.Variant) (bool, error) {
	b, ok := v.Value().(bool)
	if !ok {
		return false, &dbustypes.DecodeError{What: "boolean", Want: "b", Got: v.Signature().String()}
	}
	return b, nil
}

// Equal reports whether two variants carry the same signature and value.
func Equal(a, b dbus.Variant) bool {
	if a.Signature() != b.Signature() {
		return false
	}
	return reflect.DeepEqual(a.Value(), b.Value())
}

// Plain unwraps v into values encoding/json renders faithfully. Nested
// variants are unwrapped; object paths and signatures become strings.
func Plain(v dbus.Variant) any {
	return plain(v.Value())
}

// PlainMap applies Plain to every entry of a property map.
func PlainMap(m map[string]dbus.Variant) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Plain(v)
	}
	return out
}

func plain(x any) any {
	switch t := x.(type) {
	case dbus.Variant:
		return plain(t.Value())
	case map[string]dbus.Variant:
		return PlainMap(t)
	case []dbus.Variant:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = plain(v.Value())
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = plain(v)
		}
		return out
	case dbus.ObjectPath:
		return string(t)
	case []dbus.ObjectPath:
		out := make([]string, len(t))
		for i, p := range t {
			out[i] = string(p)
		}
		return out
	case dbus.Signature:
		return t.String()
	}
	return x
}
