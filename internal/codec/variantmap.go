package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
	"github.com/ugorji/go/codec"
)

// variantExt is a go-codec extension that flattens D-Bus variants into their
// values. With decode set it serves as the target for variant struct fields.
type variantExt struct {
	decode bool
}

// ConvertExt converts a variant into an encodable value. go-codec also calls
// it on the destination before decoding; the decode ext hands out a fresh
// slot so any wire type fits.
func (x variantExt) ConvertExt(v any) any {
	if x.decode {
		return new(any)
	}
	switch variant := v.(type) {
	case *dbus.Variant:
		return variant.Value()
	case dbus.Variant:
		return variant.Value()
	}
	return v
}

// UpdateExt stores the decoded value into a dbus.Variant field.
func (variantExt) UpdateExt(dst, src any) {
	if p, ok := src.(*any); ok {
		src = *p
	}
	d, ok := dst.(*dbus.Variant)
	if !ok {
		return
	}
	if src == nil {
		*d = dbus.Variant{}
		return
	}
	*d = dbus.MakeVariant(src)
}

// MapDecoder decodes map[string]dbus.Variant into structs tagged with `codec:"Name"`.
// The zero value is ready to use.
type MapDecoder struct {
	mu   sync.Mutex
	once sync.Once

	encHandle codec.JsonHandle
	decHandle codec.JsonHandle
	encoder *codec.Encoder
	decoder *codec.Decoder
	data    []byte
}

func (d *MapDecoder) init() {
	variantType := reflect.TypeOf(dbus.Variant{})
	d.encHandle.TypeInfos = codec.NewTypeInfos([]string{"codec"})
	d.decHandle.TypeInfos = codec.NewTypeInfos([]string{"codec"})
	// Pointer types collapse onto the same registration, *dbus.Variant included.
	d.encHandle.SetInterfaceExt(variantType, 1, variantExt{})
	d.decHandle.SetInterfaceExt(variantType, 1, variantExt{decode: true})

	d.encoder = codec.NewEncoderBytes(&d.data, &d.encHandle)
	d.decoder = codec.NewDecoderBytes(d.data, &d.decHandle)
}

// Decode decodes variants into dst. Every name in required must be present
// with a non-empty signature.
func (d *MapDecoder) Decode(variants map[string]dbus.Variant, dst any, required ...string) error {
	d.once.Do(d.init)

	for _, name := range required {
		value, ok := variants[name]
		if !ok {
			return &dbustypes.DecodeError{What: "property map", Want: "property " + name, Got: "missing"}
		}
		if value.Signature().Empty() {
			return &dbustypes.DecodeError{What: "property " + name, Want: "signature", Got: "empty"}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.encoder.ResetBytes(&d.data)
	if err := d.encoder.Encode(&variants); err != nil {
		return &dbustypes.DecodeError{What: "property map", Err: err}
	}

	d.decoder.ResetBytes(d.data)
	if err := d.decoder.Decode(dst); err != nil {
		return &dbustypes.DecodeError{What: "property map", Want: fmt.Sprintf("%T", dst), Err: err}
	}
	return nil
}

var defaultMapDecoder MapDecoder

// DecodeVariantMap decodes a property map into dst using a shared decoder.
func DecodeVariantMap(variants map[string]dbus.Variant, dst any, required ...string) error {
	return defaultMapDecoder.Decode(variants, dst, required...)
}
