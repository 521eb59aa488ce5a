package cli

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ParseValue parses text as a value of type sig in GVariant text format.
// Strings and object paths may be written without quotes. An empty sig
// infers the type, falling back to a string.
func ParseValue(sig, text string) (dbus.Variant, error) {
	if sig == "" {
		v, err := dbus.ParseVariant(text, dbus.Signature{})
		if err != nil {
			return dbus.MakeVariant(text), nil
		}
		return v, nil
	}

	s, err := dbus.ParseSignature(sig)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("invalid type %q: %w", sig, err)
	}
	switch sig {
	case "s":
		if !isQuoted(text) {
			return dbus.MakeVariant(text), nil
		}
	case "o":
		if !isQuoted(text) {
			p := dbus.ObjectPath(text)
			if !p.IsValid() {
				return dbus.Variant{}, fmt.Errorf("invalid object path %q", text)
			}
			return dbus.MakeVariant(p), nil
		}
	}
	v, err := dbus.ParseVariant(text, s)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("parse %q as %s: %w", text, sig, err)
	}
	return v, nil
}

// ParseArg parses a method argument written as TYPE:TEXT, for example
// "i:42", "s:hello" or "as:['a','b']". Without a valid type prefix the
// whole argument is parsed with an inferred type.
func ParseArg(arg string) (dbus.Variant, error) {
	if sig, text, ok := strings.Cut(arg, ":"); ok && sig != "" {
		if _, err := dbus.ParseSignature(sig); err == nil {
			return ParseValue(sig, text)
		}
	}
	return ParseValue("", arg)
}

// ParseArgs parses every argument with ParseArg and returns the bare values
// for a method call body.
func ParseArgs(args []string) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := ParseArg(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v.Value()
	}
	return out, nil
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]
}
