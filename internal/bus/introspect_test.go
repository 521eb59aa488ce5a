package bus

import (
	"errors"
	"testing"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

const demoXML = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node name="/org/example/Demo">
  <interface name="org.freedesktop.DBus.Properties">
    <method name="Get">
      <arg name="interface" type="s" direction="in"/>
      <arg name="property" type="s" direction="in"/>
      <arg name="value" type="v" direction="out"/>
    </method>
  </interface>
  <interface name="org.example.Demo">
    <method name="Echo">
      <arg name="s" type="s" direction="in"/>
      <arg type="s" direction="out"/>
    </method>
    <signal name="Ping">
      <arg name="payload" type="s"/>
    </signal>
    <property name="Enabled" type="b" access="readwrite"/>
    <property name="Version" type="u" access="read"/>
  </interface>
  <node name="child"/>
</node>`

func TestParseInterface(t *testing.T) {
	desc, err := ParseInterface(demoXML, "org.example.Demo")
	if err != nil {
		t.Fatalf("ParseInterface: %v", err)
	}

	if desc.Name != "org.example.Demo" {
		t.Errorf("Name = %q", desc.Name)
	}
	m, ok := desc.Method("Echo")
	if !ok {
		t.Fatal("Echo not found")
	}
	if len(m.Args) != 2 || m.Args[0].Direction != "in" || m.Args[1].Type != "s" {
		t.Errorf("Echo args = %+v", m.Args)
	}
	if _, ok := desc.Method("echo"); ok {
		t.Error("method lookup is not case-sensitive")
	}
	if _, ok := desc.Signal("Ping"); !ok {
		t.Error("Ping signal not found")
	}

	enabled, ok := desc.Property("Enabled")
	if !ok || enabled.Type != "b" || !Writable(enabled) {
		t.Errorf("Enabled = %+v, %v", enabled, ok)
	}
	version, ok := desc.Property("Version")
	if !ok || Writable(version) {
		t.Errorf("Version = %+v, %v; want read-only", version, ok)
	}

	if len(desc.Children) != 1 || desc.Children[0] != "child" {
		t.Errorf("Children = %v, want [child]", desc.Children)
	}
}

func TestParseInterfaceMissing(t *testing.T) {
	_, err := ParseInterface(demoXML, "org.example.Other")
	if !errors.Is(err, dbustypes.ErrNoSuchMember) {
		t.Errorf("err = %v, want ErrNoSuchMember", err)
	}
}

func TestParseNodeMalformed(t *testing.T) {
	_, err := ParseNode("<node><interface")
	var decodeErr *dbustypes.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("err = %v, want *DecodeError", err)
	}
}

func TestDecodePropertiesChanged(t *testing.T) {
	sig := &dbustypes.Signal{
		Sender: ":1.5",
		Path:   "/org/example/Demo",
		Body:   []any{"org.example.Demo", "not a map", []string{"Label"}},
	}
	if _, err := DecodePropertiesChanged(sig); err == nil {
		t.Error("expected error for wrong changed-map type")
	}

	sig.Body = []any{"org.example.Demo"}
	var decodeErr *dbustypes.DecodeError
	if _, err := DecodePropertiesChanged(sig); !errors.As(err, &decodeErr) {
		t.Errorf("err = %v, want *DecodeError", err)
	}
}
