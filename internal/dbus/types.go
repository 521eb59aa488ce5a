// Package dbus provides D-Bus type definitions shared by the property-bus client and services.
package dbus

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Standard interfaces and well-known names of the bus itself.
const (
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface           = "org.freedesktop.DBus.Peer"

	BusDaemonName      = "org.freedesktop.DBus"
	BusDaemonPath      = "/org/freedesktop/DBus"
	BusDaemonInterface = "org.freedesktop.DBus"

	MemberGet               = "Get"
	MemberGetAll            = "GetAll"
	MemberSet               = "Set"
	MemberIntrospect        = "Introspect"
	MemberPropertiesChanged = "PropertiesChanged"
	MemberNameOwnerChanged  = "NameOwnerChanged"
	MemberGetNameOwner      = "GetNameOwner"
)

// VR availability service defaults.
const (
	VRBusName   = "org.gnome.VR"
	VRPath      = "/org/gnome/VR"
	VRInterface = "org.gnome.VR"

	PropIsAvailable = "IsAvailable"
)

// Address identifies exactly one remote object and interface pair.
type Address struct {
	Name      string          `json:"name"`
	Path      dbus.ObjectPath `json:"path"`
	Interface string          `json:"interface"`
}

// NewAddress builds an Address from plain strings.
func NewAddress(name, path, iface string) Address {
	return Address{Name: name, Path: dbus.ObjectPath(path), Interface: iface}
}

// WithInterface returns a copy of the address pointing at another interface of the same object.
func (a Address) WithInterface(iface string) Address {
	a.Interface = iface
	return a
}

// Validate checks that the name and interface are set and that the path is well formed.
func (a Address) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("invalid address: empty bus name")
	}
	if a.Interface == "" {
		return fmt.Errorf("invalid address: empty interface name")
	}
	return ValidatePath(string(a.Path))
}

func (a Address) String() string {
	return a.Name + " " + string(a.Path) + " " + a.Interface
}

// ValidatePath checks object path syntax: a leading '/', and '/'-separated
// non-empty segments made of [A-Za-z0-9_]. The root path "/" is valid.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("invalid object path: empty")
	}
	if path[0] != '/' {
		return fmt.Errorf("invalid object path %q: must start with '/'", path)
	}
	if path == "/" {
		return nil
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return fmt.Errorf("invalid object path %q: empty segment", path)
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
				return fmt.Errorf("invalid object path %q: bad character %q", path, r)
			}
		}
	}
	return nil
}

// Signal is an inbound signal frame tagged with its origin.
type Signal struct {
	Sender    string          `json:"sender"`
	Path      dbus.ObjectPath `json:"path"`
	Interface string          `json:"interface"`
	Member    string          `json:"member"`
	Body      []any           `json:"body"`
}

// SignalFromBus splits a godbus signal name ("iface.Member") into interface and member.
func SignalFromBus(sig *dbus.Signal) *Signal {
	iface, member := SplitMember(sig.Name)
	return &Signal{
		Sender:    sig.Sender,
		Path:      sig.Path,
		Interface: iface,
		Member:    member,
		Body:      sig.Body,
	}
}

// SplitMember splits a fully qualified member name at the last dot.
func SplitMember(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// PropertiesChanged is the decoded payload of org.freedesktop.DBus.Properties.PropertiesChanged.
// D-Bus signature: (sa{sv}as)
type PropertiesChanged struct {
	Sender      string                  `json:"sender"`
	Path        dbus.ObjectPath         `json:"path"`
	Interface   string                  `json:"interface"`
	Changed     map[string]dbus.Variant `json:"changed"`
	Invalidated []string                `json:"invalidated"`
}

// NameOwnerChange is the decoded payload of org.freedesktop.DBus.NameOwnerChanged.
type NameOwnerChange struct {
	Name     string `json:"name"`
	OldOwner string `json:"old_owner"`
	NewOwner string `json:"new_owner"`
}
