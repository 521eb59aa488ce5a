package bus

import (
	"encoding/xml"
	"fmt"

	"github.com/godbus/dbus/v5/introspect"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Interface is the introspected description of one interface of a remote object.
type Interface struct {
	Name       string                `json:"name"`
	Methods    []introspect.Method   `json:"methods"`
	Signals    []introspect.Signal   `json:"signals"`
	Properties []introspect.Property `json:"properties"`
	// Children are the names of the object's child nodes.
	Children []string `json:"children,omitempty"`
}

// Method returns the method called name.
func (i *Interface) Method(name string) (introspect.Method, bool) {
	for _, m := range i.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return introspect.Method{}, false
}

// Property returns the property called name.
func (i *Interface) Property(name string) (introspect.Property, bool) {
	for _, p := range i.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return introspect.Property{}, false
}

// Signal returns the signal called name.
func (i *Interface) Signal(name string) (introspect.Signal, bool) {
	for _, s := range i.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return introspect.Signal{}, false
}

// Writable reports whether the property accepts Set.
func Writable(p introspect.Property) bool {
	return p.Access == "readwrite" || p.Access == "write"
}

// ParseNode decodes introspection XML.
func ParseNode(data string) (*introspect.Node, error) {
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, &dbustypes.DecodeError{What: "introspection data", Err: err}
	}
	return &node, nil
}

// ParseInterface decodes introspection XML and extracts the named interface.
// A node that does not declare the interface yields ErrNoSuchMember.
func ParseInterface(data, name string) (*Interface, error) {
	node, err := ParseNode(data)
	if err != nil {
		return nil, err
	}
	for _, iface := range node.Interfaces {
		if iface.Name != name {
			continue
		}
		desc := &Interface{
			Name:       iface.Name,
			Methods:    iface.Methods,
			Signals:    iface.Signals,
			Properties: iface.Properties,
		}
		for _, child := range node.Children {
			desc.Children = append(desc.Children, child.Name)
		}
		return desc, nil
	}
	return nil, fmt.Errorf("%w: interface %s not implemented", dbustypes.ErrNoSuchMember, name)
}
