package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/nikicat/propbus/internal/bus"
	"github.com/nikicat/propbus/internal/codec"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

func (f *Formatter) encode(v any) error {
	return json.NewEncoder(f.w).Encode(v)
}

// FormatValue outputs a single property value.
func (f *Formatter) FormatValue(name string, v dbus.Variant) error {
	if f.asJSON {
		return f.encode(map[string]any{name: codec.Plain(v)})
	}
	fmt.Fprintf(f.w, "%s = %s\n", name, formatVariant(v))
	return nil
}

// FormatProperties outputs a property map sorted by name.
func (f *Formatter) FormatProperties(props map[string]dbus.Variant) error {
	if f.asJSON {
		return f.encode(codec.PlainMap(props))
	}
	if len(props) == 0 {
		fmt.Fprintln(f.w, "No properties")
		return nil
	}
	for _, name := range sortedKeys(props) {
		fmt.Fprintf(f.w, "%-20s  %-4s  %s\n", name, props[name].Signature().String(), formatVariant(props[name]))
	}
	return nil
}

// FormatReply outputs the body of a method reply, one value per line.
func (f *Formatter) FormatReply(body []any) error {
	if f.asJSON {
		out := make([]any, len(body))
		for i, v := range body {
			out[i] = codec.Plain(dbus.MakeVariant(v))
		}
		return f.encode(out)
	}
	for _, v := range body {
		fmt.Fprintln(f.w, formatVariant(dbus.MakeVariant(v)))
	}
	return nil
}

// FormatInterface outputs an introspected interface.
func (f *Formatter) FormatInterface(iface *bus.Interface) error {
	if f.asJSON {
		return f.encode(iface)
	}

	fmt.Fprintf(f.w, "interface %s\n", iface.Name)
	if len(iface.Methods) > 0 {
		fmt.Fprintln(f.w, "  methods:")
		for _, m := range iface.Methods {
			fmt.Fprintf(f.w, "    %s(%s)%s\n", m.Name, formatArgs(m.Args, "in"), formatReturns(m.Args))
		}
	}
	if len(iface.Properties) > 0 {
		fmt.Fprintln(f.w, "  properties:")
		for _, p := range iface.Properties {
			fmt.Fprintf(f.w, "    %-20s  %-4s  %s\n", p.Name, p.Type, p.Access)
		}
	}
	if len(iface.Signals) > 0 {
		fmt.Fprintln(f.w, "  signals:")
		for _, s := range iface.Signals {
			fmt.Fprintf(f.w, "    %s(%s)\n", s.Name, formatArgs(s.Args, ""))
		}
	}
	if len(iface.Children) > 0 {
		fmt.Fprintf(f.w, "  children: %s\n", strings.Join(iface.Children, ", "))
	}
	return nil
}

// formatArgs renders the arguments with the given direction; signal arguments
// have none and match "".
func formatArgs(args []introspect.Arg, direction string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if direction != "" && a.Direction != "" && a.Direction != direction {
			continue
		}
		if a.Name != "" {
			parts = append(parts, a.Name+" "+a.Type)
		} else {
			parts = append(parts, a.Type)
		}
	}
	return strings.Join(parts, ", ")
}

func formatReturns(args []introspect.Arg) string {
	var out []string
	for _, a := range args {
		if a.Direction == "out" {
			out = append(out, a.Type)
		}
	}
	if len(out) == 0 {
		return ""
	}
	return " -> " + strings.Join(out, ", ")
}

// event is the JSON shape of one streamed notification.
type event struct {
	Type        string         `json:"type"`
	Sender      string         `json:"sender,omitempty"`
	Path        string         `json:"path,omitempty"`
	Interface   string         `json:"interface,omitempty"`
	Member      string         `json:"member,omitempty"`
	Changed     map[string]any `json:"changed,omitempty"`
	Invalidated []string       `json:"invalidated,omitempty"`
	Args        []any          `json:"args,omitempty"`
	Name        string         `json:"name,omitempty"`
	Owner       *string        `json:"owner,omitempty"`
	State       string         `json:"state,omitempty"`
}

// FormatPropertiesChanged outputs one PropertiesChanged notification.
func (f *Formatter) FormatPropertiesChanged(change dbustypes.PropertiesChanged) error {
	if f.asJSON {
		return f.encode(event{
			Type:        "properties_changed",
			Sender:      change.Sender,
			Path:        string(change.Path),
			Interface:   change.Interface,
			Changed:     codec.PlainMap(change.Changed),
			Invalidated: change.Invalidated,
		})
	}
	for _, name := range sortedKeys(change.Changed) {
		fmt.Fprintf(f.w, "changed      %s = %s\n", name, formatVariant(change.Changed[name]))
	}
	for _, name := range change.Invalidated {
		fmt.Fprintf(f.w, "invalidated  %s\n", name)
	}
	return nil
}

// FormatSignal outputs an arbitrary signal.
func (f *Formatter) FormatSignal(sig *dbustypes.Signal) error {
	if f.asJSON {
		args := make([]any, len(sig.Body))
		for i, v := range sig.Body {
			args[i] = codec.Plain(dbus.MakeVariant(v))
		}
		return f.encode(event{
			Type:      "signal",
			Sender:    sig.Sender,
			Path:      string(sig.Path),
			Interface: sig.Interface,
			Member:    sig.Member,
			Args:      args,
		})
	}
	args := make([]string, len(sig.Body))
	for i, v := range sig.Body {
		args[i] = formatVariant(dbus.MakeVariant(v))
	}
	fmt.Fprintf(f.w, "signal       %s.%s(%s) from %s\n", sig.Interface, sig.Member, strings.Join(args, ", "), sig.Sender)
	return nil
}

// FormatOwnerChange outputs a NameOwnerChanged notification.
func (f *Formatter) FormatOwnerChange(change dbustypes.NameOwnerChange) error {
	if f.asJSON {
		owner := change.NewOwner
		return f.encode(event{Type: "owner_changed", Name: change.Name, Owner: &owner})
	}
	if change.NewOwner == "" {
		fmt.Fprintf(f.w, "owner        %s vanished\n", change.Name)
		return nil
	}
	fmt.Fprintf(f.w, "owner        %s -> %s\n", change.Name, change.NewOwner)
	return nil
}

// FormatState outputs a connection state change.
func (f *Formatter) FormatState(state bus.State) error {
	if f.asJSON {
		return f.encode(event{Type: "state", State: state.String()})
	}
	fmt.Fprintf(f.w, "state        %s\n", state)
	return nil
}

// FormatStatus outputs gateway status.
func (f *Formatter) FormatStatus(s *Status) error {
	if f.asJSON {
		return f.encode(s)
	}
	owner := s.Owner
	if owner == "" {
		owner = "-"
	}
	fmt.Fprintf(f.w, "Bus:          %s (%s)\n", s.Bus, s.UniqueName)
	fmt.Fprintf(f.w, "Target:       %s %s %s\n", s.Target.Name, s.Target.Path, s.Target.Interface)
	fmt.Fprintf(f.w, "Owner:        %s\n", owner)
	fmt.Fprintf(f.w, "Pending:      %d\n", s.PendingCalls)
	fmt.Fprintf(f.w, "Subscribers:  %d\n", s.Subscribers)
	if s.Version != "" {
		fmt.Fprintf(f.w, "Version:      %s\n", s.Version)
	}
	return nil
}

// FormatMessage outputs one gateway stream message.
func (f *Formatter) FormatMessage(m *Message) error {
	if f.asJSON {
		return f.encode(m)
	}
	switch m.Type {
	case "snapshot":
		if m.Error != "" {
			fmt.Fprintf(f.w, "snapshot     error: %s\n", m.Error)
		}
		for _, name := range sortedKeys(m.Properties) {
			fmt.Fprintf(f.w, "snapshot     %s = %s\n", name, formatPlain(m.Properties[name]))
		}
	case "properties_changed":
		for _, name := range sortedKeys(m.Changed) {
			fmt.Fprintf(f.w, "changed      %s = %s\n", name, formatPlain(m.Changed[name]))
		}
		for _, name := range m.Invalidated {
			fmt.Fprintf(f.w, "invalidated  %s\n", name)
		}
	case "owner_changed":
		if m.Owner == nil || *m.Owner == "" {
			fmt.Fprintln(f.w, "owner        vanished")
		} else {
			fmt.Fprintf(f.w, "owner        %s\n", *m.Owner)
		}
	default:
		fmt.Fprintln(f.w, m.Type)
	}
	return nil
}

// formatVariant renders a variant for humans: strings bare, composites as JSON.
func formatVariant(v dbus.Variant) string {
	return formatPlain(codec.Plain(v))
}

func formatPlain(x any) string {
	switch t := x.(type) {
	case string:
		return t
	case bool, int, int16, int32, int64, uint8, uint16, uint32, uint64, float64:
		return fmt.Sprint(t)
	}
	data, err := json.Marshal(x)
	if err != nil {
		return fmt.Sprint(x)
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
