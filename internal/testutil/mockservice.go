// Package testutil provides test utilities including a private bus daemon and a mock demo service.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Demo service coordinates.
const (
	DemoName      = "org.example.Demo"
	DemoPath      = dbus.ObjectPath("/org/example/Demo")
	DemoInterface = "org.example.Demo"

	// DemoSignal is emitted by Emit and EmitBurst with a single string argument.
	DemoSignal = "Ping"
)

// DemoAddress returns the address of the mock demo object.
func DemoAddress() dbustypes.Address {
	return dbustypes.Address{Name: DemoName, Path: DemoPath, Interface: DemoInterface}
}

// MockDemo exports org.example.Demo with an Enabled and a Label property
// and a few methods for exercising calls.
type MockDemo struct {
	conn  *dbus.Conn
	props *prop.Properties

	mu      sync.Mutex
	release chan struct{}
	calls   map[string]int
}

// NewMockDemo creates a mock; Register exports it.
func NewMockDemo() *MockDemo {
	return &MockDemo{
		release: make(chan struct{}),
		calls:   make(map[string]int),
	}
}

// Register exports the object on conn and takes the demo name.
func (m *MockDemo) Register(conn *dbus.Conn) error {
	m.conn = conn

	props, err := prop.Export(conn, DemoPath, prop.Map{
		DemoInterface: {
			"Enabled": {Value: false, Writable: true, Emit: prop.EmitTrue},
			"Label":   {Value: "demo", Writable: true, Emit: prop.EmitInvalidates},
			"Version": {Value: uint32(1), Writable: false, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	m.props = props

	methods := demoMethods{m}
	if err := conn.Export(methods, DemoPath, DemoInterface); err != nil {
		return fmt.Errorf("export %s: %w", DemoInterface, err)
	}

	node := &introspect.Node{
		Name: string(DemoPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       DemoInterface,
				Methods:    introspect.Methods(methods),
				Properties: props.Introspection(DemoInterface),
				Signals: []introspect.Signal{
					{Name: DemoSignal, Args: []introspect.Arg{{Name: "payload", Type: "s"}}},
				},
			},
		},
		Children: []introspect.Node{{Name: "child"}},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), DemoPath, dbustypes.IntrospectableInterface); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}

	reply, err := conn.RequestName(DemoName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}
	return nil
}

// Release unblocks every Hang call in progress.
func (m *MockDemo) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.release:
	default:
		close(m.release)
	}
}

// Calls returns how many times a method was invoked.
func (m *MockDemo) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockDemo) count(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

// SetEnabled changes Enabled locally, emitting PropertiesChanged.
func (m *MockDemo) SetEnabled(v bool) {
	m.props.SetMust(DemoInterface, "Enabled", v)
}

// SetLabel changes Label locally, emitting an invalidation.
func (m *MockDemo) SetLabel(v string) {
	m.props.SetMust(DemoInterface, "Label", v)
}

// Enabled returns the local value of Enabled.
func (m *MockDemo) Enabled() bool {
	return m.props.GetMust(DemoInterface, "Enabled").(bool)
}

// Emit sends one Ping signal.
func (m *MockDemo) Emit(payload string) error {
	return m.conn.Emit(DemoPath, DemoInterface+"."+DemoSignal, payload)
}

// EmitBurst sends n Ping signals carrying "0".."n-1" back to back.
func (m *MockDemo) EmitBurst(n int) error {
	for i := range n {
		if err := m.Emit(fmt.Sprint(i)); err != nil {
			return err
		}
	}
	return nil
}

// EmitRaw sends an arbitrary PropertiesChanged body, for malformed payload tests.
func (m *MockDemo) EmitRaw(body ...any) error {
	return m.conn.Emit(DemoPath, dbustypes.PropertiesInterface+"."+dbustypes.MemberPropertiesChanged, body...)
}

// demoMethods holds the methods visible on the demo interface.
type demoMethods struct {
	m *MockDemo
}

// Echo returns its argument.
func (d demoMethods) Echo(s string) (string, *dbus.Error) {
	d.m.count("Echo")
	return s, nil
}

// Add returns the sum of its arguments.
func (d demoMethods) Add(a, b int32) (int32, *dbus.Error) {
	d.m.count("Add")
	return a + b, nil
}

// Hang blocks for up to ms milliseconds or until Release.
func (d demoMethods) Hang(ms uint32) *dbus.Error {
	d.m.count("Hang")
	d.m.mu.Lock()
	release := d.m.release
	d.m.mu.Unlock()
	select {
	case <-release:
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return nil
}

// Fail replies with the given error name and message.
func (d demoMethods) Fail(name, message string) *dbus.Error {
	d.m.count("Fail")
	return dbustypes.NewDBusError(name, message)
}

// Emit emits Ping from inside a method call.
func (d demoMethods) Emit(payload string) *dbus.Error {
	d.m.count("Emit")
	if err := d.m.Emit(payload); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}
