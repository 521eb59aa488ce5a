// Package vr implements the VR availability object: a service exporting a
// readwrite IsAvailable property and a typed client for it.
package vr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// ErrNameLost is returned by Serve when another connection takes the bus name.
var ErrNameLost = errors.New("bus name lost")

// ErrNotExported is returned by SetAvailable before Export.
var ErrNotExported = errors.New("service not exported")

// Service exports the availability object. PropertiesChanged is emitted
// only when IsAvailable actually changes.
type Service struct {
	conn    *dbus.Conn
	name    string
	path    dbus.ObjectPath
	iface   string
	logger  *slog.Logger
	initial bool

	// writeMu serializes local writers and Export.
	writeMu sync.Mutex
	props   atomic.Pointer[prop.Properties]
	// current is only touched from onSet, which prop calls under its lock.
	current bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithName sets the well-known name requested by Serve.
func WithName(name string) ServiceOption {
	return func(s *Service) { s.name = name }
}

// WithPath sets the object path.
func WithPath(path dbus.ObjectPath) ServiceOption {
	return func(s *Service) { s.path = path }
}

// WithInterface sets the interface name.
func WithInterface(iface string) ServiceOption {
	return func(s *Service) { s.iface = iface }
}

// WithInitial sets the initial availability.
func WithInitial(available bool) ServiceOption {
	return func(s *Service) { s.initial = available }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service on conn with the org.gnome.VR defaults.
func NewService(conn *dbus.Conn, opts ...ServiceOption) *Service {
	s := &Service{
		conn:   conn,
		name:   dbustypes.VRBusName,
		path:   dbustypes.VRPath,
		iface:  dbustypes.VRInterface,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the address clients use to reach the service.
func (s *Service) Address() dbustypes.Address {
	return dbustypes.Address{Name: s.name, Path: s.path, Interface: s.iface}
}

func (s *Service) introspection() *introspect.Node {
	return &introspect.Node{
		Name: string(s.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: s.iface,
				Properties: []introspect.Property{
					{Name: dbustypes.PropIsAvailable, Type: "b", Access: "readwrite"},
				},
			},
		},
	}
}

// Export registers the object on the connection without requesting a name.
func (s *Service) Export() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.current = s.initial
	props, err := prop.Export(s.conn, s.path, prop.Map{
		s.iface: {
			dbustypes.PropIsAvailable: {
				Value:    s.initial,
				Writable: true,
				// onSet emits, and only for real changes.
				Emit:     prop.EmitFalse,
				Callback: s.onSet,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	s.props.Store(props)
	if err := s.conn.Export(introspect.NewIntrospectable(s.introspection()), s.path, dbustypes.IntrospectableInterface); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}
	return nil
}

// Serve exports the object, acquires the name and blocks until ctx is done
// or the name is lost.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Export(); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 8)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	reply, err := s.conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("request name %s: not primary owner (reply=%d)", s.name, reply)
	}
	s.logger.Info("name acquired", "name", s.name, "path", string(s.path))

	for {
		select {
		case <-ctx.Done():
			if _, err := s.conn.ReleaseName(s.name); err != nil {
				s.logger.Debug("release name failed", "name", s.name, "error", err)
			}
			return nil
		case sig, ok := <-signals:
			if !ok {
				return dbustypes.ErrConnectionLost
			}
			if sig.Name != dbustypes.BusDaemonInterface+".NameLost" || len(sig.Body) == 0 {
				continue
			}
			if name, _ := sig.Body[0].(string); name == s.name {
				s.logger.Warn("name lost", "name", s.name)
				return fmt.Errorf("%w: %s", ErrNameLost, s.name)
			}
		}
	}
}

// Available returns the current value.
func (s *Service) Available() bool {
	props := s.props.Load()
	if props == nil {
		return s.initial
	}
	return props.GetMust(s.iface, dbustypes.PropIsAvailable).(bool)
}

// SetAvailable updates the value the same way a remote Set does. It reports
// whether v differed from the value before the write.
func (s *Service) SetAvailable(v bool) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	props := s.props.Load()
	if props == nil {
		return false, ErrNotExported
	}
	changed := s.Available() != v
	if err := props.Set(s.iface, dbustypes.PropIsAvailable, dbus.MakeVariant(v)); err != nil {
		return false, fmt.Errorf("set %s: %w", dbustypes.PropIsAvailable, err)
	}
	return changed, nil
}

// onSet runs under the prop lock before the new value is stored, so signals
// leave in the order values were set. prop has already checked the type.
func (s *Service) onSet(c *prop.Change) *dbus.Error {
	v, ok := c.Value.(bool)
	if !ok {
		return prop.ErrInvalidArg
	}
	if v == s.current {
		return nil
	}

	err := s.conn.Emit(s.path, dbustypes.PropertiesInterface+"."+dbustypes.MemberPropertiesChanged,
		s.iface,
		map[string]dbus.Variant{dbustypes.PropIsAvailable: dbus.MakeVariant(v)},
		[]string{},
	)
	if err != nil {
		s.logger.Warn("emit PropertiesChanged failed", "error", err)
		return dbus.MakeFailedError(fmt.Errorf("emit PropertiesChanged: %w", err))
	}
	s.current = v
	s.logger.Info("availability changed", dbustypes.PropIsAvailable, v)
	return nil
}
