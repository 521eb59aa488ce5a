package dbus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Call failure kinds. A *CallError always wraps one of these, a *RemoteError,
// or a context error for explicit cancellation.
var (
	ErrTimeout        = errors.New("call timed out")
	ErrConnectionLost = errors.New("connection lost")
	ErrNoSuchMember   = errors.New("no such member")
)

// Standard org.freedesktop.DBus.Error names.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrNameTimeout          = "org.freedesktop.DBus.Error.Timeout"
	ErrNameTimedOut         = "org.freedesktop.DBus.Error.TimedOut"
	ErrNameDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"

	// Names godbus/prop replies with.
	ErrNamePropertyNotFound  = "org.freedesktop.DBus.Properties.Error.PropertyNotFound"
	ErrNameInterfaceNotFound = "org.freedesktop.DBus.Properties.Error.InterfaceNotFound"
	ErrNamePropInvalidArg    = "org.freedesktop.DBus.Properties.Error.InvalidArg"
	ErrNamePropReadOnly      = "org.freedesktop.DBus.Properties.Error.ReadOnly"
)

// ConnectionError reports that a bus could not be reached or authentication failed.
type ConnectionError struct {
	Bus string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s bus: %v", e.Bus, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is a failure reported by the remote object.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// CallError is returned by every failed call, property get or property set.
type CallError struct {
	Address Address
	Member  string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s.%s on %s%s: %v", e.Address.Interface, e.Member, e.Address.Name, e.Address.Path, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// DecodeError reports a wire payload that does not match the expected shape.
type DecodeError struct {
	What string
	Want string
	Got  string
	Err  error
}

func (e *DecodeError) Error() string {
	msg := "decode " + e.What
	if e.Want != "" {
		msg += ": want " + e.Want
		if e.Got != "" {
			msg += ", got " + e.Got
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClassifyRemote maps an error returned by godbus onto the call failure kinds.
// Unknown error names become a *RemoteError carrying the name and first string body field.
func ClassifyRemote(err error) error {
	var dbusErr dbus.Error
	var ptr *dbus.Error
	switch {
	case errors.As(err, &ptr):
		dbusErr = *ptr
	case errors.As(err, &dbusErr):
	default:
		if errors.Is(err, dbus.ErrClosed) {
			return ErrConnectionLost
		}
		return err
	}

	switch dbusErr.Name {
	case ErrNameNoReply, ErrNameTimeout, ErrNameTimedOut:
		return ErrTimeout
	case ErrNameDisconnected:
		return ErrConnectionLost
	case ErrNameUnknownMethod, ErrNameUnknownProperty, ErrNameUnknownInterface, ErrNameUnknownObject,
		ErrNamePropertyNotFound, ErrNameInterfaceNotFound:
		return fmt.Errorf("%w: %s", ErrNoSuchMember, remoteMessage(dbusErr))
	}
	return &RemoteError{Name: dbusErr.Name, Message: remoteMessage(dbusErr)}
}

func remoteMessage(e dbus.Error) string {
	if len(e.Body) == 0 {
		return ""
	}
	if s, ok := e.Body[0].(string); ok {
		return s
	}
	return fmt.Sprint(e.Body[0])
}

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []any{message},
	}
}
