package vr

import (
	"context"
	"fmt"
	"sync"

	"github.com/nikicat/propbus/internal/bus"
	"github.com/nikicat/propbus/internal/codec"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Event is one of the notifications a Client can subscribe to.
type Event int

const (
	// EventAvailabilityChanged fires when IsAvailable changes or is invalidated.
	EventAvailabilityChanged Event = iota
	// EventOwnerChanged fires when the service name gains, loses or changes owner.
	EventOwnerChanged
)

func (e Event) String() string {
	switch e {
	case EventAvailabilityChanged:
		return "availability_changed"
	case EventOwnerChanged:
		return "owner_changed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent maps an event name back to an Event.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "availability_changed":
		return EventAvailabilityChanged, nil
	case "owner_changed":
		return EventOwnerChanged, nil
	}
	return 0, fmt.Errorf("unknown event %q", s)
}

// Notification is delivered to subscribers of a Client event.
type Notification struct {
	Event Event
	// Available is set for EventAvailabilityChanged unless the value was invalidated.
	Available   *bool
	Invalidated bool
	// Owner is the new unique name for EventOwnerChanged, empty when the name vanished.
	Owner string
}

// Properties is the typed property set of the availability interface.
type Properties struct {
	IsAvailable bool `codec:"IsAvailable"`
}

// Client talks to an availability service through an ObjectProxy.
type Client struct {
	conn  *bus.Connection
	proxy *bus.ObjectProxy

	mu     sync.Mutex
	owners []*bus.SubscriptionHandle
}

// NewClient binds a client to addr. The zero Address selects the org.gnome.VR defaults.
func NewClient(conn *bus.Connection, addr dbustypes.Address, opts ...bus.ProxyOption) (*Client, error) {
	if addr == (dbustypes.Address{}) {
		addr = dbustypes.NewAddress(dbustypes.VRBusName, dbustypes.VRPath, dbustypes.VRInterface)
	}
	proxy, err := bus.NewObjectProxy(conn, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, proxy: proxy}, nil
}

// Proxy returns the underlying proxy.
func (c *Client) Proxy() *bus.ObjectProxy {
	return c.proxy
}

// IsAvailable reads the property.
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	v, err := c.proxy.GetProperty(ctx, dbustypes.PropIsAvailable)
	if err != nil {
		return false, err
	}
	return codec.Bool(v)
}

// Properties reads every property of the interface.
func (c *Client) Properties(ctx context.Context) (Properties, error) {
	var props Properties
	err := c.proxy.GetAllInto(ctx, &props, dbustypes.PropIsAvailable)
	return props, err
}

// SetAvailable writes the property.
func (c *Client) SetAvailable(ctx context.Context, v bool) error {
	return c.proxy.SetProperty(ctx, dbustypes.PropIsAvailable, v)
}

// Toggle flips the property and returns the value read back afterwards.
func (c *Client) Toggle(ctx context.Context) (bool, error) {
	was, err := c.IsAvailable(ctx)
	if err != nil {
		return false, err
	}
	if err := c.SetAvailable(ctx, !was); err != nil {
		return was, err
	}
	return c.IsAvailable(ctx)
}

// Owner asks the bus for the current owner of the service name. "" means no owner.
func (c *Client) Owner(ctx context.Context) (string, error) {
	return c.conn.GetNameOwner(ctx, c.proxy.Address().Name)
}

// Subscribe registers fn for ev. Callbacks run on the connection's event loop.
func (c *Client) Subscribe(ev Event, fn func(Notification)) (*bus.SubscriptionHandle, error) {
	switch ev {
	case EventAvailabilityChanged:
		return c.proxy.OnPropertiesChanged(func(change dbustypes.PropertiesChanged) {
			n := Notification{Event: ev}
			if v, ok := change.Changed[dbustypes.PropIsAvailable]; ok {
				b, err := codec.Bool(v)
				if err != nil {
					return
				}
				n.Available = &b
			} else {
				for _, name := range change.Invalidated {
					if name == dbustypes.PropIsAvailable {
						n.Invalidated = true
					}
				}
				if !n.Invalidated {
					return
				}
			}
			fn(n)
		})

	case EventOwnerChanged:
		h, err := c.conn.OnNameOwnerChanged(c.proxy.Address().Name, func(change dbustypes.NameOwnerChange) {
			fn(Notification{Event: ev, Owner: change.NewOwner})
		})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.owners = append(c.owners, h)
		c.mu.Unlock()
		return h, nil
	}
	return nil, fmt.Errorf("subscribe: %v is not a known event", ev)
}

// Close drops the client's subscriptions.
func (c *Client) Close() {
	c.proxy.Close()
	c.mu.Lock()
	owners := c.owners
	c.owners = nil
	c.mu.Unlock()
	for _, h := range owners {
		h.Unsubscribe()
	}
}
