package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/propbus/internal/codec"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// ErrProxyClosed is returned by operations on a closed ObjectProxy.
var ErrProxyClosed = errors.New("object proxy closed")

// ProxyOption configures an ObjectProxy.
type ProxyOption func(*ObjectProxy)

// WithPropertyCache makes GetProperty serve fresh values from a cache kept
// current by PropertiesChanged. The cache is only consulted while an event
// loop drains the connection and no frames are waiting to be dispatched.
func WithPropertyCache() ProxyOption {
	return func(p *ObjectProxy) { p.cache = NewPropertyCache() }
}

// WithCodec replaces the default variant codec.
func WithCodec(c codec.Codec) ProxyOption {
	return func(p *ObjectProxy) { p.codec = c }
}

// WithTimeout sets the timeout of every call issued through the proxy.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *ObjectProxy) { p.timeout = d }
}

// WithNoAutoStart stops the bus from activating the destination on calls.
func WithNoAutoStart() ProxyOption {
	return func(p *ObjectProxy) { p.noAutoStart = true }
}

// WithMemberCheck verifies member and property names against the object's
// introspection data before sending, failing with ErrNoSuchMember locally.
func WithMemberCheck() ProxyOption {
	return func(p *ObjectProxy) { p.memberCheck = true }
}

// ObjectProxy is a handle on one remote object and interface.
type ObjectProxy struct {
	conn        *Connection
	addr        dbustypes.Address
	codec       codec.Codec
	timeout     time.Duration
	noAutoStart bool
	cache       *PropertyCache
	memberCheck bool

	mu     sync.Mutex
	subs   []*SubscriptionHandle
	closed bool
	desc   *Interface
}

// NewObjectProxy binds addr on conn. The address is validated and fixed for
// the proxy's lifetime.
func NewObjectProxy(conn *Connection, addr dbustypes.Address, opts ...ProxyOption) (*ObjectProxy, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	p := &ObjectProxy{
		conn:  conn,
		addr:  addr,
		codec: codec.Variant{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cache != nil {
		// Registered first so user callbacks observe the updated cache.
		h, err := p.subscribePropertiesChanged(p.cache.Apply, WithStateHandler(func(State) {
			p.cache.InvalidateAll()
		}))
		if err != nil {
			return nil, fmt.Errorf("property cache: %w", err)
		}
		p.subs = append(p.subs, h)
	}
	return p, nil
}

// Address returns the bound address.
func (p *ObjectProxy) Address() dbustypes.Address {
	return p.addr
}

// Cache returns the property cache, nil when caching is off.
func (p *ObjectProxy) Cache() *PropertyCache {
	return p.cache
}

func (p *ObjectProxy) callOptions() CallOptions {
	return CallOptions{Timeout: p.timeout, NoAutoStart: p.noAutoStart}
}

func (p *ObjectProxy) propsAddr() dbustypes.Address {
	return p.addr.WithInterface(dbustypes.PropertiesInterface)
}

func (p *ObjectProxy) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProxyClosed
	}
	return nil
}

// Call invokes member with the proxy's default call options.
func (p *ObjectProxy) Call(ctx context.Context, member string, args ...any) (*Reply, error) {
	return p.CallWithOptions(ctx, member, p.callOptions(), args...)
}

// CallWithOptions invokes member with explicit call options.
func (p *ObjectProxy) CallWithOptions(ctx context.Context, member string, opts CallOptions, args ...any) (*Reply, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.memberCheck {
		if err := p.checkMember(ctx, member, false); err != nil {
			return nil, &dbustypes.CallError{Address: p.addr, Member: member, Err: err}
		}
	}
	return p.conn.Call(ctx, p.addr, member, opts, args...)
}

// GetProperty fetches a property value.
func (p *ObjectProxy) GetProperty(ctx context.Context, name string) (dbus.Variant, error) {
	if err := p.checkOpen(); err != nil {
		return dbus.Variant{}, err
	}
	if p.cacheTrusted() {
		if v, ok := p.cache.Get(name); ok {
			return v, nil
		}
	}
	if p.memberCheck {
		if err := p.checkMember(ctx, name, true); err != nil {
			return dbus.Variant{}, &dbustypes.CallError{Address: p.propsAddr(), Member: dbustypes.MemberGet, Err: err}
		}
	}

	since := p.cacheSeq()
	reply, err := p.conn.Call(ctx, p.propsAddr(), dbustypes.MemberGet, p.callOptions(), p.addr.Interface, name)
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	if err := reply.Store(&v); err != nil {
		return dbus.Variant{}, &dbustypes.CallError{Address: p.propsAddr(), Member: dbustypes.MemberGet, Err: err}
	}
	if p.cacheTrusted() {
		p.cache.StoreIf(name, v, since)
	}
	return v, nil
}

// GetPropertyInto fetches a property and decodes it into dst.
func (p *ObjectProxy) GetPropertyInto(ctx context.Context, name string, dst any) error {
	v, err := p.GetProperty(ctx, name)
	if err != nil {
		return err
	}
	return p.codec.Decode(v, dst)
}

// GetAll fetches every property of the interface.
func (p *ObjectProxy) GetAll(ctx context.Context) (map[string]dbus.Variant, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	since := p.cacheSeq()
	reply, err := p.conn.Call(ctx, p.propsAddr(), dbustypes.MemberGetAll, p.callOptions(), p.addr.Interface)
	if err != nil {
		return nil, err
	}
	var props map[string]dbus.Variant
	if err := reply.Store(&props); err != nil {
		return nil, &dbustypes.CallError{Address: p.propsAddr(), Member: dbustypes.MemberGetAll, Err: err}
	}
	if p.cacheTrusted() {
		for name, v := range props {
			p.cache.StoreIf(name, v, since)
		}
	}
	return props, nil
}

// GetAllInto fetches every property and decodes them into a struct tagged with `codec:"Name"`.
func (p *ObjectProxy) GetAllInto(ctx context.Context, dst any, required ...string) error {
	props, err := p.GetAll(ctx)
	if err != nil {
		return err
	}
	return codec.DecodeVariantMap(props, dst, required...)
}

// SetProperty wraps value with the codec and sets it.
func (p *ObjectProxy) SetProperty(ctx context.Context, name string, value any) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	v, err := p.codec.Encode(value)
	if err != nil {
		return &dbustypes.CallError{Address: p.propsAddr(), Member: dbustypes.MemberSet, Err: err}
	}
	if p.memberCheck {
		if err := p.checkMember(ctx, name, true); err != nil {
			return &dbustypes.CallError{Address: p.propsAddr(), Member: dbustypes.MemberSet, Err: err}
		}
	}

	if p.cache != nil {
		p.cache.Invalidate(name)
	}
	_, err = p.conn.Call(ctx, p.propsAddr(), dbustypes.MemberSet, p.callOptions(), p.addr.Interface, name, v)
	if p.cache != nil {
		// The authoritative value arrives with PropertiesChanged or the next Get.
		p.cache.Invalidate(name)
	}
	return err
}

// cacheTrusted reports whether cached values reflect every frame received so far.
// Signals read before a reply are queued by the time the call returns, so a
// fetched value may only be stored once those have been applied.
func (p *ObjectProxy) cacheTrusted() bool {
	return p.cache != nil && p.conn.caughtUp()
}

func (p *ObjectProxy) cacheSeq() uint64 {
	if p.cache == nil {
		return 0
	}
	return p.cache.Seq()
}

// OnSignal subscribes to a signal of the proxy's interface. An empty name matches every signal.
func (p *ObjectProxy) OnSignal(name string, handler Handler, opts ...SubscribeOption) (*SubscriptionHandle, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	h, err := p.conn.SubscribeSignal(p.addr, name, handler, opts...)
	if err != nil {
		return nil, err
	}
	return p.own(h)
}

// OnPropertiesChanged subscribes to property changes of the proxy's interface.
// Frames whose payload does not decode are logged and dropped.
func (p *ObjectProxy) OnPropertiesChanged(handler func(dbustypes.PropertiesChanged), opts ...SubscribeOption) (*SubscriptionHandle, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	h, err := p.subscribePropertiesChanged(handler, opts...)
	if err != nil {
		return nil, err
	}
	return p.own(h)
}

func (p *ObjectProxy) subscribePropertiesChanged(handler func(dbustypes.PropertiesChanged), opts ...SubscribeOption) (*SubscriptionHandle, error) {
	opts = append([]SubscribeOption{WithArg0(p.addr.Interface)}, opts...)
	return p.conn.SubscribeSignal(p.propsAddr(), dbustypes.MemberPropertiesChanged, func(sig *dbustypes.Signal) {
		change, err := DecodePropertiesChanged(sig)
		if err != nil {
			p.conn.logger.Debug("dropping malformed PropertiesChanged", "path", string(sig.Path), "error", err)
			return
		}
		if change.Interface != p.addr.Interface {
			return
		}
		handler(change)
	}, opts...)
}

// own records h so Close can drop it. A proxy closed concurrently drops h at once.
func (p *ObjectProxy) own(h *SubscriptionHandle) (*SubscriptionHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Unsubscribe()
		return nil, ErrProxyClosed
	}
	p.subs = append(p.subs, h)
	p.mu.Unlock()
	return h, nil
}

// Introspect describes the proxy's interface.
func (p *ObjectProxy) Introspect(ctx context.Context) (*Interface, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	reply, err := p.conn.Call(ctx, p.addr.WithInterface(dbustypes.IntrospectableInterface), dbustypes.MemberIntrospect, p.callOptions())
	if err != nil {
		return nil, err
	}
	var data string
	if err := reply.Store(&data); err != nil {
		return nil, err
	}
	return ParseInterface(data, p.addr.Interface)
}

func (p *ObjectProxy) checkMember(ctx context.Context, name string, property bool) error {
	p.mu.Lock()
	desc := p.desc
	p.mu.Unlock()

	if desc == nil {
		d, err := p.Introspect(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.desc = d
		p.mu.Unlock()
		desc = d
	}

	if property {
		if _, ok := desc.Property(name); !ok {
			return fmt.Errorf("%w: property %s on %s", dbustypes.ErrNoSuchMember, name, p.addr.Interface)
		}
		return nil
	}
	if _, ok := desc.Method(name); !ok {
		return fmt.Errorf("%w: method %s on %s", dbustypes.ErrNoSuchMember, name, p.addr.Interface)
	}
	return nil
}

// Close drops every subscription made through the proxy. It is idempotent.
func (p *ObjectProxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, h := range subs {
		h.Unsubscribe()
	}
}

// DecodePropertiesChanged decodes PropertiesChanged(s interface, a{sv} changed, as invalidated).
func DecodePropertiesChanged(sig *dbustypes.Signal) (dbustypes.PropertiesChanged, error) {
	change := dbustypes.PropertiesChanged{
		Sender: sig.Sender,
		Path:   sig.Path,
	}
	if len(sig.Body) != 3 {
		return change, &dbustypes.DecodeError{What: "PropertiesChanged", Want: "3 fields", Got: fmt.Sprintf("%d fields", len(sig.Body))}
	}
	if err := dbus.Store(sig.Body, &change.Interface, &change.Changed, &change.Invalidated); err != nil {
		return change, &dbustypes.DecodeError{What: "PropertiesChanged", Want: "sa{sv}as", Err: err}
	}
	return change, nil
}
