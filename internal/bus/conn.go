// Package bus implements a property-bus client core on top of godbus:
// connections with correlated calls, an ordered signal dispatch loop,
// and object proxies for method calls, properties and signals.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
	"github.com/nikicat/propbus/internal/logging"
	"github.com/nikicat/propbus/internal/sockwatch"
)

// DefaultCallTimeout matches the reply timeout libdbus uses when none is given.
const DefaultCallTimeout = 25 * time.Second

// ErrLoopRunning is returned by RunEventLoop when another loop already drains the connection.
var ErrLoopRunning = errors.New("event loop already running")

// BusKind selects a well-known bus.
type BusKind int

const (
	SessionBus BusKind = iota
	SystemBus
)

func (k BusKind) String() string {
	if k == SystemBus {
		return "system"
	}
	return "session"
}

type options struct {
	address     string
	socketWait  time.Duration
	logger      *slog.Logger
	callTimeout time.Duration
}

// Option configures Connect.
type Option func(*options)

// WithAddress dials an explicit bus address instead of the session or system bus.
func WithAddress(address string) Option {
	return func(o *options) { o.address = address }
}

// WithSocketWait waits up to d for a unix:path= socket to appear before dialing.
func WithSocketWait(d time.Duration) Option {
	return func(o *options) { o.socketWait = d }
}

// WithLogger sets the logger used for call and dispatch logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout sets the timeout used by calls that do not specify one.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// CallOptions controls a single call.
type CallOptions struct {
	// Timeout bounds the wait for the reply; zero uses the connection default.
	Timeout time.Duration
	// NoAutoStart asks the bus not to activate the destination if it is not running.
	NoAutoStart bool
}

// Reply is the body of a successful method return.
type Reply struct {
	Body []any
}

// Store decodes the reply body into dst, one pointer per body field.
func (r *Reply) Store(dst ...any) error {
	if err := dbus.Store(r.Body, dst...); err != nil {
		return &dbustypes.DecodeError{What: "reply body", Err: err}
	}
	return nil
}

// Connection owns one bus connection. Inbound signals are queued in arrival
// order and dispatched by RunEventLoop; replies are matched to pending calls
// independently of the loop.
type Connection struct {
	conn        *dbus.Conn
	bus         string
	logger      *logging.Logger
	callTimeout time.Duration

	pending *pendingRegistry
	router  *SignalRouter
	owners  *ownerTable
	queue   *eventQueue
	// direct is set when a signal sink feeds queue from godbus's reader.
	direct bool

	signals   chan *dbus.Signal
	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	loopMu      sync.Mutex
	loopStop    chan struct{}
	dispatching atomic.Bool
}

// Connect opens a private connection to the selected bus.
func Connect(ctx context.Context, kind BusKind, opts ...Option) (*Connection, error) {
	o := options{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	label := kind.String()
	if o.address != "" {
		label = o.address
	}

	// Only a unix:path= address can be waited for.
	var waitCtx context.Context
	if path := sockwatch.SocketPath(o.address); path != "" && o.socketWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.socketWait)
		defer cancel()
		if err := sockwatch.Wait(waitCtx, path); err != nil {
			return nil, &dbustypes.ConnectionError{Bus: label, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &dbustypes.ConnectionError{Bus: label, Err: err}
	}

	queue := newEventQueue()
	conn, err := dial(kind, o.address, queue)
	// The socket file appears at bind(), before the daemon listens.
	for err != nil && waitCtx != nil {
		if werr := sockwatch.Retry(waitCtx); werr != nil {
			err = fmt.Errorf("%w (last attempt: %v)", werr, err)
			break
		}
		conn, err = dial(kind, o.address, queue)
	}
	if err != nil {
		return nil, &dbustypes.ConnectionError{Bus: label, Err: err}
	}

	return newConnection(conn, label, o, queue), nil
}

// dial uses a fresh sink per attempt since a failed attempt terminates it.
func dial(kind BusKind, address string, queue *eventQueue) (*dbus.Conn, error) {
	handler := dbus.WithSignalHandler(newSignalSink(queue))
	switch {
	case address != "":
		return dbus.Connect(address, handler)
	case kind == SystemBus:
		return dbus.ConnectSystemBus(handler)
	default:
		return dbus.ConnectSessionBus(handler)
	}
}

// Wrap takes ownership of an already authenticated godbus connection.
// Signals keep wire order only if conn was dialed with
// dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()). Signals reach
// the loop through a channel, so replies may overtake them and proxies on a
// wrapped connection never answer from their cache.
func Wrap(conn *dbus.Conn, label string, opts ...Option) *Connection {
	o := options{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return newConnection(conn, label, o, nil)
}

// newConnection takes the queue the conn's signal sink feeds, or nil to
// subscribe through a godbus signal channel.
func newConnection(conn *dbus.Conn, label string, o options, queue *eventQueue) *Connection {
	logger := logging.New(o.logger, label)
	c := &Connection{
		conn:        conn,
		bus:         label,
		logger:      logger,
		callTimeout: o.callTimeout,
		pending:     newPendingRegistry(),
		owners:      newOwnerTable(),
		queue:       queue,
		direct:      queue != nil,
		lost:        make(chan struct{}),
	}
	c.router = NewSignalRouter(c.owners.lookup, logger.Logger)

	if !c.direct {
		c.queue = newEventQueue()
		c.signals = make(chan *dbus.Signal, 64)
		conn.Signal(c.signals)
	}
	go c.pump()

	logger.Debug("connected", "bus", label, "unique_name", c.UniqueName())
	return c
}

// pump moves channel-delivered signals into the unbounded queue and detects
// transport loss. With a signal sink c.signals is nil and only loss is watched.
func (c *Connection) pump() {
	var ctxDone <-chan struct{}
	if ctx := c.conn.Context(); ctx != nil {
		ctxDone = ctx.Done()
	}

	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				c.markLost()
				return
			}
			c.queue.push(event{signal: dbustypes.SignalFromBus(sig)})

		case <-ctxDone:
			c.drainSignals()
			c.markLost()
			return
		}
	}
}

// drainSignals queues signals godbus delivered before the connection went away.
func (c *Connection) drainSignals() {
	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.queue.push(event{signal: dbustypes.SignalFromBus(sig)})
		default:
			return
		}
	}
}

func (c *Connection) markLost() {
	c.lostOnce.Do(func() {
		n := c.pending.failAll(dbustypes.ErrConnectionLost)
		close(c.lost)
		c.queue.pushFinal(event{state: StateDisconnected})
		c.logger.Info("connection lost", "bus", c.bus, "failed_calls", n)
	})
}

func (c *Connection) isLost() bool {
	select {
	case <-c.lost:
		return true
	default:
		return false
	}
}

// Lost is closed once the transport is gone.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

// Bus returns the bus label used in logs and errors.
func (c *Connection) Bus() string {
	return c.bus
}

// UniqueName returns the connection's unique name on the bus.
func (c *Connection) UniqueName() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Raw exposes the underlying godbus connection, e.g. for exporting objects.
func (c *Connection) Raw() *dbus.Conn {
	return c.conn
}

// Pending returns the number of calls in flight.
func (c *Connection) Pending() int {
	return c.pending.len()
}

// Close closes the transport. Calls in flight fail with ErrConnectionLost.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.markLost()
	})
	return c.closeErr
}

// Call invokes member on addr and waits for the reply, the timeout, ctx
// cancellation or connection loss, whichever comes first.
func (c *Connection) Call(ctx context.Context, addr dbustypes.Address, member string, opts CallOptions, args ...any) (*Reply, error) {
	if err := addr.Validate(); err != nil {
		return nil, &dbustypes.CallError{Address: addr, Member: member, Err: err}
	}
	if member == "" {
		return nil, &dbustypes.CallError{Address: addr, Member: member, Err: dbustypes.ErrNoSuchMember}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	start := time.Now()
	pc, err := c.pending.add(member, start.Add(timeout))
	if err != nil {
		return nil, &dbustypes.CallError{Address: addr, Member: member, Err: err}
	}
	defer c.pending.remove(pc.id)

	callCtx, cancel := context.WithDeadline(ctx, pc.deadline)
	defer cancel()

	var flags dbus.Flags
	if opts.NoAutoStart {
		flags |= dbus.FlagNoAutoStart
	}

	done := make(chan *dbus.Call, 1)
	call := c.conn.Object(addr.Name, addr.Path).GoWithContext(callCtx, addr.Interface+"."+member, flags, done, args...)
	if call.Err != nil {
		pc.resolve(callResult{err: c.classify(ctx, call.Err)})
	}

	select {
	case call := <-done:
		if call.Err != nil {
			pc.resolve(callResult{err: c.classify(ctx, call.Err)})
		} else {
			pc.resolve(callResult{body: call.Body})
		}
	case <-callCtx.Done():
		pc.resolve(callResult{err: c.classify(ctx, callCtx.Err())})
	case <-pc.done:
	}

	res := pc.result()
	c.logger.LogCall(ctx, addr, member, pc.id, time.Since(start), res.err)
	if res.err != nil {
		return nil, &dbustypes.CallError{Address: addr, Member: member, Err: res.err}
	}
	return &Reply{Body: res.body}, nil
}

// classify maps a call failure onto the error taxonomy. Context expiry is a
// timeout unless the caller cancelled parent explicitly.
func (c *Connection) classify(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(parent.Err(), context.Canceled) {
			return context.Canceled
		}
		return dbustypes.ErrTimeout
	}
	if isTransportError(err) || c.conn.Context().Err() != nil {
		var dbusErr dbus.Error
		var ptr *dbus.Error
		if !errors.As(err, &dbusErr) && !errors.As(err, &ptr) {
			return dbustypes.ErrConnectionLost
		}
	}
	return dbustypes.ClassifyRemote(err)
}

// isTransportError reports errors godbus surfaces when the socket goes away.
func isTransportError(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, dbus.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &opErr)
}

// SubscriptionHandle identifies a registered subscription.
type SubscriptionHandle struct {
	conn *Connection
	sub  *Subscription
}

// ID returns the subscription id.
func (h *SubscriptionHandle) ID() string {
	return h.sub.ID
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (h *SubscriptionHandle) Unsubscribe() {
	h.conn.Unsubscribe(h)
}

// SubscribeSignal installs a match rule for filter and member and registers
// handler. An empty member matches every signal from filter. Handlers run on
// the goroutine executing RunEventLoop and must not block it indefinitely.
func (c *Connection) SubscribeSignal(filter dbustypes.Address, member string, handler Handler, opts ...SubscribeOption) (*SubscriptionHandle, error) {
	if handler == nil {
		return nil, errors.New("subscribe: nil signal handler")
	}
	if filter.Path != "" {
		if err := dbustypes.ValidatePath(string(filter.Path)); err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	if c.isLost() {
		return nil, dbustypes.ErrConnectionLost
	}

	s := &Subscription{
		ID:      uuid.NewString(),
		Filter:  filter,
		Member:  member,
		handler: handler,
	}
	for _, opt := range opts {
		opt(s)
	}

	rule := s.matchOptions()
	if err := c.conn.AddMatchSignal(rule...); err != nil {
		return nil, fmt.Errorf("add match rule: %w", err)
	}
	if needsTracking(filter.Name) {
		if err := c.trackOwner(context.Background(), filter.Name); err != nil {
			c.conn.RemoveMatchSignal(rule...)
			return nil, err
		}
	}

	c.router.Add(s)
	c.logger.Debug("subscribed", "subscription", s.ID, "filter", filter.String(), "member", member)
	return &SubscriptionHandle{conn: c, sub: s}, nil
}

// OnStateChange registers a handler for connection state changes only.
func (c *Connection) OnStateChange(fn StateHandler) *SubscriptionHandle {
	s := &Subscription{
		ID:           uuid.NewString(),
		stateHandler: fn,
		stateOnly:    true,
	}
	c.router.Add(s)
	return &SubscriptionHandle{conn: c, sub: s}
}

// Unsubscribe removes a subscription and its match rule. It is idempotent.
func (c *Connection) Unsubscribe(h *SubscriptionHandle) {
	if h == nil || h.sub == nil {
		return
	}
	s, ok := c.router.Remove(h.sub.ID)
	if !ok {
		return
	}
	if s.stateOnly {
		return
	}
	if !c.isLost() {
		if err := c.conn.RemoveMatchSignal(s.matchOptions()...); err != nil {
			c.logger.Debug("remove match rule failed", "subscription", s.ID, "error", err)
		}
	}
	if needsTracking(s.Filter.Name) {
		c.untrackOwner(s.Filter.Name)
	}
}

// OnNameOwnerChanged subscribes to ownership changes of name.
func (c *Connection) OnNameOwnerChanged(name string, fn func(dbustypes.NameOwnerChange)) (*SubscriptionHandle, error) {
	filter := dbustypes.NewAddress(dbustypes.BusDaemonName, dbustypes.BusDaemonPath, dbustypes.BusDaemonInterface)
	return c.SubscribeSignal(filter, dbustypes.MemberNameOwnerChanged, func(sig *dbustypes.Signal) {
		change, ok := decodeNameOwnerChanged(sig)
		if !ok {
			c.logger.Debug("malformed NameOwnerChanged", "body", sig.Body)
			return
		}
		fn(change)
	}, WithArg0(name))
}

// NameOwner returns the last known owner of a tracked well-known name, "" if
// it has none or nobody tracks it.
func (c *Connection) NameOwner(name string) string {
	if !needsTracking(name) {
		return name
	}
	return c.owners.lookup(name)
}

func ownerRule(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(dbustypes.BusDaemonName),
		dbus.WithMatchInterface(dbustypes.BusDaemonInterface),
		dbus.WithMatchMember(dbustypes.MemberNameOwnerChanged),
		dbus.WithMatchArg(0, name),
	}
}

func (c *Connection) trackOwner(ctx context.Context, name string) error {
	if !c.owners.ref(name) {
		return nil
	}
	rule := ownerRule(name)
	if err := c.conn.AddMatchSignal(rule...); err != nil {
		c.owners.unref(name)
		return fmt.Errorf("track owner of %s: %w", name, err)
	}
	owner, err := c.GetNameOwner(ctx, name)
	if err != nil {
		c.conn.RemoveMatchSignal(rule...)
		c.owners.unref(name)
		return fmt.Errorf("track owner of %s: %w", name, err)
	}
	c.owners.set(name, owner)
	return nil
}

func (c *Connection) untrackOwner(name string) {
	if !c.owners.unref(name) || c.isLost() {
		return
	}
	if err := c.conn.RemoveMatchSignal(ownerRule(name)...); err != nil {
		c.logger.Debug("remove owner match rule failed", "name", name, "error", err)
	}
}

// GetNameOwner asks the bus daemon for the owner of name. A name without an owner yields "".
func (c *Connection) GetNameOwner(ctx context.Context, name string) (string, error) {
	daemon := dbustypes.NewAddress(dbustypes.BusDaemonName, dbustypes.BusDaemonPath, dbustypes.BusDaemonInterface)
	reply, err := c.Call(ctx, daemon, dbustypes.MemberGetNameOwner, CallOptions{}, name)
	if err != nil {
		var remote *dbustypes.RemoteError
		if errors.As(err, &remote) && remote.Name == dbustypes.ErrNameNameHasNoOwner {
			return "", nil
		}
		return "", err
	}
	var owner string
	if err := reply.Store(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

// RunEventLoop dispatches queued signals one at a time on the calling
// goroutine. It returns nil after StopEventLoop, ctx.Err() when ctx is done,
// and ErrConnectionLost once the disconnect notification has been delivered,
// including on every later call.
func (c *Connection) RunEventLoop(ctx context.Context) error {
	c.loopMu.Lock()
	if c.loopStop != nil {
		c.loopMu.Unlock()
		return ErrLoopRunning
	}
	stop := make(chan struct{})
	c.loopStop = stop
	c.loopMu.Unlock()

	c.dispatching.Store(true)
	defer func() {
		c.dispatching.Store(false)
		c.loopMu.Lock()
		c.loopStop = nil
		c.loopMu.Unlock()
	}()

	for {
		for {
			select {
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			ev, ok := c.queue.pop()
			if !ok {
				break
			}
			c.dispatch(ev)
			c.queue.done()
			if ev.signal == nil && ev.state == StateDisconnected {
				return dbustypes.ErrConnectionLost
			}
		}
		if c.queue.drained() {
			return dbustypes.ErrConnectionLost
		}

		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.queue.ready():
		}
	}
}

// StopEventLoop makes a running RunEventLoop return after the current frame.
// It is a no-op when no loop is running.
func (c *Connection) StopEventLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop == nil {
		return
	}
	select {
	case <-c.loopStop:
	default:
		close(c.loopStop)
	}
}

// Dispatching reports whether an event loop is currently draining the connection.
func (c *Connection) Dispatching() bool {
	return c.dispatching.Load()
}

// caughtUp reports whether every signal read off the wire so far has been
// dispatched. It is always false for wrapped connections.
func (c *Connection) caughtUp() bool {
	return c.direct && c.dispatching.Load() && c.queue.backlog() == 0
}

func (c *Connection) dispatch(ev event) {
	if ev.signal == nil {
		c.logger.Debug("connection state changed", "bus", c.bus, "state", ev.state.String())
		c.router.Broadcast(ev.state)
		return
	}
	if isNameOwnerChanged(ev.signal) {
		c.owners.apply(ev.signal)
	}
	n := c.router.Dispatch(ev.signal)
	c.logger.LogSignal(context.Background(), ev.signal, n)
}
