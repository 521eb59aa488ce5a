package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// State is the connection state reported to subscribers.
type State int

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Handler receives signals matched by a subscription.
type Handler func(*dbustypes.Signal)

// StateHandler receives connection state changes.
type StateHandler func(State)

// Subscription is one registered signal filter and its callbacks.
type Subscription struct {
	ID     string
	Filter dbustypes.Address
	// Member is the signal name; empty matches every signal from Filter.
	Member string
	// Arg0 restricts matches to signals whose first body field is this string.
	Arg0 string

	handler      Handler
	stateHandler StateHandler
	stateOnly    bool
	seq          uint64
	removed      atomic.Bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithStateHandler also notifies the subscription of connection state changes.
func WithStateHandler(fn StateHandler) SubscribeOption {
	return func(s *Subscription) { s.stateHandler = fn }
}

// WithArg0 matches only signals whose first argument equals arg0.
func WithArg0(arg0 string) SubscribeOption {
	return func(s *Subscription) { s.Arg0 = arg0 }
}

// matchOptions builds the bus match rule for the subscription.
func (s *Subscription) matchOptions() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if s.Filter.Name != "" {
		opts = append(opts, dbus.WithMatchSender(s.Filter.Name))
	}
	if s.Filter.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(s.Filter.Path))
	}
	if s.Filter.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(s.Filter.Interface))
	}
	if s.Member != "" {
		opts = append(opts, dbus.WithMatchMember(s.Member))
	}
	if s.Arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, s.Arg0))
	}
	return opts
}

// ownerLookup returns the unique name currently owning a well-known name.
type ownerLookup func(name string) string

// SignalRouter demultiplexes inbound signals to subscriptions in registration order.
type SignalRouter struct {
	mu     sync.RWMutex
	subs   []*Subscription
	seq    uint64
	owner  ownerLookup
	logger *slog.Logger
}

// NewSignalRouter creates a router. owner may be nil when senders are always unique names.
func NewSignalRouter(owner ownerLookup, logger *slog.Logger) *SignalRouter {
	if owner == nil {
		owner = func(string) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalRouter{owner: owner, logger: logger}
}

// Add registers s after every existing subscription.
func (r *SignalRouter) Add(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s.seq = r.seq
	r.subs = append(r.subs, s)
}

// Remove unregisters the subscription with the given id. It reports whether
// anything was removed, so repeated calls are harmless.
func (r *SignalRouter) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.ID != id {
			continue
		}
		s.removed.Store(true)
		r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
		return s, true
	}
	return nil, false
}

// Len returns the number of registered subscriptions.
func (r *SignalRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *SignalRouter) snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Subscription(nil), r.subs...)
}

// Dispatch invokes every matching subscription exactly once and returns how many ran.
func (r *SignalRouter) Dispatch(sig *dbustypes.Signal) int {
	n := 0
	for _, s := range r.snapshot() {
		if s.stateOnly || !r.matches(s, sig) {
			continue
		}
		if s.removed.Load() {
			r.logger.Debug("skipping signal for removed subscription", "subscription", s.ID, "member", sig.Member)
			continue
		}
		r.invoke(s, func() { s.handler(sig) })
		n++
	}
	return n
}

// Broadcast delivers a state change to every subscription with a state handler.
func (r *SignalRouter) Broadcast(state State) {
	for _, s := range r.snapshot() {
		if s.stateHandler == nil || s.removed.Load() {
			continue
		}
		r.invoke(s, func() { s.stateHandler(state) })
	}
}

func (r *SignalRouter) invoke(s *Subscription, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("signal handler panicked", "subscription", s.ID, "panic", p)
		}
	}()
	fn()
}

func (r *SignalRouter) matches(s *Subscription, sig *dbustypes.Signal) bool {
	f := s.Filter
	if f.Name != "" && f.Name != sig.Sender {
		if strings.HasPrefix(f.Name, ":") || r.owner(f.Name) != sig.Sender || sig.Sender == "" {
			return false
		}
	}
	if f.Path != "" && f.Path != sig.Path {
		return false
	}
	if f.Interface != "" && f.Interface != sig.Interface {
		return false
	}
	if s.Member != "" && s.Member != sig.Member {
		return false
	}
	if s.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		if arg0, ok := sig.Body[0].(string); !ok || arg0 != s.Arg0 {
			return false
		}
	}
	return true
}
