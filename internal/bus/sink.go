package bus

import (
	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// signalSink is installed as the godbus signal handler. godbus calls
// DeliverSignal on its reader goroutine in wire order, so any signal read
// before a method reply is queued by the time that reply is returned.
type signalSink struct {
	queue *eventQueue
	// raw keeps Raw().Signal usable for callers that want plain channels.
	raw dbus.SignalHandler
}

func newSignalSink(queue *eventQueue) *signalSink {
	return &signalSink{queue: queue, raw: dbus.NewSequentialSignalHandler()}
}

func (s *signalSink) DeliverSignal(iface, name string, sig *dbus.Signal) {
	s.queue.push(event{signal: dbustypes.SignalFromBus(sig)})
	s.raw.DeliverSignal(iface, name, sig)
}

func (s *signalSink) AddSignal(ch chan<- *dbus.Signal) {
	s.raw.(dbus.SignalRegistrar).AddSignal(ch)
}

func (s *signalSink) RemoveSignal(ch chan<- *dbus.Signal) {
	s.raw.(dbus.SignalRegistrar).RemoveSignal(ch)
}

func (s *signalSink) Terminate() {
	s.raw.(dbus.Terminator).Terminate()
}

var (
	_ dbus.SignalHandler   = (*signalSink)(nil)
	_ dbus.SignalRegistrar = (*signalSink)(nil)
	_ dbus.Terminator      = (*signalSink)(nil)
)
