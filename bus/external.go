package bus

// Transport delivers bus messages to a peer outside the process.
type Transport interface {
	SendToExternal(msg *Message) error
}

// ConnState is the state of a connection to a peer.
type ConnState int

const (
	// Waiting for the first connection attempt.
	Waiting ConnState = iota
	// Connecting is an attempt in progress.
	Connecting
	// Connected to the peer.
	Connected
	// Reconnecting after an unexpected drop.
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ExternalActor bridges the bus to a peer: every non-internal message it receives is
// passed to the transport, every message from the peer is sent as the actor's own.
type ExternalActor struct {
	*ThreadedActor
	transport Transport
}

// NewExternalActor registers an actor forwarding to the given transport.
func NewExternalActor(hub *Hub, transport Transport) *ExternalActor {
	e := &ExternalActor{transport: transport}
	e.ThreadedActor = NewThreadedActor(hub, e)
	return e
}

// Received implements Handler.
func (e *ExternalActor) Received(msg *Message) error {
	if msg.IsInternal() {
		return nil
	}
	return e.transport.SendToExternal(msg)
}

// ReceivedFromExternal injects a message from the peer into the bus.
func (e *ExternalActor) ReceivedFromExternal(msg *Message) {
	e.Send(msg)
}
