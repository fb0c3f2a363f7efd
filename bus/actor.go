/******************************************************************************
 *
 *  Description :
 *    Actor is a participant of the bus: it owns a set of subscribed channels
 *    and receives messages routed to them.
 *
 *****************************************************************************/

package bus

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/logs"
)

// Receiver handles messages delivered to an actor. A returned error is reported
// back to the sender as an error reply.
type Receiver interface {
	Receive(msg *Message) error
}

// Resetter is implemented by receivers which react to the hub-wide client/reset.
type Resetter interface {
	Reset()
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(msg *Message) error

// Receive calls f(msg).
func (f ReceiverFunc) Receive(msg *Message) error {
	return f(msg)
}

// Actor binds a Receiver to a hub.
type Actor struct {
	hub      *Hub
	receiver Receiver

	mu       sync.Mutex
	channels map[string]struct{}
}

// NewActor creates an actor and registers it with the hub.
func NewActor(hub *Hub, receiver Receiver) *Actor {
	a := &Actor{
		hub:      hub,
		receiver: receiver,
		channels: make(map[string]struct{}),
	}
	// Cannot fail for a fresh actor.
	hub.RegisterActor(a)
	return a
}

// Hub returns the hub the actor belongs to.
func (a *Actor) Hub() *Hub {
	return a.hub
}

// Register registers the actor again after Unregister.
func (a *Actor) Register() error {
	return a.hub.RegisterActor(a)
}

// Unregister removes the actor from the hub. Its channel list is kept.
func (a *Actor) Unregister() error {
	return a.hub.UnregisterActor(a)
}

// SubscribeTo subscribes the actor to a channel.
func (a *Actor) SubscribeTo(channel string) {
	a.mu.Lock()
	a.channels[channel] = struct{}{}
	a.mu.Unlock()
	a.hub.subscribe(a, channel)
}

// UnsubscribeFrom drops a subscription.
func (a *Actor) UnsubscribeFrom(channel string) {
	a.mu.Lock()
	delete(a.channels, channel)
	a.mu.Unlock()
	a.hub.unsubscribe(a, channel)
}

// IsSubscribed checks if the channel is in the actor's channel set.
func (a *Actor) IsSubscribed(channel string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.channels[channel]
	return ok
}

// Channels returns the sorted list of subscribed channels.
func (a *Actor) Channels() []string {
	a.mu.Lock()
	channels := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		channels = append(channels, ch)
	}
	a.mu.Unlock()
	sort.Strings(channels)
	return channels
}

// Send routes the message through the hub and returns its id. The client/subscribe and
// client/unsubscribe commands are not routed but change the actor's own subscriptions.
func (a *Actor) Send(msg *Message) uuid.UUID {
	if msg.Channel == ControlChannel {
		switch msg.Command {
		case CmdSubscribe:
			a.SubscribeTo(msg.DataString("channel"))
			return msg.ID
		case CmdUnsubscribe:
			a.UnsubscribeFrom(msg.DataString("channel"))
			return msg.ID
		}
	} else if !a.IsSubscribed(msg.Channel) && !a.IsSubscribed(WildcardChannel) {
		logs.Warn.Println("actor: sending on a channel not subscribed to", msg.Channel)
	}

	out := *msg
	out.from = a
	a.hub.route(&out)
	return out.ID
}

// Request creates a request which is released from the hub once finished.
func (a *Actor) Request(msg *Message) *Request {
	return NewRequest(a.hub, msg).DeleteOnFinished()
}

func (a *Actor) receive(msg *Message) error {
	return a.receiver.Receive(msg)
}

func (a *Actor) reset() {
	if r, ok := a.receiver.(Resetter); ok {
		r.Reset()
	}
}
