/******************************************************************************
 *
 *  Description :
 *    Hub is the subscription registry and dispatcher. Actors never reference
 *    each other directly: every message goes through the hub which delivers
 *    it to the subscribers of its channel.
 *
 *****************************************************************************/

package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tinode/tablesync/logs"
)

var (
	// ErrAlreadyRegistered is returned when registering an actor twice.
	ErrAlreadyRegistered = errors.New("actor is already registered")
	// ErrNotRegistered is returned when unregistering an unknown actor.
	ErrNotRegistered = errors.New("actor is not registered")
	// ErrForeignHub is returned when registering an actor created for another hub.
	ErrForeignHub = errors.New("actor belongs to a different hub")
)

// Stats is a snapshot of hub counters.
type Stats struct {
	Actors    int
	Channels  int
	Delivered uint64
	Failed    uint64
	Resets    uint64
}

// Hub routes messages between actors.
type Hub struct {
	mu sync.RWMutex
	// Channel name -> subscribed actors.
	subs map[string]map[*Actor]struct{}
	// Registered actors.
	actors map[*Actor]struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
	resets    atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Actor]struct{}),
		actors: make(map[*Actor]struct{}),
	}
}

// RegisterActor adds the actor and restores its recorded subscriptions.
func (h *Hub) RegisterActor(a *Actor) error {
	if a.hub != h {
		return ErrForeignHub
	}

	h.mu.Lock()
	if _, ok := h.actors[a]; ok {
		h.mu.Unlock()
		return ErrAlreadyRegistered
	}
	h.actors[a] = struct{}{}
	h.mu.Unlock()

	for _, channel := range a.Channels() {
		h.subscribe(a, channel)
	}
	return nil
}

// UnregisterActor removes the actor from every channel. The actor keeps its channel
// list, so registering it again restores the subscriptions.
func (h *Hub) UnregisterActor(a *Actor) error {
	h.mu.Lock()
	if _, ok := h.actors[a]; !ok {
		h.mu.Unlock()
		return ErrNotRegistered
	}
	delete(h.actors, a)
	h.mu.Unlock()

	for _, channel := range a.Channels() {
		h.unsubscribe(a, channel)
	}
	return nil
}

// IsRegistered checks if the actor is currently registered.
func (h *Hub) IsRegistered(a *Actor) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.actors[a]
	return ok
}

// Actors returns a snapshot of the registered actors.
func (h *Hub) Actors() []*Actor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	actors := make([]*Actor, 0, len(h.actors))
	for a := range h.actors {
		actors = append(actors, a)
	}
	return actors
}

// Subscribers returns a snapshot of actors subscribed to the exact channel.
func (h *Hub) Subscribers(channel string) []*Actor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[channel]
	actors := make([]*Actor, 0, len(set))
	for a := range set {
		actors = append(actors, a)
	}
	return actors
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Actors: len(h.actors), Channels: len(h.subs)}
	h.mu.RUnlock()
	st.Delivered = h.delivered.Load()
	st.Failed = h.failed.Load()
	st.Resets = h.resets.Load()
	return st
}

func subscriptionNotice(command, channel string) *Message {
	return NewMessage(ControlChannel, command, map[string]any{"channel": channel})
}

// subscribe records the subscription. The first subscriber of a channel triggers
// a client/subscribe notice before it is recorded.
func (h *Hub) subscribe(a *Actor, channel string) {
	h.mu.RLock()
	_, registered := h.actors[a]
	first := len(h.subs[channel]) == 0
	h.mu.RUnlock()
	if !registered {
		return
	}

	if first {
		h.broadcast(subscriptionNotice(CmdSubscribe, channel))
	}

	h.mu.Lock()
	set := h.subs[channel]
	if set == nil {
		set = make(map[*Actor]struct{})
		h.subs[channel] = set
	}
	set[a] = struct{}{}
	h.mu.Unlock()
}

// unsubscribe drops the subscription. Losing the last subscriber triggers a client/unsubscribe notice.
func (h *Hub) unsubscribe(a *Actor, channel string) {
	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok = set[a]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, a)
	last := len(set) == 0
	if last {
		delete(h.subs, channel)
	}
	h.mu.Unlock()

	if last {
		h.broadcast(subscriptionNotice(CmdUnsubscribe, channel))
	}
}

// route dispatches a message sent by an actor.
func (h *Hub) route(msg *Message) {
	switch {
	case msg.to != nil:
		if h.IsRegistered(msg.to) {
			h.deliver(msg.to, msg)
		} else {
			logs.Warn.Println("hub: target actor is gone, dropped", msg)
		}
	case msg.Channel == ControlChannel:
		// Subscribe and unsubscribe were consumed by Actor.Send.
		if msg.Command == CmdReset {
			h.resets.Add(1)
			for _, a := range h.Actors() {
				if h.IsRegistered(a) {
					a.reset()
				}
			}
		}
	default:
		h.broadcast(msg)
	}
}

// isRecipient checks that the actor is still subscribed to the channel or the wildcard.
func (h *Hub) isRecipient(a *Actor, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[channel][a]; ok {
		return true
	}
	_, ok := h.subs[WildcardChannel][a]
	return ok
}

func (h *Hub) recipients(channel string) []*Actor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	size := len(h.subs[channel]) + len(h.subs[WildcardChannel])
	seen := make(map[*Actor]struct{}, size)
	actors := make([]*Actor, 0, size)
	for _, ch := range [2]string{channel, WildcardChannel} {
		for a := range h.subs[ch] {
			if _, dup := seen[a]; !dup {
				seen[a] = struct{}{}
				actors = append(actors, a)
			}
		}
	}
	return actors
}

// broadcast delivers to the subscribers of the message's channel and of the wildcard,
// except the sender. Handlers may change subscriptions while the message is being
// delivered, so membership is checked again before every delivery.
func (h *Hub) broadcast(msg *Message) {
	for _, a := range h.recipients(msg.Channel) {
		if a == msg.from || !h.isRecipient(a, msg.Channel) {
			continue
		}
		h.deliver(a, msg)
	}
}

// deliver hands the message to one actor and turns a failure into an error reply to the sender.
func (h *Hub) deliver(a *Actor, msg *Message) {
	err := a.receive(msg)
	if err == nil {
		h.delivered.Add(1)
		return
	}

	h.failed.Add(1)
	logs.Warn.Println("hub: handler failed:", err, msg)
	if msg.from == nil || msg.IsError() {
		// No one to report to, or reporting would loop.
		return
	}
	reply := msg.CreateErrorReply(err.Error())
	reply.from = a
	h.route(reply)
}
