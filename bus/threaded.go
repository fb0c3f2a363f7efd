/******************************************************************************
 *
 *  Description :
 *    Actor with its own goroutine. The hub only enqueues inbound messages,
 *    the handler runs on the actor's goroutine in FIFO order.
 *
 *****************************************************************************/

package bus

import (
	"fmt"
	"sync"

	"github.com/tinode/tablesync/logs"
)

// Handler processes messages on a ThreadedActor's goroutine.
type Handler interface {
	Received(msg *Message) error
}

// item is an entry of the inbound queue: either a message or a reset request.
type item struct {
	msg   *Message
	reset bool
}

// mailbox is an unbounded FIFO queue with a wake-up signal.
type mailbox struct {
	mu     sync.Mutex
	items  []item
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(it item) {
	m.mu.Lock()
	m.items = append(m.items, it)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []item {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

// ThreadedActor runs its handler on a dedicated goroutine.
type ThreadedActor struct {
	*Actor
	handler Handler

	inbox *mailbox
	// Exit knob.
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewThreadedActor registers an actor and starts its goroutine. If the handler implements
// Resetter, Reset is called on the actor's goroutine too.
func NewThreadedActor(hub *Hub, handler Handler) *ThreadedActor {
	t := &ThreadedActor{
		handler: handler,
		inbox:   newMailbox(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.Actor = NewActor(hub, threadedReceiver{t})
	go t.run()
	return t
}

// threadedReceiver hands messages over to the actor's goroutine.
type threadedReceiver struct {
	t *ThreadedActor
}

func (r threadedReceiver) Receive(msg *Message) error {
	r.t.inbox.push(item{msg: msg})
	return nil
}

func (r threadedReceiver) Reset() {
	r.t.inbox.push(item{reset: true})
}

// SubscribeTo subscribes by sending an internal client/subscribe message.
func (t *ThreadedActor) SubscribeTo(channel string) {
	t.Send(NewMessage(ControlChannel, CmdSubscribe, map[string]any{"channel": channel}).WithFlags(Internal))
}

// UnsubscribeFrom unsubscribes by sending an internal client/unsubscribe message.
func (t *ThreadedActor) UnsubscribeFrom(channel string) {
	t.Send(NewMessage(ControlChannel, CmdUnsubscribe, map[string]any{"channel": channel}).WithFlags(Internal))
}

// Stop unregisters the actor and terminates its goroutine. Queued messages are dropped.
func (t *ThreadedActor) Stop() {
	t.once.Do(func() {
		t.Unregister()
		close(t.stop)
	})
	<-t.done
}

// Done is closed when the actor's goroutine exits.
func (t *ThreadedActor) Done() <-chan struct{} {
	return t.done
}

func (t *ThreadedActor) run() {
	defer close(t.done)

	for {
		select {
		case <-t.inbox.signal:
			for _, it := range t.inbox.drain() {
				select {
				case <-t.stop:
					return
				default:
				}
				if it.reset {
					if r, ok := t.handler.(Resetter); ok {
						r.Reset()
					}
					continue
				}
				t.handle(it.msg)
			}
		case <-t.stop:
			return
		}
	}
}

// handle runs the handler and converts a failure into an error reply to the originator.
func (t *ThreadedActor) handle(msg *Message) {
	err := t.safeReceived(msg)
	if err == nil {
		return
	}
	logs.Warn.Println("actor: handler failed:", err, msg)
	if msg.from == nil || msg.IsError() {
		return
	}
	t.Send(msg.CreateErrorReply(err.Error()))
}

func (t *ThreadedActor) safeReceived(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.handler.Received(msg)
}
