/******************************************************************************
 *
 *  Description :
 *    Liveness and latency measurement over the client.ping channel.
 *
 *****************************************************************************/

package bus

import (
	"sync"
	"time"
)

const (
	// DefaultPingInterval is the period between two pings.
	DefaultPingInterval = 30 * time.Second
	// latencyUpdatePeriod is how often an unanswered ping raises the reported latency.
	latencyUpdatePeriod = time.Second
)

// Ping periodically sends client.ping requests and measures the round trip.
type Ping struct {
	*Actor

	interval  time.Duration
	onLatency func(time.Duration)

	mu      sync.Mutex
	latency time.Duration
	// Send time of the outstanding ping, zero if none.
	sentAt time.Time

	stop chan struct{}
	once sync.Once
}

// NewPing creates a ping actor. The callback, if not nil, is invoked on every latency change.
func NewPing(hub *Hub, interval time.Duration, onLatency func(time.Duration)) *Ping {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	p := &Ping{
		interval:  interval,
		onLatency: onLatency,
		stop:      make(chan struct{}),
	}
	p.Actor = NewActor(hub, p)
	return p
}

// Start begins pinging.
func (p *Ping) Start() {
	go p.run()
}

// Stop terminates pinging and unregisters the actor.
func (p *Ping) Stop() {
	p.once.Do(func() {
		close(p.stop)
		p.Unregister()
	})
}

// Latency returns the last measured round trip, or the age of an unanswered ping if longer.
func (p *Ping) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Receive implements Receiver. Replies are consumed by requests.
func (p *Ping) Receive(msg *Message) error {
	return nil
}

// Reset pings immediately.
func (p *Ping) Reset() {
	p.ping()
}

func (p *Ping) run() {
	pingTicker := time.NewTicker(p.interval)
	updateTicker := time.NewTicker(latencyUpdatePeriod)
	defer func() {
		pingTicker.Stop()
		updateTicker.Stop()
	}()

	p.ping()
	for {
		select {
		case <-pingTicker.C:
			p.ping()
		case <-updateTicker.C:
			p.mu.Lock()
			if p.sentAt.IsZero() {
				p.mu.Unlock()
				continue
			}
			pending := time.Since(p.sentAt)
			raised := pending > p.latency
			if raised {
				p.latency = pending
			}
			p.mu.Unlock()
			if raised {
				p.notify(pending)
			}
		case <-p.stop:
			return
		}
	}
}

func (p *Ping) ping() {
	now := time.Now()
	p.mu.Lock()
	if p.sentAt.IsZero() {
		p.sentAt = now
	}
	p.mu.Unlock()

	p.Request(NewMessage(PingChannel, CmdPingRequest, map[string]any{"timestamp": now.UnixMilli()}).WithFlags(BypassAuth)).
		SetTimeout(p.interval, 0).
		Then(func(reply *Message) error {
			p.mu.Lock()
			p.latency = time.Since(now)
			p.sentAt = time.Time{}
			latency := p.latency
			p.mu.Unlock()
			p.notify(latency)
			return nil
		}).
		Error(func(*ErrorMessage) error {
			return nil
		}).
		Send()
}

func (p *Ping) notify(latency time.Duration) {
	if p.onLatency != nil {
		p.onLatency(latency)
	}
}

// PingResponder answers client.ping requests on a hub with a targeted reply carrying the same data.
type PingResponder struct {
	*Actor
}

// NewPingResponder creates a responder subscribed to the ping channel.
func NewPingResponder(hub *Hub) *PingResponder {
	pr := &PingResponder{}
	pr.Actor = NewActor(hub, pr)
	pr.SubscribeTo(PingChannel)
	return pr
}

// Receive implements Receiver.
func (pr *PingResponder) Receive(msg *Message) error {
	if msg.Command == CmdPingRequest && !msg.IsReply() {
		pr.Send(msg.CreateTargetedReply(CmdPingReply, msg.Data))
	}
	return nil
}
