/******************************************************************************
 *
 *  Description :
 *    Client side of a server connection: a bus actor subscribed to every
 *    channel which forwards local traffic to the server over TCP and
 *    injects server messages into the local hub.
 *
 *****************************************************************************/

package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/wire"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Server address, host:port.
	Addr string
	// Token sent in client.auth/attempt. Empty means the server has no auth gate.
	AuthToken      string
	MaxMessageSize int
	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	// OnState is called on every state change.
	OnState func(bus.ConnState)
	// OnAuthRequired is called when the server challenges or rejects the token.
	OnAuthRequired func()
}

// Client is the local representative of a server.
type Client struct {
	*bus.ExternalActor

	cfg    ClientConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        bus.ConnState
	conn         *wire.Conn
	raw          net.Conn
	token        string
	needAuth     bool
	queue        []*bus.Message
	bypass       []*bus.Message
	started      bool
	wasConnected bool
}

// NewClient registers a client actor subscribed to all channels. Call Connect to start.
func NewClient(hub *bus.Hub, cfg ClientConfig) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c := &Client{
		cfg:      cfg,
		token:    cfg.AuthToken,
		needAuth: cfg.AuthToken != "",
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.ExternalActor = bus.NewExternalActor(hub, c)
	c.SubscribeTo(bus.WildcardChannel)
	return c
}

// State returns the connection state.
func (c *Client) State() bus.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting in the background. The client reconnects after drops until closed.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

// SetAuthentication changes the token and, when connected, authenticates again.
func (c *Client) SetAuthentication(token string) {
	c.mu.Lock()
	c.token = token
	c.needAuth = true
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		c.SendToExternal(c.authAttempt(token))
	}
}

// Close disconnects without reconnecting and unregisters the actor.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.raw != nil {
		c.raw.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.Stop()
}

// SendToExternal implements bus.Transport. Errors are never sent to the server.
// Until authenticated only BypassAuth messages are written.
func (c *Client) SendToExternal(msg *bus.Message) error {
	if msg.IsError() {
		return nil
	}
	bypass := msg.HasFlag(bus.BypassAuth)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.needAuth && !bypass:
		c.queue = append(c.queue, msg)
	case c.conn != nil:
		if err := c.conn.WriteMessage(msg); err != nil {
			// Sent again after reconnecting.
			logs.Warn.Println("client: write", err)
			c.queue = append(c.queue, msg)
		}
	case bypass:
		c.bypass = append(c.bypass, msg)
	default:
		c.queue = append(c.queue, msg)
	}
	return nil
}

func (c *Client) authAttempt(token string) *bus.Message {
	return bus.NewMessage(bus.AuthChannel, bus.CmdAuthAttempt, map[string]any{"token": token}).WithFlags(bus.BypassAuth)
}

func (c *Client) setState(state bus.ConnState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(state)
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	for {
		c.setState(bus.Connecting)
		conn, err := dialer.DialContext(c.ctx, "tcp", c.cfg.Addr)
		if err == nil {
			c.serve(conn)
		} else if c.ctx.Err() == nil {
			logs.Warn.Println("client: connect", c.cfg.Addr, err)
		}

		if c.ctx.Err() != nil {
			return
		}
		if c.State() == bus.Connected {
			logs.Warn.Println("client: lost connection to", c.cfg.Addr)
			c.setState(bus.Reconnecting)
		}
		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// serve runs one connection until it drops.
func (c *Client) serve(raw net.Conn) {
	conn := wire.NewConn(raw, c.cfg.MaxMessageSize)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		raw.Close()
		return
	}
	c.raw, c.conn = raw, conn
	c.needAuth = c.token != ""
	token, needAuth := c.token, c.needAuth
	c.flushLocked(&c.bypass)
	c.mu.Unlock()

	if needAuth {
		c.SendToExternal(c.authAttempt(token))
	} else {
		c.authenticated()
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if isMalformed(err) {
				logs.Warn.Println("client: dropped malformed message", err)
				continue
			}
			if !isClosed(err) && c.ctx.Err() == nil {
				logs.Err.Println("client: read", err)
			}
			break
		}
		c.received(msg)
	}

	c.mu.Lock()
	c.raw, c.conn = nil, nil
	c.mu.Unlock()
	raw.Close()
}

func (c *Client) received(msg *bus.Message) {
	if msg.Channel != bus.AuthChannel {
		c.ReceivedFromExternal(msg)
		return
	}
	switch msg.Command {
	case bus.CmdAuthChallenge:
		if c.cfg.OnAuthRequired != nil {
			c.cfg.OnAuthRequired()
		}
	case bus.CmdAuthResponse:
		if ok, _ := msg.DataObject()["success"].(bool); ok {
			c.authenticated()
		} else {
			logs.Warn.Println("client: authentication rejected by", c.cfg.Addr)
			if c.cfg.OnAuthRequired != nil {
				c.cfg.OnAuthRequired()
			}
		}
	}
}

// authenticated flushes queued messages. After a reconnect local actors are asked to
// resynchronize instead: the reset re-issues every outstanding request, so queued
// requests are dropped rather than sent twice. Queued replies are still delivered.
func (c *Client) authenticated() {
	subs := c.subscriptions()
	c.mu.Lock()
	c.needAuth = false
	reconnect := c.wasConnected
	if reconnect {
		c.queue = onlyReplies(c.queue)
	}
	c.flushLocked(&subs)
	c.flushLocked(&c.queue)
	c.wasConnected = true
	c.mu.Unlock()

	c.setState(bus.Connected)
	logs.Info.Println("client: connected to", c.cfg.Addr)
	if reconnect {
		c.Send(bus.NewMessage(bus.ControlChannel, bus.CmdReset, nil))
	}
}

func onlyReplies(queue []*bus.Message) []*bus.Message {
	kept := queue[:0]
	for _, msg := range queue {
		if msg.IsReply() {
			kept = append(kept, msg)
		}
	}
	return kept
}

// subscriptions returns client/subscribe messages for the channels local actors listen
// on, so the server session forwards their broadcasts.
func (c *Client) subscriptions() []*bus.Message {
	seen := make(map[string]bool)
	var out []*bus.Message
	for _, a := range c.Hub().Actors() {
		if a == c.Actor {
			continue
		}
		for _, ch := range a.Channels() {
			if seen[ch] || ch == bus.WildcardChannel || ch == bus.ControlChannel || strings.HasPrefix(ch, bus.ControlChannel+".") {
				continue
			}
			seen[ch] = true
			out = append(out, bus.NewMessage(bus.ControlChannel, bus.CmdSubscribe, map[string]any{"channel": ch}))
		}
	}
	return out
}

func (c *Client) flushLocked(queue *[]*bus.Message) {
	for len(*queue) > 0 && c.conn != nil {
		if err := c.conn.WriteMessage((*queue)[0]); err != nil {
			logs.Err.Println("client: write", err)
			return
		}
		*queue = (*queue)[1:]
	}
}
