/******************************************************************************
 *
 *  Description :
 *    Server side of a peer connection: a bus actor forwarding between the
 *    hub and one TCP or websocket client, gated by a shared token.
 *
 *****************************************************************************/

package transport

import (
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/wire"
	"golang.org/x/time/rate"
)

// ErrRateLimited is the text of the error reply to messages over the inbound rate.
const ErrRateLimited = "rate limit exceeded"

// SessionConfig holds per-session settings.
type SessionConfig struct {
	// Shared secret expected in client.auth/attempt. Empty disables the gate.
	AuthToken string
	// Inbound messages per second, unlimited when zero.
	RateLimit rate.Limit
	RateBurst int
}

// Session bridges one peer to the hub.
type Session struct {
	*bus.ExternalActor

	sid     string
	peer    Peer
	limiter *rate.Limiter

	// Guards the auth state and serializes writes to the peer.
	mu sync.Mutex
	// Expected token, empty once authenticated.
	token    string
	inQueue  []*bus.Message
	outQueue []*bus.Message

	closeOnce sync.Once
	onClose   func(*Session)
}

// NewSession registers a session actor for the peer. Call Serve to start reading.
func NewSession(hub *bus.Hub, sid string, peer Peer, cfg SessionConfig) *Session {
	s := &Session{
		sid:     sid,
		peer:    peer,
		token:   cfg.AuthToken,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	s.ExternalActor = bus.NewExternalActor(hub, s)
	return s
}

// SID returns the session id.
func (s *Session) SID() string {
	return s.sid
}

// RemoteAddr returns the address of the peer.
func (s *Session) RemoteAddr() string {
	return s.peer.RemoteAddr()
}

// IsAuthenticated reports whether the peer passed the auth gate.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == ""
}

// Serve reads messages from the peer until the connection fails, then closes the session.
func (s *Session) Serve() {
	defer s.Close()

	for {
		msg, err := s.peer.ReadMessage()
		if err != nil {
			if isMalformed(err) {
				logs.Warn.Println("session: dropped malformed message", s.sid, err)
				continue
			}
			if !isClosed(err) {
				logs.Err.Println("session: read", s.sid, err)
			}
			return
		}
		s.received(msg)
	}
}

// Close disconnects the peer and unregisters the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.peer.Close()
		s.Stop()
		if s.onClose != nil {
			s.onClose(s)
		}
		logs.Info.Println("session: closed", s.sid)
	})
}

// SendToExternal implements bus.Transport. Until the peer is authenticated only
// BypassAuth and client.auth messages are written, the rest is queued.
func (s *Session) SendToExternal(msg *bus.Message) error {
	if msg.IsError() && !msg.IsReply() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && !msg.HasFlag(bus.BypassAuth) && msg.Channel != bus.AuthChannel {
		s.outQueue = append(s.outQueue, msg)
		return nil
	}
	return s.peer.WriteMessage(msg)
}

// write sends a message to the peer bypassing the auth gate.
func (s *Session) write(msg *bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.peer.WriteMessage(msg); err != nil {
		logs.Err.Println("session: write", s.sid, err)
	}
}

func (s *Session) received(msg *bus.Message) {
	if msg.Channel == bus.PingChannel && msg.Command == bus.CmdPingRequest && !msg.IsReply() {
		s.write(msg.CreateReply(bus.CmdPingReply, msg.Data))
		return
	}
	if !s.limiter.Allow() {
		s.write(msg.CreateErrorReply(ErrRateLimited))
		return
	}

	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		s.forward(msg)
		return
	}
	if msg.Channel != bus.AuthChannel || msg.Command != bus.CmdAuthAttempt {
		s.inQueue = append(s.inQueue, msg)
		s.mu.Unlock()
		s.write(msg.CreateReplyOn(bus.AuthChannel, bus.CmdAuthChallenge, nil))
		return
	}

	if subtle.ConstantTimeCompare([]byte(msg.DataString("token")), []byte(s.token)) != 1 {
		s.mu.Unlock()
		logs.Warn.Println("session: authentication failed", s.sid, s.peer.RemoteAddr())
		s.write(msg.CreateReplyOn(bus.AuthChannel, bus.CmdAuthResponse, map[string]any{"success": false}))
		return
	}

	s.token = ""
	if err := s.peer.WriteMessage(msg.CreateReplyOn(bus.AuthChannel, bus.CmdAuthResponse, map[string]any{"success": true})); err != nil {
		logs.Err.Println("session: write", s.sid, err)
	}
	for _, out := range s.outQueue {
		if err := s.peer.WriteMessage(out); err != nil {
			logs.Err.Println("session: write", s.sid, err)
			break
		}
	}
	inbound := s.inQueue
	s.inQueue, s.outQueue = nil, nil
	s.mu.Unlock()

	logs.Info.Println("session: authenticated", s.sid)
	for _, in := range inbound {
		s.forward(in)
	}
}

// forward injects a peer message into the hub. Of the control channel only
// subscribe and unsubscribe are accepted.
func (s *Session) forward(msg *bus.Message) {
	if msg.Channel == bus.ControlChannel && msg.Command != bus.CmdSubscribe && msg.Command != bus.CmdUnsubscribe {
		logs.Warn.Println("session: dropped control message from peer", s.sid, msg.Command)
		return
	}
	s.ReceivedFromExternal(msg)
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}

func isMalformed(err error) bool {
	return errors.Is(err, wire.ErrMalformed)
}
