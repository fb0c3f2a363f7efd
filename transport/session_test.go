package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/wire"
	"golang.org/x/time/rate"
)

// localActor forwards everything it receives to a channel.
type localActor struct {
	*bus.Actor
	got    chan *bus.Message
	resets chan struct{}
}

func newLocalActor(hub *bus.Hub, channels ...string) *localActor {
	l := &localActor{got: make(chan *bus.Message, 16), resets: make(chan struct{}, 4)}
	l.Actor = bus.NewActor(hub, l)
	for _, ch := range channels {
		l.SubscribeTo(ch)
	}
	return l
}

func (l *localActor) Receive(msg *bus.Message) error {
	l.got <- msg
	return nil
}

func (l *localActor) Reset() {
	l.resets <- struct{}{}
}

func (l *localActor) next(t *testing.T) *bus.Message {
	t.Helper()
	select {
	case msg := <-l.got:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
	return nil
}

func readMessage(t *testing.T, c *wire.Conn) *bus.Message {
	t.Helper()
	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func route(msg *bus.Message) string {
	return msg.Channel + "/" + msg.Command
}

func startSession(t *testing.T, hub *bus.Hub, cfg SessionConfig) (*Session, *wire.Conn, net.Conn, chan struct{}) {
	t.Helper()
	a, b := net.Pipe()
	b.SetDeadline(time.Now().Add(10 * time.Second))
	s := NewSession(hub, "test", NewTCPPeer(a, 0), cfg)
	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()
	return s, wire.NewConn(b, 0), b, done
}

func TestSessionAuthGate(t *testing.T) {
	hub := bus.NewHub()
	local := newLocalActor(hub, "orders")
	s, peer, raw, done := startSession(t, hub, SessionConfig{AuthToken: "secret"})
	s.SubscribeTo("orders")

	local.Send(bus.NewMessage("orders", "create:result", map[string]any{"table": "orders"}))

	index := bus.NewMessage("orders", "index", map[string]any{"table": "orders"})
	peer.WriteMessage(index)
	challenge := readMessage(t, peer)
	if route(challenge) != "client.auth/challenge" || challenge.ReplyTo != index.ID {
		t.Errorf("challenge = %v", challenge)
	}

	peer.WriteMessage(bus.NewMessage(bus.AuthChannel, bus.CmdAuthAttempt, map[string]any{"token": "wrong"}))
	if resp := readMessage(t, peer); route(resp) != "client.auth/response" || resp.DataObject()["success"] != false {
		t.Errorf("wrong token response = %v", resp)
	}
	if s.IsAuthenticated() {
		t.Fatal("authenticated with a wrong token")
	}

	peer.WriteMessage(bus.NewMessage(bus.AuthChannel, bus.CmdAuthAttempt, map[string]any{"token": "secret"}))
	if resp := readMessage(t, peer); resp.DataObject()["success"] != true {
		t.Errorf("response = %v", resp)
	}
	if got := readMessage(t, peer); route(got) != "orders/create:result" {
		t.Errorf("queued outbound message = %v", got)
	}
	if got := local.next(t); got.ID != index.ID {
		t.Errorf("queued inbound message = %v", got)
	}

	ping := bus.NewMessage(bus.PingChannel, bus.CmdPingRequest, map[string]any{"timestamp": float64(5)})
	peer.WriteMessage(ping)
	if reply := readMessage(t, peer); route(reply) != "client.ping/reply" || reply.ReplyTo != ping.ID ||
		!cmp.Equal(reply.Data, ping.Data) {
		t.Errorf("ping reply = %v", reply)
	}

	raw.Close()
	<-done
	if hub.IsRegistered(s.Actor) {
		t.Error("closed session is still registered")
	}
}

func TestSessionInbound(t *testing.T) {
	hub := bus.NewHub()
	local := newLocalActor(hub, "orders")
	s, peer, raw, done := startSession(t, hub, SessionConfig{RateLimit: rate.Every(time.Hour), RateBurst: 3})
	defer func() {
		raw.Close()
		<-done
	}()

	// Malformed packets are dropped, the stream continues.
	wire.WritePacket(raw, []byte("junk"))
	peer.WriteMessage(bus.NewMessage(bus.ControlChannel, bus.CmdSubscribe, map[string]any{"channel": "orders"}))
	peer.WriteMessage(bus.NewMessage(bus.ControlChannel, bus.CmdReset, nil))
	first := bus.NewMessage("orders", "read", map[string]any{"table": "orders"})
	peer.WriteMessage(first)
	if got := local.next(t); got.ID != first.ID {
		t.Errorf("forwarded %v", got)
	}
	select {
	case <-local.resets:
		t.Error("peer reset the hub")
	default:
	}
	if !s.IsSubscribed("orders") {
		t.Error("peer subscription not applied")
	}

	over := bus.NewMessage("orders", "read", map[string]any{"table": "orders"})
	peer.WriteMessage(over)
	reply := readMessage(t, peer)
	if route(reply) != "orders/error" || reply.ReplyTo != over.ID || reply.DataObject()["msg"] != ErrRateLimited {
		t.Errorf("rate limit reply = %v", reply)
	}

	// Errors without a request are not sent to the peer; replies are.
	local.Send(bus.NewMessage("orders", bus.CmdError, map[string]any{"msg": "x"}))
	local.Send(first.CreateReply("read:result", map[string]any{"table": "orders"}))
	if got := readMessage(t, peer); route(got) != "orders/read:result" {
		t.Errorf("got %v", got)
	}
}

func TestSessionWebsocket(t *testing.T) {
	hub := bus.NewHub()
	local := newLocalActor(hub, "orders")
	sessions := make(chan *Session, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewSession(hub, "ws", NewWSPeer(ws, r.RemoteAddr, 0), SessionConfig{})
		s.SubscribeTo("orders")
		sessions <- s
		go s.Serve()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	s := <-sessions
	defer s.Close()

	raw, _ := wire.Encode(bus.NewMessage("orders", "index", map[string]any{"table": "orders"}))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}
	if got := local.next(t); route(got) != "orders/index" {
		t.Errorf("forwarded %v", got)
	}

	local.Send(bus.NewMessage("orders", "delete:result", map[string]any{"table": "orders"}))
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	got, err := wire.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if route(got) != "orders/delete:result" {
		t.Errorf("got %v", got)
	}
}

func TestSessionIDs(t *testing.T) {
	ids, err := NewSessionIDs(1, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sid := ids.Next()
		if len(sid) != sidLength || seen[sid] {
			t.Fatalf("bad or duplicate id %q", sid)
		}
		seen[sid] = true
	}
	if _, err := NewSessionIDs(1, []byte("short")); err == nil {
		t.Error("short key accepted")
	}
}

func TestSessionStore(t *testing.T) {
	hub := bus.NewHub()
	ids, _ := NewSessionIDs(2, []byte("0123456789abcdef"))
	ss := NewSessionStore(ids)

	a, b := net.Pipe()
	defer b.Close()
	s, count := ss.NewSession(hub, NewTCPPeer(a, 0), SessionConfig{})
	if count != 1 || ss.Get(s.SID()) != s {
		t.Fatalf("count = %d", count)
	}
	ss.Shutdown()
	if ss.Count() != 0 || hub.IsRegistered(s.Actor) {
		t.Error("session survived shutdown")
	}
}
