package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Peer is a message connection to another process.
type Peer interface {
	ReadMessage() (*bus.Message, error)
	WriteMessage(msg *bus.Message) error
	Close() error
	RemoteAddr() string
}

type tcpPeer struct {
	*wire.Conn
	conn net.Conn
}

// NewTCPPeer wraps a stream connection using length-prefixed framing.
func NewTCPPeer(conn net.Conn, maxMessageSize int) Peer {
	return &tcpPeer{Conn: wire.NewConn(conn, maxMessageSize), conn: conn}
}

func (p *tcpPeer) Close() error {
	return p.conn.Close()
}

func (p *tcpPeer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// wsPeer sends one message per text frame and keeps the connection alive with pings.
type wsPeer struct {
	ws   *websocket.Conn
	addr string

	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewWSPeer wraps a websocket connection.
func NewWSPeer(ws *websocket.Conn, remoteAddr string, maxMessageSize int) Peer {
	p := &wsPeer{ws: ws, addr: remoteAddr, done: make(chan struct{})}
	if maxMessageSize > 0 {
		ws.SetReadLimit(int64(maxMessageSize))
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go p.pingLoop()
	return p
}

func (p *wsPeer) ReadMessage() (*bus.Message, error) {
	_, raw, err := p.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	return wire.Decode(raw)
}

func (p *wsPeer) WriteMessage(msg *bus.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(websocket.TextMessage, raw)
}

func (p *wsPeer) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.ws.Close()
}

func (p *wsPeer) RemoteAddr() string {
	return p.addr
}
