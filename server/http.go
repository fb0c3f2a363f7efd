/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization, websocket handler and session startup.
 *
 *****************************************************************************/

package main

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newServeMux(config *configType) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(config.WSPath, serveWebSocket)
	servePprof(mux, config.PprofPath)
	return mux
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		logs.Err.Println("ws: Invalid HTTP method", req.Method)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	// The connection outlives the handler, it is served by the pool.
	peer := transport.NewWSPeer(ws, req.RemoteAddr, globals.maxMessageSize)
	if !startSession(peer) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(time.Second))
		ws.Close()
	}
}

// acceptTCP serves packet-framed TCP clients until the listener is closed.
func acceptTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(3 * time.Minute)
		}
		if !startSession(transport.NewTCPPeer(conn, globals.maxMessageSize)) {
			conn.Close()
		}
	}
}

// startSession serves the peer on the connection pool. Returns false if the pool is exhausted.
func startSession(peer transport.Peer) bool {
	ok := globals.pool.TrySchedule(func() {
		sess, count := globals.sessionStore.NewSession(globals.hub, peer, currentSessionConfig())
		statsInc("TotalSessions", 1)
		statsSet("LiveSessions", int64(count))
		logs.Info.Println("session: new", sess.SID(), sess.RemoteAddr(), "count:", count)

		sess.Serve()
		statsSet("LiveSessions", int64(globals.sessionStore.Count()))
	})
	if !ok {
		statsInc("RejectedSessions", 1)
		logs.Warn.Println("session: too many connections, rejected", peer.RemoteAddr())
	}
	return ok
}
