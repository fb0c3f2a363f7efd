package main

/******************************************************************************
 *
 *  Description :
 *
 *  Graceful shutdown of the server
 *
 *****************************************************************************/

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tinode/tablesync/logs"
)

const shutdownTimeout = 5 * time.Second

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// listenAndServe runs the TCP and HTTP listeners until a stop signal or a listener failure.
// Either address may be "-" to disable the listener.
func listenAndServe(tcpAddr, httpAddr string, handler http.Handler, stop <-chan bool) error {
	var shuttingDown atomic.Bool
	// Listener failures. Buffered so a listener never blocks on exit.
	failed := make(chan error, 2)

	var ln net.Listener
	if tcpAddr != "-" {
		var err error
		if ln, err = net.Listen("tcp", tcpAddr); err != nil {
			return err
		}
		logs.Info.Printf("Listening for TCP connections on [%s]", ln.Addr())
		go func() {
			err := acceptTCP(ln)
			if shuttingDown.Load() {
				logs.Info.Println("TCP server: stopped")
				err = nil
			}
			failed <- err
		}()
	}

	var server *http.Server
	if httpAddr != "-" {
		server = &http.Server{Addr: httpAddr, Handler: handler}
		go func() {
			logs.Info.Printf("Listening for HTTP connections on [%s]", server.Addr)
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				logs.Info.Println("HTTP server: stopped")
				err = nil
			}
			failed <- err
		}()
	}

	var err error
	select {
	case <-stop:
	case err = <-failed:
		if err != nil {
			logs.Err.Println("Listener failed:", err)
		}
	}

	// Flip the flag that we are terminating and close the Accept-ing sockets, so no new connections are possible
	shuttingDown.Store(true)
	if ln != nil {
		ln.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := server.Shutdown(ctx); serr != nil {
			logs.Warn.Println("HTTP server: shutdown", serr)
		}
		cancel()
	}

	// Terminate all sessions
	globals.sessionStore.Shutdown()

	return err
}
