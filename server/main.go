/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization of the sync server: configuration, table actors
 *  backed by the SQL store, TCP and websocket listeners.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/rand"
	"flag"
	"os"
	"runtime"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/jmoiron/sqlx"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/concurrency"
	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/server/sqlbridge"
	"github.com/tinode/tablesync/transport"
)

const (
	// Length of the session id encryption key, xtea.
	sessionKeyLength = 16
)

var globals struct {
	hub          *bus.Hub
	sessionStore *transport.SessionStore
	// Bounds the number of concurrently served connections.
	pool *concurrency.GoRoutinePool
	db   *sqlx.DB
	// Table actors.
	tables []*sqlbridge.Table

	maxMessageSize int

	// Settings applied to new sessions. May change on config reload.
	sessLock      sync.RWMutex
	sessionConfig transport.SessionConfig

	// Prevents overlapping config reloads.
	reloadLock sync.Mutex
}

func main() {
	logs.Info.Printf("Server pid=%d started with processes: %d", os.Getpid(),
		runtime.GOMAXPROCS(runtime.NumCPU()))

	var configfile = flag.String("config", "./tsync.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for TCP clients.")
	var wsListenOn = flag.String("ws_listen", "", "Override address and port to listen on for websocket and HTTP clients.")
	var logFlags = flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)
	logs.Info.Printf("Using config from '%s'", *configfile)

	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal(err)
	}
	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if *wsListenOn != "" {
		config.WSListen = *wsListenOn
	}

	if len(config.SessionKey) == 0 {
		// Session ids only need to be unique within a process lifetime.
		config.SessionKey = make([]byte, sessionKeyLength)
		if _, err := rand.Read(config.SessionKey); err != nil {
			logs.Err.Fatal("Failed to generate session key: ", err)
		}
	}
	ids, err := transport.NewSessionIDs(config.WorkerID, config.SessionKey)
	if err != nil {
		logs.Err.Fatal("Invalid worker_id or session_key: ", err)
	}

	globals.hub = bus.NewHub()
	bus.NewPingResponder(globals.hub)
	globals.sessionStore = transport.NewSessionStore(ids)
	globals.pool = concurrency.NewGoRoutinePool(config.MaxConnections)
	globals.maxMessageSize = config.MaxMessageSize
	globals.sessionConfig = config.sessionConfig()

	if err = openStore(context.Background(), &config.Store); err != nil {
		logs.Err.Fatal("Failed to open store: ", err)
	}
	defer closeStore()

	watcher, err := watchConfig(*configfile)
	if err != nil {
		logs.Warn.Println("Config changes will not be reloaded:", err)
	} else {
		defer watcher.Close()
	}

	mux := newServeMux(config)
	statsInit(mux, config.ExpvarPath)
	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")
	statsRegisterInt("RejectedSessions")
	metricsInit(mux, config.MetricsPath)

	if err = listenAndServe(config.Listen, config.WSListen,
		handlers.CombinedLoggingHandler(os.Stdout, mux), signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	statsShutdown()
	globals.pool.Stop()
	logs.Info.Println("All done, good bye")
}

// openStore connects to the database and starts an actor for every configured table.
func openStore(ctx context.Context, cfg *storeConfig) error {
	if cfg.Driver == "" {
		logs.Warn.Println("No store configured, relaying messages only")
		return nil
	}

	db, err := sqlbridge.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	globals.db = db

	for _, tc := range cfg.Tables {
		table := tc.Table
		tbl := sqlbridge.NewTable(globals.hub, db, tc.channel(), &table)
		globals.tables = append(globals.tables, tbl)
		if err := tbl.EnsureTable(ctx); err != nil {
			return err
		}
		logs.Info.Printf("Serving table '%s' on channel '%s'", table.Name, tc.channel())
	}
	return nil
}

func closeStore() {
	for _, tbl := range globals.tables {
		tbl.Stop()
	}
	globals.tables = nil
	if globals.db != nil {
		globals.db.Close()
		globals.db = nil
		logs.Info.Println("Closed database connection")
	}
}

func currentSessionConfig() transport.SessionConfig {
	globals.sessLock.RLock()
	defer globals.sessLock.RUnlock()
	return globals.sessionConfig
}

func setSessionConfig(cfg transport.SessionConfig) {
	globals.sessLock.Lock()
	changed := globals.sessionConfig.AuthToken != cfg.AuthToken
	globals.sessionConfig = cfg
	globals.sessLock.Unlock()
	if changed {
		logs.Info.Println("config: auth token updated for new sessions")
	}
}
