package main

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/concurrency"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/schema"
	"github.com/tinode/tablesync/transport"
	"github.com/tinode/tablesync/wire"
)

const testConfig = `{
	// Comments are allowed.
	"listen": ":9000",
	"auth_token": "one",
	"rate_limit": {"per_second": 5, "burst": 10},
	"session_key": "AAECAwQFBgcICQoLDA0ODw==",
	"store": {
		"driver": "sqlite",
		"dsn": ":memory:",
		"tables": [{
			"name": "orders",
			"channel": "sales",
			"columns": [
				{"name": "id", "type": "uuid"},
				{"name": "note", "type": "text", "nullable": true}
			]
		}]
	}
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsync.conf")
	writeConfig(t, path, testConfig)

	config, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", config.Listen)
	require.Equal(t, defaultWSListen, config.WSListen)
	require.Equal(t, defaultWSPath, config.WSPath)
	require.Equal(t, wire.DefaultMaxPacketSize, config.MaxMessageSize)
	require.Equal(t, defaultMaxConnections, config.MaxConnections)
	require.Len(t, config.SessionKey, sessionKeyLength)

	sc := config.sessionConfig()
	require.Equal(t, "one", sc.AuthToken)
	require.EqualValues(t, 5, sc.RateLimit)
	require.Equal(t, 10, sc.RateBurst)

	require.Len(t, config.Store.Tables, 1)
	tc := config.Store.Tables[0]
	require.Equal(t, "orders", tc.Name)
	require.Equal(t, "sales", tc.channel())
	require.Equal(t, schema.Column{Name: "note", Type: schema.Text, Nullable: true}, tc.Columns[1])
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "type.conf")
	writeConfig(t, path, "{\n\t\"listen\": \":9000\",\n\t\"max_connections\": \"many\"\n}")
	_, err := loadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal error")
	require.Contains(t, err.Error(), "max_connections")

	path = filepath.Join(dir, "syntax.conf")
	writeConfig(t, path, "{\n\t\"listen\": \n}")
	_, err = loadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "syntax error")

	_, err = loadConfig(filepath.Join(dir, "missing.conf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsync.conf")
	writeConfig(t, path, `{"auth_token": "one"}`)
	setSessionConfig(transport.SessionConfig{AuthToken: "one"})

	writeConfig(t, path, `{"auth_token": "two"}`)
	reloadConfig(path)
	require.Equal(t, "two", currentSessionConfig().AuthToken)

	// A broken file keeps the old settings.
	writeConfig(t, path, `{"auth_token": `)
	reloadConfig(path)
	require.Equal(t, "two", currentSessionConfig().AuthToken)

	// Reloads do not overlap.
	writeConfig(t, path, `{"auth_token": "three"}`)
	globals.reloadLock.Lock()
	reloadConfig(path)
	globals.reloadLock.Unlock()
	require.Equal(t, "two", currentSessionConfig().AuthToken)
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsync.conf")
	writeConfig(t, path, `{"auth_token": "one"}`)
	setSessionConfig(transport.SessionConfig{AuthToken: "one"})

	watcher, err := watchConfig(path)
	require.NoError(t, err)
	defer watcher.Close()

	writeConfig(t, path, `{"auth_token": "four"}`)
	require.Eventually(t, func() bool {
		return currentSessionConfig().AuthToken == "four"
	}, 5*time.Second, 20*time.Millisecond)
}

func ordersConfig() *storeConfig {
	return &storeConfig{
		Driver: "sqlite",
		Tables: []*tableConfig{{
			Table: schema.Table{
				Name: "orders",
				Columns: []schema.Column{
					{Name: "id", Type: schema.UUID},
					{Name: "status", Type: schema.Text},
					{Name: "updated_at", Type: schema.Integer},
				},
			},
		}},
	}
}

// startServer initializes globals and serves TCP clients on a random port.
func startServer(t *testing.T, token string, maxConnections int) string {
	t.Helper()

	ids, err := transport.NewSessionIDs(1, make([]byte, sessionKeyLength))
	require.NoError(t, err)
	globals.hub = bus.NewHub()
	bus.NewPingResponder(globals.hub)
	globals.sessionStore = transport.NewSessionStore(ids)
	globals.pool = concurrency.NewGoRoutinePool(maxConnections)
	globals.maxMessageSize = wire.DefaultMaxPacketSize
	setSessionConfig(transport.SessionConfig{AuthToken: token})

	store := ordersConfig()
	store.DSN = filepath.Join(t.TempDir(), "orders.db")
	require.NoError(t, openStore(context.Background(), store))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptTCP(ln)

	t.Cleanup(func() {
		ln.Close()
		globals.sessionStore.Shutdown()
		closeStore()
		globals.pool.Stop()
	})
	return ln.Addr().String()
}

func TestServeTCP(t *testing.T) {
	addr := startServer(t, "secret", 4)

	hub := bus.NewHub()
	client := transport.NewClient(hub, transport.ClientConfig{
		Addr:           addr,
		AuthToken:      "secret",
		ReconnectDelay: 50 * time.Millisecond,
	})
	defer client.Close()
	client.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.NewString()
	var created *bus.Message
	err := bus.NewRequest(hub, crud.NewCreate("orders", "orders", crud.Item{"id": id, "status": "open"}).Message()).
		FailOnError().
		DeleteOnFinished().
		Then(func(reply *bus.Message) error {
			created = reply
			return nil
		}).
		SendAndWait(ctx)
	require.NoError(t, err)
	require.Equal(t, "create:result", created.Command)

	var indexed *bus.Message
	err = bus.NewRequest(hub, crud.NewIndex("orders", "orders").Message()).
		FailOnError().
		DeleteOnFinished().
		Then(func(reply *bus.Message) error {
			indexed = reply
			return nil
		}).
		SendAndWait(ctx)
	require.NoError(t, err)
	res, err := crud.ParseResult(indexed)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, id, res.Items[0]["id"])
	require.Equal(t, "open", res.Items[0]["status"])

	require.Equal(t, 1, globals.sessionStore.Count())
}

func TestServeTCPPoolExhausted(t *testing.T) {
	addr := startServer(t, "", 1)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	first.SetDeadline(time.Now().Add(5 * time.Second))
	conn := wire.NewConn(first, 0)

	// The first connection is served: pings are answered.
	ping := bus.NewMessage(bus.PingChannel, bus.CmdPingRequest, map[string]any{"timestamp": 1})
	require.NoError(t, conn.WriteMessage(ping))
	reply, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, bus.CmdPingReply, reply.Command)
	require.Equal(t, ping.ID, reply.ReplyTo)

	// The second one is closed right away.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = wire.NewConn(second, 0).ReadMessage()
	require.Error(t, err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		require.False(t, nerr.Timeout(), "connection was not closed")
	}
}

func TestHubCollector(t *testing.T) {
	hub := bus.NewHub()
	actor := bus.NewActor(hub, bus.ReceiverFunc(func(*bus.Message) error { return nil }))
	actor.SubscribeTo("orders")
	pool := concurrency.NewGoRoutinePool(3)
	defer pool.Stop()

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(newHubCollector("test", hub, func() int { return 2 }, pool))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			values[mf.GetName()] = g.GetValue()
		} else if c := m.GetCounter(); c != nil {
			values[mf.GetName()] = c.GetValue()
		}
	}
	require.Equal(t, float64(1), values["test_hub_actors"])
	require.Equal(t, float64(1), values["test_hub_channels"])
	require.Equal(t, float64(2), values["test_sessions_live_count"])
	require.Equal(t, float64(3), values["test_pool_size"])
	require.Contains(t, values, "test_hub_delivered_total")
}

func TestServePprof(t *testing.T) {
	mux := newServeMux(&configType{WSPath: defaultWSPath, PprofPath: "debug/pprof"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "goroutine")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "heap")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/nothing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/heap?debug=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/heap?debug=x", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Disabled by default.
	rec = httptest.NewRecorder()
	newServeMux(&configType{WSPath: defaultWSPath}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/heap", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsApply(t *testing.T) {
	expvar.Publish("TestSessions", new(expvar.Int))

	(&varUpdate{varname: "TestSessions", count: 5}).apply()
	(&varUpdate{varname: "TestSessions", count: 2, inc: true}).apply()
	require.Equal(t, "7", expvar.Get("TestSessions").String())

	require.Panics(t, func() { (&varUpdate{varname: "NoSuchVar", count: 1}).apply() })
}
