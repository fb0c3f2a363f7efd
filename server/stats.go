// Logic related to expvar handling: reporting live stats such as
// session counts, hub counters, memory usage etc.
// The stats updates happen in a separate go routine to avoid
// locking on main logic routines.

package main

import (
	"expvar"
	"net/http"
	"runtime"
	"time"

	"github.com/tinode/tablesync/logs"
)

type varUpdate struct {
	// Name of the variable to update
	varname string
	// Integer value to publish
	count int64
	// Treat the count as an increment as opposite to the final value.
	inc bool
}

var statsUpdate chan *varUpdate

// Initialize stats reporting through expvar.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, expvar.Handler())
	statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() any {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))
	expvar.Publish("Hub", expvar.Func(func() any {
		return globals.hub.Stats()
	}))
	expvar.Publish("BusyConnections", expvar.Func(func() any {
		return globals.pool.Busy()
	}))

	go statsUpdater()

	logs.Info.Printf("stats: variables exposed at '%s'", path)
}

// Register integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	if statsUpdate != nil {
		expvar.Publish(name, new(expvar.Int))
	}
}

// Async publish int variable.
func statsSet(name string, val int64) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if statsUpdate != nil {
		statsUpdate <- nil
	}
}

// The go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range statsUpdate {
		if upd == nil {
			break
		}
		upd.apply()
	}

	logs.Info.Println("stats: shutdown")
}

// apply writes the update to its variable. Unknown names are a programming error.
func (upd *varUpdate) apply() {
	intvar, ok := expvar.Get(upd.varname).(*expvar.Int)
	if !ok {
		panic("stats: update to unknown or non-integer variable " + upd.varname)
	}
	if upd.inc {
		intvar.Add(upd.count)
	} else {
		intvar.Set(upd.count)
	}
}
