package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	jcr "github.com/tinode/jsonco"
	"golang.org/x/time/rate"

	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/schema"
	"github.com/tinode/tablesync/transport"
	"github.com/tinode/tablesync/wire"
)

const (
	defaultListen         = ":7070"
	defaultWSListen       = ":7080"
	defaultWSPath         = "/v0/channels"
	defaultExpvarPath     = "/debug/vars"
	defaultMetricsPath    = "/metrics"
	defaultMaxConnections = 1024
)

type rateLimitConfig struct {
	// Inbound messages per second per session. Zero disables the limit.
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

type tableConfig struct {
	schema.Table
	// Channel to serve the table on. Defaults to the table name.
	Channel string `json:"channel"`
}

func (tc *tableConfig) channel() string {
	if tc.Channel != "" {
		return tc.Channel
	}
	return tc.Name
}

type storeConfig struct {
	// mysql, postgres or sqlite. Empty to run without a store.
	Driver string         `json:"driver"`
	DSN    string         `json:"dsn"`
	Tables []*tableConfig `json:"tables"`
}

type configType struct {
	// TCP address to listen on, packet framing.
	Listen string `json:"listen"`
	// HTTP address for websocket clients, stats and metrics. "-" disables.
	WSListen string `json:"ws_listen"`
	WSPath   string `json:"ws_path"`
	// Shared secret for client.auth. Empty disables the auth gate.
	AuthToken      string          `json:"auth_token"`
	MaxConnections int             `json:"max_connections"`
	MaxMessageSize int             `json:"max_message_size"`
	RateLimit      rateLimitConfig `json:"rate_limit"`
	// URL paths for publishing stats with expvar and metrics for prometheus. "-" disables.
	ExpvarPath  string `json:"expvar_path"`
	MetricsPath string `json:"metrics_path"`
	// Profiles from runtime/pprof. Disabled unless set.
	PprofPath string `json:"pprof_path"`
	// Snowflake worker id and 16 byte xtea key, base64, for session ids.
	WorkerID   uint        `json:"worker_id"`
	SessionKey []byte      `json:"session_key"`
	Store      storeConfig `json:"store"`
}

func (c *configType) setDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.WSListen == "" {
		c.WSListen = defaultWSListen
	}
	if c.WSPath == "" {
		c.WSPath = defaultWSPath
	}
	if c.ExpvarPath == "" {
		c.ExpvarPath = defaultExpvarPath
	}
	if c.MetricsPath == "" {
		c.MetricsPath = defaultMetricsPath
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = wire.DefaultMaxPacketSize
	}
}

func (c *configType) sessionConfig() transport.SessionConfig {
	return transport.SessionConfig{
		AuthToken: c.AuthToken,
		RateLimit: rate.Limit(c.RateLimit.PerSecond),
		RateBurst: c.RateLimit.Burst,
	}
}

// loadConfig reads the config file. Parsing errors are reported with line and column.
func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("unmarshal error in config file in %s at %d:%d (offset %d bytes): %w",
				jerr.Field, lnum, cnum, jerr.Offset, err)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %w",
				lnum, cnum, jerr.Offset, err)
		default:
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	config.setDefaults()
	return &config, nil
}

// reloadConfig re-reads the config file and applies the settings which can change at runtime.
func reloadConfig(path string) {
	if !globals.reloadLock.TryLock() {
		// Another reload is in progress, it will see the latest file.
		return
	}
	defer globals.reloadLock.Unlock()

	config, err := loadConfig(path)
	if err != nil {
		logs.Warn.Println("config: reload failed:", err)
		return
	}
	setSessionConfig(config.sessionConfig())
}

// watchConfig reloads the config file when it is written. The directory is watched so
// files replaced by editors are picked up too.
func watchConfig(path string) (*fsnotify.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					reloadConfig(abs)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logs.Warn.Println("config: watcher error:", err)
			}
		}
	}()
	return watcher, nil
}
