// Standalone Prometheus exporter: reads the expvar page of a sync server and
// republishes its counters as Prometheus metrics.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/tinode/tablesync/logs"
)

type promHTTPLogger struct{}

func (l promHTTPLogger) Println(v ...any) {
	logs.Err.Println(v...)
}

func main() {
	var (
		logFlags    = flag.String("log_flags", "stdFlags", "Comma-separated list of log flags")
		serverAddr  = flag.String("server_addr", "http://localhost:7080/debug/vars", "Address of the expvar page of the server to scrape.")
		listenAt    = flag.String("listen_at", ":6222", "Host name and port to listen for incoming requests on.")
		namespace   = flag.String("prom_namespace", "tsync", "Prometheus namespace for metrics '<namespace>_...'")
		metricsPath = flag.String("prom_metrics_path", "/metrics", "Path under which to expose metrics for Prometheus scrapes.")
		timeout     = flag.Int("prom_timeout", 15, "Server connection timeout in seconds in response to Prometheus scrapes.")
	)
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	if *metricsPath == "/" {
		logs.Err.Fatal("Serving metrics from / is not supported")
	}

	mux := http.NewServeMux()
	mux.Handle(*metricsPath, newMetricsHandler(*serverAddr, *namespace, time.Duration(*timeout)*time.Second))

	// Index page at web root.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Sync Server Exporter</title></head><body>
<h1>Sync Server Exporter</h1>
<p>Prometheus exporter path: <a href='` + *metricsPath + `'>Metrics</a></p>
<h2>Build</h2>
<pre>` + version.Info() + ` ` + version.BuildContext() + `</pre>
</body></html>`))
	})

	logs.Info.Println("Reading expvar from", *serverAddr)
	logs.Info.Printf("Serving metrics at %s%s", *listenAt, *metricsPath)
	logs.Err.Fatalln(http.ListenAndServe(*listenAt, mux))
}

func newMetricsHandler(serverAddr, namespace string, timeout time.Duration) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPromExporter(namespace, NewScraper(serverAddr, timeout)))
	return promhttp.InstrumentMetricHandler(
		registry,
		promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				ErrorLog: &promHTTPLogger{},
				Timeout:  timeout,
			},
		),
	)
}
