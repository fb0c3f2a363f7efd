package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/concurrency"
	"github.com/tinode/tablesync/logs"
)

const metricsNamespace = "tsync"

// hubCollector reports hub and session counters to prometheus.
type hubCollector struct {
	hub      *bus.Hub
	sessions func() int
	pool     *concurrency.GoRoutinePool

	actors       *prometheus.Desc
	channels     *prometheus.Desc
	delivered    *prometheus.Desc
	failed       *prometheus.Desc
	resets       *prometheus.Desc
	sessionsLive *prometheus.Desc
	poolBusy     *prometheus.Desc
	poolSize     *prometheus.Desc
}

func newHubCollector(namespace string, hub *bus.Hub, sessions func() int, pool *concurrency.GoRoutinePool) *hubCollector {
	return &hubCollector{
		hub:      hub,
		sessions: sessions,
		pool:     pool,
		actors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hub", "actors"),
			"Number of actors registered with the hub.",
			nil,
			nil,
		),
		channels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hub", "channels"),
			"Number of channels with at least one subscriber.",
			nil,
			nil,
		),
		delivered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hub", "delivered_total"),
			"Messages handed to actors.",
			nil,
			nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hub", "failed_total"),
			"Deliveries which failed and were answered with an error.",
			nil,
			nil,
		),
		resets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hub", "resets_total"),
			"Hub-wide client/reset broadcasts.",
			nil,
			nil,
		),
		sessionsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_live_count"),
			"Number of currenly connected sessions.",
			nil,
			nil,
		),
		poolBusy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "busy"),
			"Connections being served.",
			nil,
			nil,
		),
		poolSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "size"),
			"Maximum number of concurrently served connections.",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *hubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.actors
	ch <- c.channels
	ch <- c.delivered
	ch <- c.failed
	ch <- c.resets
	ch <- c.sessionsLive
	ch <- c.poolBusy
	ch <- c.poolSize
}

// Collect implements prometheus.Collector.
func (c *hubCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.hub.Stats()
	ch <- prometheus.MustNewConstMetric(c.actors, prometheus.GaugeValue, float64(st.Actors))
	ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(st.Channels))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.Failed))
	ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(st.Resets))
	ch <- prometheus.MustNewConstMetric(c.sessionsLive, prometheus.GaugeValue, float64(c.sessions()))
	ch <- prometheus.MustNewConstMetric(c.poolBusy, prometheus.GaugeValue, float64(c.pool.Busy()))
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(c.pool.Size()))
}

// metricsInit exposes prometheus metrics at the path.
func metricsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newHubCollector(metricsNamespace, globals.hub, globals.sessionStore.Count, globals.pool),
	)
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logs.Info.Printf("stats: prometheus metrics exposed at '%s'", path)
}
