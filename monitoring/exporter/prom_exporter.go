package main

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinode/tablesync/logs"
)

type promMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	// Dotted path of the value in the expvar page.
	path string
	// Variables registered only when enabled on the server may be missing.
	optional bool
}

// PromExporter collects metrics in Prometheus format from a sync server.
type PromExporter struct {
	scraper *Scraper

	up      *prometheus.Desc
	metrics []promMetric
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(namespace string, scraper *Scraper) *PromExporter {
	metric := func(name, help string, valueType prometheus.ValueType, path string, optional bool) promMetric {
		return promMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			valueType: valueType,
			path:      path,
			optional:  optional,
		}
	}

	return &PromExporter{
		scraper: scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the server is reachable.",
			nil,
			nil,
		),
		metrics: []promMetric{
			metric("uptime_seconds", "Seconds since the server start.", prometheus.GaugeValue, "Uptime", false),
			metric("goroutines", "Number of goroutines.", prometheus.GaugeValue, "NumGoroutines", false),
			metric("sessions_live_count", "Number of currently active sessions.", prometheus.GaugeValue, "LiveSessions", true),
			metric("sessions_total", "Total number of sessions since instance start.", prometheus.CounterValue, "TotalSessions", true),
			metric("sessions_rejected_total", "Connections turned away because all workers were busy.", prometheus.CounterValue, "RejectedSessions", true),
			metric("connections_busy", "Number of workers serving connections.", prometheus.GaugeValue, "BusyConnections", false),
			metric("hub_actors", "Number of actors attached to the hub.", prometheus.GaugeValue, "Hub.Actors", false),
			metric("hub_channels", "Number of channels with at least one subscriber.", prometheus.GaugeValue, "Hub.Channels", false),
			metric("hub_delivered_total", "Messages delivered to actors.", prometheus.CounterValue, "Hub.Delivered", false),
			metric("hub_failed_total", "Deliveries which ended with an error.", prometheus.CounterValue, "Hub.Failed", false),
			metric("hub_resets_total", "Times the hub was reset.", prometheus.CounterValue, "Hub.Resets", false),
			metric("malloced_bytes", "Number of bytes of memory allocated and in use.", prometheus.GaugeValue, "memstats.Alloc", false),
		},
	}
}

// Describe describes all the metrics exported by the exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	for _, m := range e.metrics {
		ch <- m.desc
	}
}

// Collect fetches statistics from the configured server, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	up := float64(1)
	if stats, err := e.scraper.Scrape(); err != nil {
		logs.Warn.Println("Failed to fetch or parse response", err)
		up = 0
	} else if err := e.parseStats(ch, stats); err != nil {
		logs.Warn.Println("Failed to parse stats", err)
		up = 0
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

// parseStats reports every value it can find and returns the first error.
func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]any) error {
	var first error
	for _, m := range e.metrics {
		v, err := parseNumeric(stats, m.path)
		if err != nil {
			if m.optional && errors.Is(err, errKeyNotFound) {
				continue
			}
			if first == nil {
				first = err
			}
			continue
		}
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, v)
	}
	return first
}
