package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const sampleVars = `{
	"Uptime": 12.5,
	"NumGoroutines": 30,
	"LiveSessions": 2,
	"TotalSessions": 7,
	"BusyConnections": 2,
	"Hub": {"Actors": 5, "Channels": 3, "Delivered": 120, "Failed": 1, "Resets": 0},
	"memstats": {"Alloc": 4096, "Sys": 10000}
}`

func gather(t *testing.T, e *PromExporter) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(e)
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
	return values
}

func serveVars(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestCollect(t *testing.T) {
	addr := serveVars(t, sampleVars)
	values := gather(t, NewPromExporter("test", NewScraper(addr, time.Second)))

	require.Equal(t, float64(1), values["test_up"])
	require.Equal(t, float64(2), values["test_sessions_live_count"])
	require.Equal(t, float64(7), values["test_sessions_total"])
	require.Equal(t, float64(5), values["test_hub_actors"])
	require.Equal(t, float64(120), values["test_hub_delivered_total"])
	require.Equal(t, float64(4096), values["test_malloced_bytes"])
	// Not published by the server yet.
	require.NotContains(t, values, "test_sessions_rejected_total")
}

func TestCollectMissingRequired(t *testing.T) {
	addr := serveVars(t, `{"Uptime": 1, "Hub": {"Actors": 1}}`)
	values := gather(t, NewPromExporter("test", NewScraper(addr, time.Second)))

	require.Equal(t, float64(0), values["test_up"])
	require.Equal(t, float64(1), values["test_hub_actors"])
}

func TestCollectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	values := gather(t, NewPromExporter("test", NewScraper(addr, time.Second)))
	require.Equal(t, float64(0), values["test_up"])
	require.Len(t, values, 1)

	srv.Close()
	values = gather(t, NewPromExporter("test", NewScraper(addr, time.Second)))
	require.Equal(t, float64(0), values["test_up"])
}

func TestParseNumeric(t *testing.T) {
	stats := map[string]any{
		"Hub":  map[string]any{"Actors": float64(3)},
		"Name": "tsync",
	}

	v, err := parseNumeric(stats, "Hub.Actors")
	require.NoError(t, err)
	require.Equal(t, float64(3), v)

	_, err = parseNumeric(stats, "Hub.Missing")
	require.True(t, errors.Is(err, errKeyNotFound))
	_, err = parseNumeric(stats, "Name.Length")
	require.True(t, errors.Is(err, errKeyNotFound))

	_, err = parseNumeric(stats, "Name")
	require.Error(t, err)
	require.False(t, errors.Is(err, errKeyNotFound))
}

func TestMetricsHandler(t *testing.T) {
	addr := serveVars(t, sampleVars)
	rec := httptest.NewRecorder()
	newMetricsHandler(addr, "test", time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test_hub_channels 3")
	require.Contains(t, rec.Body.String(), "promhttp_metric_handler_requests_total")
}
