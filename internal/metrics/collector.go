// Package metrics exposes the hub's operational counters in Prometheus
// text format without pulling in prometheus/client_golang. The metric
// set is fixed; there is no runtime registry.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// The hub's metrics.
var (
	MessagesIngested  = &Counter{name: "chatrouter_messages_ingested_total", help: "Total inbound messages ingested"}
	ResponsesRecorded = &Counter{name: "chatrouter_responses_recorded_total", help: "Total outbound responses recorded"}
	FramesBroadcast   = &Counter{name: "chatrouter_frames_broadcast_total", help: "Total push frames written to stream clients"}
	TriggerFailures   = &Counter{name: "chatrouter_trigger_failures_total", help: "Total failed external-trigger invocations"}
	StreamClients     = &Gauge{name: "chatrouter_stream_clients", help: "Currently connected stream clients"}
)

var (
	counters  = []*Counter{MessagesIngested, ResponsesRecorded, FramesBroadcast, TriggerFailures}
	gauges    = []*Gauge{StreamClients}
	startTime = time.Now()
)

// Handler renders the metric set in Prometheus exposition format.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP chatrouter_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(w, "# TYPE chatrouter_uptime_seconds gauge\n")
		fmt.Fprintf(w, "chatrouter_uptime_seconds %d\n", int64(time.Since(startTime).Seconds()))

		for _, c := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
		}
		for _, g := range gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
		}
	}
}
