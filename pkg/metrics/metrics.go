// Package metrics exposes the bridge's Prometheus instruments on a
// private registry, kept off the default one so tests can register
// freely.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// CloudCalls counts account-service round trips by operation.
	CloudCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "cloud_calls_total",
		Help:      "Account service calls by operation and outcome.",
	}, []string{"op", "outcome"})

	// IOCtlDuration observes command round trips over the AV channel.
	IOCtlDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge",
		Name:      "ioctl_duration_seconds",
		Help:      "IOCtrl request/response round-trip time by command code.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"code"})

	// Snapshots counts still images produced, by source.
	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "snapshots_total",
		Help:      "Snapshots grabbed, by source (rtsp or boa).",
	}, []string{"source"})

	// RelayEvents counts records read from the media-relay event pipe.
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "relay_events_total",
		Help:      "Media-relay event pipe records by kind.",
	}, []string{"kind"})
)

func init() {
	registry.MustRegister(CloudCalls, IOCtlDuration, Snapshots, RelayEvents)
}

// MustRegister adds collectors built at wiring time, like the stream
// collector.
func MustRegister(cs ...prometheus.Collector) {
	registry.MustRegister(cs...)
}

// Handler serves the registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
