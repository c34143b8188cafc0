package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamStats is one stream's counters as scraped from the supervisor.
type StreamStats struct {
	URI       string
	State     int
	Forwarded uint64
	Dropped   uint64
	NoReady   uint64
	BadRes    uint64
}

// StreamSource is the slice of the supervisor the collector reads.
type StreamSource interface {
	MetricsSnapshot() []StreamStats
}

var (
	descState = prometheus.NewDesc("bridge_stream_state",
		"Supervisor state code per stream (-90 offline .. 3 connected).",
		[]string{"uri"}, nil)
	descForwarded = prometheus.NewDesc("bridge_frames_forwarded_total",
		"Frames written to the ffmpeg sink.",
		[]string{"uri"}, nil)
	descDropped = prometheus.NewDesc("bridge_frames_dropped_total",
		"Frames discarded by the pump's staleness and size guards.",
		[]string{"uri"}, nil)
	descNoReady = prometheus.NewDesc("bridge_frames_noready_total",
		"DATA_NOREADY receives absorbed by the pump.",
		[]string{"uri"}, nil)
	descBadRes = prometheus.NewDesc("bridge_frames_badres_total",
		"Frames rejected for an unexpected frame size.",
		[]string{"uri"}, nil)
)

// streamCollector scrapes live stream state on demand instead of
// mirroring it into instruments, so stale streams disappear from the
// exposition when they are removed.
type streamCollector struct {
	src StreamSource
}

// NewStreamCollector builds a collector over src; register it with
// MustRegister once the supervisor exists.
func NewStreamCollector(src StreamSource) prometheus.Collector {
	return &streamCollector{src: src}
}

func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descState
	ch <- descForwarded
	ch <- descDropped
	ch <- descNoReady
	ch <- descBadRes
}

func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.MetricsSnapshot() {
		ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, float64(s.State), s.URI)
		ch <- prometheus.MustNewConstMetric(descForwarded, prometheus.CounterValue, float64(s.Forwarded), s.URI)
		ch <- prometheus.MustNewConstMetric(descDropped, prometheus.CounterValue, float64(s.Dropped), s.URI)
		ch <- prometheus.MustNewConstMetric(descNoReady, prometheus.CounterValue, float64(s.NoReady), s.URI)
		ch <- prometheus.MustNewConstMetric(descBadRes, prometheus.CounterValue, float64(s.BadRes), s.URI)
	}
}

// CodeLabel renders a command code for the ioctl histogram.
func CodeLabel(code uint16) string {
	return strconv.Itoa(int(code))
}
