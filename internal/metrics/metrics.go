// Package metrics exposes engine counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proc-throttle/internal/engine"
)

// Namespace prefixes every metric name.
const Namespace = "proc_throttle"

// CounterSource is the part of engine.Engine read at scrape time.
type CounterSource interface {
	Stats() engine.Counters
}

// Sources are read on every scrape. Engine and State are required; Stats
// adds the derived rates and hold-time percentiles.
type Sources struct {
	Engine CounterSource
	State  *engine.State
	Stats  *engine.StatsCollector
	// Runtime adds the Go and process collectors.
	Runtime bool
}

// NewRegistry builds a registry whose metrics are all evaluated lazily,
// so scraping never touches the packet loop.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if src.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	counter := func(name, help string, get func(engine.Counters) uint64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(get(src.Engine.Stats()))
		}))
	}
	gauge := func(name, help string, get func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      help,
		}, get))
	}

	counter("packets_processed_total", "Packets read from the capture handle",
		func(c engine.Counters) uint64 { return c.Processed })
	counter("packets_passthrough_total", "Packets forwarded without shaping",
		func(c engine.Counters) uint64 { return c.Passthrough })
	counter("packets_throttled_total", "Packets that entered the shaping path",
		func(c engine.Counters) uint64 { return c.Throttled })
	counter("packets_rate_held_total", "Packets that waited for tokens",
		func(c engine.Counters) uint64 { return c.RateHeld })
	counter("packets_forwarded_total", "Shaped packets forwarded",
		func(c engine.Counters) uint64 { return c.Forwarded })
	counter("packets_dropped_total", "Packets dropped by the loss simulator or on exit",
		func(c engine.Counters) uint64 { return c.Dropped })
	counter("packets_overflow_total", "Packets dropped by a queue bound or hold timeout",
		func(c engine.Counters) uint64 { return c.Overflow })
	counter("send_errors_total", "Failed reinjections",
		func(c engine.Counters) uint64 { return c.SendErrors })
	counter("shaped_bytes_total", "Bytes of shaped packets forwarded",
		func(c engine.Counters) uint64 { return c.ShapedBytes })
	counter("forwarded_bytes_total", "Bytes forwarded, shaped or not",
		func(c engine.Counters) uint64 { return c.TotalBytes })

	gauge("hold_queue_packets", "Packets waiting for tokens",
		func() float64 { return float64(src.Engine.Stats().HoldQueue) })
	gauge("delay_queue_packets", "Packets waiting for their release time",
		func() float64 { return float64(src.Engine.Stats().DelayQueue) })

	gauge("enabled", "1 while throttling is on",
		func() float64 {
			if src.State.Enabled() {
				return 1
			}
			return 0
		})
	gauge("bandwidth_limit_bytes_per_second", "Configured ceiling, 0 when unlimited",
		func() float64 { return src.State.Config().BandwidthBytesPerSec })
	gauge("latency_seconds", "Configured added latency",
		func() float64 { return src.State.Config().Latency().Seconds() })
	gauge("loss_probability", "Configured drop probability",
		func() float64 { return src.State.Config().LossProbability })

	if src.Stats != nil {
		latest := src.Stats.Latest
		gauge("shaped_rate_bytes_per_second", "Shaped bandwidth over the last interval",
			func() float64 { return latest().ShapedRate })
		gauge("packets_per_second", "Processed packet rate over the last interval",
			func() float64 { return latest().PacketsPerSec })
		hold := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hold_seconds",
			Help:      "Recent rate-hold time percentiles",
		}, []string{"quantile"})
		reg.MustRegister(&holdCollector{vec: hold, latest: latest})
	}
	return reg
}

// holdCollector refreshes the hold percentiles from the latest snapshot
// on each scrape.
type holdCollector struct {
	vec    *prometheus.GaugeVec
	latest func() engine.StatsSnapshot
}

func (h *holdCollector) Describe(ch chan<- *prometheus.Desc) { h.vec.Describe(ch) }

func (h *holdCollector) Collect(ch chan<- prometheus.Metric) {
	snap := h.latest()
	h.vec.WithLabelValues("0.5").Set(snap.HoldP50.Seconds())
	h.vec.WithLabelValues("0.95").Set(snap.HoldP95.Seconds())
	h.vec.WithLabelValues("0.99").Set(snap.HoldP99.Seconds())
	h.vec.Collect(ch)
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
