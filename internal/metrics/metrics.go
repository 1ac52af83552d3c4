// Package metrics exposes probe snapshots as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/version"
)

const namespace = "netprobe"

var probeLabels = []string{"kind", "name"}

type counters struct {
	total         uint64
	lost          uint64
	bytesSent     uint64
	bytesReceived uint64
}

// Prometheus is a publisher that keeps one series per probe in its own
// registry. Cumulative probe counters are exported as Prometheus counters
// by adding the delta since the previous snapshot.
type Prometheus struct {
	registry *prometheus.Registry

	up          *prometheus.GaugeVec
	known       *prometheus.GaugeVec
	failed      *prometheus.GaugeVec
	rtt         *prometheus.GaugeVec
	avgRTT      *prometheus.GaugeVec
	jitter      *prometheus.GaugeVec
	jitterGrade *prometheus.GaugeVec
	loss        *prometheus.GaugeVec
	fill        *prometheus.GaugeVec
	interval    *prometheus.GaugeVec
	lastUpdate  *prometheus.GaugeVec

	measurements  *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	bytesReceived *prometheus.CounterVec

	mu   sync.Mutex
	last map[probe.Identity]counters
}

func New() *Prometheus {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "probe", Name: name, Help: help}, probeLabels)
	}
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "probe", Name: name, Help: help}, append(append([]string(nil), probeLabels...), extra...))
	}
	p := &Prometheus{
		registry:      prometheus.NewRegistry(),
		up:            gauge("up", "1 when the probe is up"),
		known:         gauge("known", "1 once the probe has completed a measurement"),
		failed:        gauge("failed", "1 when the probe loop has terminated"),
		rtt:           gauge("rtt_ms", "Latest round trip time in milliseconds"),
		avgRTT:        gauge("average_rtt_ms", "Average round trip time over the history in milliseconds"),
		jitter:        gauge("jitter_ms", "Mean absolute difference between consecutive round trips in milliseconds"),
		jitterGrade:   gauge("jitter_grade_percent", "Jitter relative to the average round trip time"),
		loss:          gauge("loss_percent", "Share of failed measurements in the history"),
		fill:          gauge("history_fill_percent", "Share of the history buffer that holds measurements"),
		interval:      gauge("interval_seconds", "Configured measurement interval"),
		lastUpdate:    gauge("last_update_timestamp_seconds", "Unix time of the latest snapshot"),
		measurements:  counter("measurements_total", "Measurements recorded, by result", "result"),
		bytesSent:     counter("sent_bytes_total", "Bytes written by the transport"),
		bytesReceived: counter("received_bytes_total", "Bytes read by the transport"),
		last:          make(map[probe.Identity]counters),
	}
	start := time.Now()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics sink was created",
		}, func() float64 { return time.Since(start).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "build_info",
			Help:        "Build version",
			ConstLabels: prometheus.Labels{"version": version.Version},
		}, func() float64 { return 1 }),
		p.up, p.known, p.failed, p.rtt, p.avgRTT, p.jitter, p.jitterGrade,
		p.loss, p.fill, p.interval, p.lastUpdate,
		p.measurements, p.bytesSent, p.bytesReceived,
	)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Announce creates the series of every probe so they are visible before
// the first measurement.
func (p *Prometheus) Announce(_ context.Context, descriptors []probe.Descriptor) error {
	for _, d := range descriptors {
		l := labels(d.Identity)
		p.up.With(l)
		p.known.With(l).Set(0)
		p.failed.With(l).Set(0)
		p.interval.With(l).Set(d.Interval.Seconds())
	}
	return nil
}

func (p *Prometheus) Publish(_ context.Context, snap probe.Snapshot) error {
	l := labels(snap.Identity)
	p.up.With(l).Set(boolFloat(snap.Available() && snap.Up))
	p.known.With(l).Set(boolFloat(snap.Known))
	p.failed.With(l).Set(boolFloat(snap.Failed))
	p.fill.With(l).Set(snap.FillPercent)
	if snap.Interval > 0 {
		p.interval.With(l).Set(snap.Interval.Seconds())
	}
	if !snap.UpdatedAt.IsZero() {
		p.lastUpdate.With(l).Set(float64(snap.UpdatedAt.UnixNano()) / 1e9)
	}

	if snap.Known && snap.Last.OK() && snap.Identity.Kind != probe.KindCompound {
		p.rtt.With(l).Set(snap.Last.Latency.Seconds() * 1000)
	} else {
		p.rtt.Delete(l)
	}
	setOrDelete(p.avgRTT, l)(snap.Stats.AvgRTTMs())
	setOrDelete(p.jitter, l)(snap.Stats.JitterMs())
	setOrDelete(p.jitterGrade, l)(snap.Stats.JitterPercent())
	setOrDelete(p.loss, l)(snap.Stats.LossPercent, snap.Stats.Samples > 0)

	p.addCounters(snap)
	return nil
}

func (p *Prometheus) addCounters(snap probe.Snapshot) {
	cur := counters{
		total:         snap.Total,
		lost:          snap.Lost,
		bytesSent:     snap.BytesSent,
		bytesReceived: snap.BytesReceived,
	}
	p.mu.Lock()
	prev := p.last[snap.Identity]
	p.last[snap.Identity] = cur
	p.mu.Unlock()

	id := snap.Identity
	ok := delta(cur.total-cur.lost, prev.total-prev.lost)
	lost := delta(cur.lost, prev.lost)
	if ok > 0 {
		p.measurements.WithLabelValues(string(id.Kind), id.Name, "success").Add(ok)
	}
	if lost > 0 {
		p.measurements.WithLabelValues(string(id.Kind), id.Name, "failure").Add(lost)
	}
	if d := delta(cur.bytesSent, prev.bytesSent); d > 0 {
		p.bytesSent.WithLabelValues(string(id.Kind), id.Name).Add(d)
	}
	if d := delta(cur.bytesReceived, prev.bytesReceived); d > 0 {
		p.bytesReceived.WithLabelValues(string(id.Kind), id.Name).Add(d)
	}
}

func (p *Prometheus) Close() error {
	return nil
}

func labels(id probe.Identity) prometheus.Labels {
	return prometheus.Labels{"kind": string(id.Kind), "name": id.Name}
}

func setOrDelete(vec *prometheus.GaugeVec, l prometheus.Labels) func(float64, bool) {
	return func(v float64, ok bool) {
		if ok {
			vec.With(l).Set(v)
			return
		}
		vec.Delete(l)
	}
}

// delta ignores counters that went backwards.
func delta(cur, prev uint64) float64 {
	if cur <= prev {
		return 0
	}
	return float64(cur - prev)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
