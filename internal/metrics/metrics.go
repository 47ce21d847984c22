package metrics

import (
	"net/http"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nqprobe"

type Metrics struct {
	registry *prometheus.Registry

	lossPct    *prometheus.GaugeVec
	avgRTT     *prometheus.GaugeVec
	minRTT     *prometheus.GaugeVec
	maxRTT     *prometheus.GaugeVec
	jitter     *prometheus.GaugeVec
	throughput *prometheus.GaugeVec
	mos        *prometheus.GaugeVec
	lastRun    *prometheus.GaugeVec
	sessions   *prometheus.CounterVec
	probes     *prometheus.CounterVec

	startTime time.Time
}

func NewMetrics(targets []string) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	m.lossPct = m.gauge("loss_percentage", "Packet loss of the last session in percent.")
	m.avgRTT = m.gauge("rtt_avg_ms", "Mean RTT of answered probes in the last session.")
	m.minRTT = m.gauge("rtt_min_ms", "Minimum RTT in the last session.")
	m.maxRTT = m.gauge("rtt_max_ms", "Maximum RTT in the last session.")
	m.jitter = m.gauge("jitter_ms", "Mean absolute RTT difference of consecutive answered probes.")
	m.throughput = m.gauge("throughput_bytes_per_second", "Answered payload bytes per second of session time.")
	m.mos = m.gauge("mos", "Estimated mean opinion score, 1 to 5.")
	m.lastRun = m.gauge("last_session_timestamp_seconds", "Unix time the last session finished.")
	m.sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Sessions run, by final status.",
	}, []string{"target", "status"})
	m.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Probes sent, by outcome.",
	}, []string{"target", "outcome"})

	m.registry.MustRegister(
		m.lossPct, m.avgRTT, m.minRTT, m.maxRTT, m.jitter, m.throughput, m.mos, m.lastRun,
		m.sessions, m.probes,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the agent started.",
		}, func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
	)

	for _, target := range targets {
		for _, status := range []session.Status{session.StatusCompleted, session.StatusCancelled, session.StatusFailed} {
			m.sessions.WithLabelValues(target, string(status))
		}
		m.probes.WithLabelValues(target, "answered")
		m.probes.WithLabelValues(target, "lost")
	}
	return m
}

func (m *Metrics) gauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"target"})
}

// ObserveProbe counts one probe outcome.
func (m *Metrics) ObserveProbe(target string, outcome quality.Outcome) {
	if m == nil {
		return
	}
	label := "answered"
	if outcome.Lost {
		label = "lost"
	}
	m.probes.WithLabelValues(target, label).Inc()
}

// ObserveReport publishes the result of a finished session under the
// target's configured name.
func (m *Metrics) ObserveReport(target string, r session.Report) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(target, string(r.Status)).Inc()
	res := r.Result
	m.lossPct.WithLabelValues(target).Set(res.LossPercentage)
	m.avgRTT.WithLabelValues(target).Set(res.AverageRTTMillis)
	m.minRTT.WithLabelValues(target).Set(res.MinRTTMillis)
	m.maxRTT.WithLabelValues(target).Set(res.MaxRTTMillis)
	m.jitter.WithLabelValues(target).Set(res.JitterMillis)
	m.throughput.WithLabelValues(target).Set(res.ThroughputBytesPerSec)
	m.mos.WithLabelValues(target).Set(res.MOS)
	if !r.FinishedAt.IsZero() {
		m.lastRun.WithLabelValues(target).Set(float64(r.FinishedAt.Unix()))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
