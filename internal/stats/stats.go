package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kv"

const (
	TransportTCP       = "tcp"
	TransportWebsocket = "ws"
)

// Stats owns a private registry so that several servers (and tests) can run
// in one process without colliding on the default registerer.
type Stats struct {
	reg *prometheus.Registry

	commands      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	sessionsLive  prometheus.Gauge
	admissionWait prometheus.Histogram
	reaped        prometheus.Counter
	hits          prometheus.Counter
	misses        prometheus.Counter
}

func New() *Stats {
	s := &Stats{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched, by command.",
		}, []string{"command"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Rejected request lines, by rejection kind.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions started, by transport.",
		}, []string{"transport"}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently holding an admission permit.",
		}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for an admission permit.",
			Buckets:   []float64{.0001, .001, .01, .1, 1, 10},
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_reaped_total",
			Help:      "Expired entries removed by the background reaper.",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_hits_total",
			Help:      "GET commands that found a live key.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_misses_total",
			Help:      "GET commands that found nothing.",
		}),
	}
	s.reg.MustRegister(
		s.commands, s.errors, s.sessions, s.sessionsLive,
		s.admissionWait, s.reaped, s.hits, s.misses,
		collectors.NewGoCollector(),
	)
	return s
}

// TrackKeys exposes a gauge that calls fn on every scrape.
func (s *Stats) TrackKeys(fn func() int) {
	s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "keys",
		Help:      "Entries held by the store, including expired ones not yet purged.",
	}, func() float64 { return float64(fn()) }))
}

func (s *Stats) RecordCommand(name string) {
	s.commands.WithLabelValues(name).Inc()
}

func (s *Stats) RecordGet(hit bool) {
	if hit {
		s.hits.Inc()
	} else {
		s.misses.Inc()
	}
}

func (s *Stats) RecordError(kind string) {
	s.errors.WithLabelValues(kind).Inc()
}

// SessionStarted is paired with the returned func, which marks the session
// finished.
func (s *Stats) SessionStarted(transport string) func() {
	s.sessions.WithLabelValues(transport).Inc()
	s.sessionsLive.Inc()
	return s.sessionsLive.Dec
}

func (s *Stats) ObserveAdmissionWait(d time.Duration) {
	s.admissionWait.Observe(d.Seconds())
}

func (s *Stats) RecordReaped(n int) {
	s.reaped.Add(float64(n))
}

func (s *Stats) Registry() *prometheus.Registry {
	return s.reg
}

func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}
