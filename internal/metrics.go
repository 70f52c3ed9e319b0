package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry so several servers can live in
// one process (tests, local mode).
type Metrics struct {
	registry *prometheus.Registry

	signups     prometheus.Counter
	logins      prometheus.Counter
	activeConns prometheus.Gauge
	onlineUsers prometheus.Gauge
	messages    *prometheus.CounterVec
	broadcasts  prometheus.Counter
	dropped     *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		signups: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatline_signups_total",
			Help: "Accounts created.",
		}),
		logins: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatline_logins_total",
			Help: "Successful logins.",
		}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatline_active_connections",
			Help: "Live websocket connections.",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatline_online_users",
			Help: "Users holding at least one connection.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_messages_sent_total",
			Help: "Messages persisted, by delivery path.",
		}, []string{"path"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatline_presence_broadcasts_total",
			Help: "Online set broadcasts.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_dropped_deliveries_total",
			Help: "Frames not queued because a connection was full or gone.",
		}, []string{"kind"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatline_request_errors_total",
			Help: "Failed requests by error code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) IncSignup() { m.signups.Inc() }
func (m *Metrics) IncLogin()  { m.logins.Inc() }
func (m *Metrics) IncConn()   { m.activeConns.Inc() }
func (m *Metrics) DecConn()   { m.activeConns.Dec() }

func (m *Metrics) RequestFailed(code string) {
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) PresenceBroadcast(online int) {
	m.broadcasts.Inc()
	m.onlineUsers.Set(float64(online))
}

func (m *Metrics) DeliveryDropped(kind string) {
	m.dropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageSent(path string) {
	m.messages.WithLabelValues(path).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
