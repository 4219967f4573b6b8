package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts endpoint outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Callback *prometheus.CounterVec
	Refresh  *prometheus.CounterVec
	Session  *prometheus.CounterVec
	Logout   prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Callback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsauth_callback_total",
			Help: "Authorization callbacks by terminal outcome.",
		}, []string{"outcome"}),
		Refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsauth_refresh_total",
			Help: "Token refresh requests by outcome.",
		}, []string{"outcome"}),
		Session: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsauth_session_total",
			Help: "Session introspection requests by outcome.",
		}, []string{"outcome"}),
		Logout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docsauth_logout_total",
			Help: "Logout pages served.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Callback, m.Refresh, m.Session, m.Logout)
	}
	return m
}

func (m *Metrics) callback(outcome string) {
	if m != nil {
		m.Callback.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.Refresh.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) session(outcome string) {
	if m != nil {
		m.Session.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) logout() {
	if m != nil {
		m.Logout.Inc()
	}
}
