package softphone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/registration"
	"github.com/arzzra/webphone/pkg/signaling"
)

// Metrics собирает метрики софтфона.
// Нулевой указатель допустим: все методы становятся пустыми.
type Metrics struct {
	registrationTransitions *prometheus.CounterVec
	callsTotal              *prometheus.CounterVec
	callsActive             prometheus.Gauge
	callDuration            prometheus.Histogram
	permissionRequests      *prometheus.CounterVec
	remoteTracks            *prometheus.CounterVec
	errorsTotal             *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg. При nil используется
// prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		registrationTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "transitions_total",
			Help:      "Number of registration state transitions by target state",
		}, []string{"state"}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "calls_total",
			Help:      "Number of finished calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "active",
			Help:      "Whether a call is currently active",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Talk time of answered calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		permissionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "permission_requests_total",
			Help:      "Media permission requests by result",
		}, []string{"result"}),
		remoteTracks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "remote_tracks_total",
			Help:      "Remote tracks received by kind",
		}, []string{"kind"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to the user by code",
		}, []string{"code"}),
	}
}

func (m *Metrics) registrationTransition(state registration.State) {
	if m == nil {
		return
	}
	m.registrationTransitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) callActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.callsActive.Set(1)
		return
	}
	m.callsActive.Set(0)
}

func (m *Metrics) callFinished(direction signaling.Direction, outcome history.Outcome, talk time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(string(direction), string(outcome)).Inc()
	if outcome == history.OutcomeAnswered {
		m.callDuration.Observe(talk.Seconds())
	}
}

func (m *Metrics) permissionRequest(err error) {
	if m == nil {
		return
	}
	result := "granted"
	if err != nil {
		result = "denied"
	}
	m.permissionRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) remoteTrack(kind media_gate.Kind) {
	if m == nil {
		return
	}
	m.remoteTracks.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) errorReported(code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code).Inc()
}
