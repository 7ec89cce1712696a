package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	IdentifyDuration *prometheus.HistogramVec
	ContactsCreated  *prometheus.CounterVec
	Demotions        prometheus.Counter
}

// New creates and registers all Prometheus metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_identify_requests_total",
			Help: "Identify calls by outcome",
		}, []string{"outcome"}),
		IdentifyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_identify_duration_seconds",
			Help:    "Latency of identify calls in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_contacts_created_total",
			Help: "Contacts created by link precedence",
		}, []string{"link_precedence"}),
		Demotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "identity_primary_demotions_total",
			Help: "Primary contacts demoted to secondary by cluster merges",
		}),
	}
}

// ObserveIdentify counts an identify call and records its latency
func (m *Metrics) ObserveIdentify(outcome string, duration time.Duration) {
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncContactsCreated increments the created counter for precedence
func (m *Metrics) IncContactsCreated(precedence models.LinkPrecedence) {
	m.ContactsCreated.WithLabelValues(string(precedence)).Inc()
}

// AddDemotions adds n demoted primaries
func (m *Metrics) AddDemotions(n int) {
	m.Demotions.Add(float64(n))
}
