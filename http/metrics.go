package http

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	forum "github.com/mark3labs/agentforum-go"
)

const outcomeSucceeded = "succeeded"

// Metrics holds the Prometheus collectors for paid actions.
// A nil *Metrics records nothing.
type Metrics struct {
	// PaidActions counts finished paid actions by outcome (succeeded or an
	// error code) and whether a proof was signed.
	PaidActions *prometheus.CounterVec

	// PaidActionDuration observes end-to-end time including the signature prompt.
	PaidActionDuration *prometheus.HistogramVec

	// Authorizations counts Authorization Builder runs by result.
	Authorizations *prometheus.CounterVec
}

// NewMetrics registers the collectors with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers the collectors with registry.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PaidActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_paid_actions_total",
				Help: "The total number of finished paid actions",
			},
			[]string{"outcome", "signed"},
		),
		PaidActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forum_paid_action_duration_seconds",
				Help:    "Duration of paid actions, signature prompt included",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),
		Authorizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_permit_authorizations_total",
				Help: "The total number of permit authorizations requested from a wallet",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) observe(outcome string, signed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.PaidActions.WithLabelValues(outcome, strconv.FormatBool(signed)).Inc()
	m.PaidActionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) authorization(err error) {
	if m == nil {
		return
	}
	result := "signed"
	if err != nil {
		result = string(forum.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.Authorizations.WithLabelValues(result).Inc()
}
