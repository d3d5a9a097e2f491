package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relying party flow outcomes.
type Metrics struct {
	Discoveries     *prometheus.CounterVec
	Authentications *prometheus.CounterVec
}

// NewMetrics creates and registers the flow counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileconnect_rp_discoveries_total",
			Help: "Discovery attempts by outcome (identified, selection, error)",
		}, []string{"outcome"}),
		Authentications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileconnect_rp_authentications_total",
			Help: "Authorization callbacks by outcome (success, denied, error)",
		}, []string{"outcome"}),
	}
}
