package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cache counters.
type Metrics struct {
	Lookups *prometheus.CounterVec
	Writes  *prometheus.CounterVec
	Errors  *prometheus.CounterVec
}

// NewMetrics creates and registers the cache counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileconnect_discovery_cache_lookups_total",
			Help: "Discovery cache lookups by result (hit or miss)",
		}, []string{"result"}),
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileconnect_discovery_cache_writes_total",
			Help: "Discovery cache mutations by operation",
		}, []string{"op"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileconnect_discovery_cache_errors_total",
			Help: "Discovery cache backend failures by operation",
		}, []string{"op"}),
	}
}

type instrumented struct {
	next    Store
	metrics *Metrics
}

// Instrumented wraps a store so every operation is counted.
func Instrumented(next Store, m *Metrics) Store {
	return &instrumented{next: next, metrics: m}
}

func (s *instrumented) Add(ctx context.Context, key Key, entry *Entry) error {
	err := s.next.Add(ctx, key, entry)
	s.count("add", err)
	return err
}

func (s *instrumented) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, err := s.next.Get(ctx, key)
	if err != nil {
		s.metrics.Errors.WithLabelValues("get").Inc()
		return nil, err
	}
	if entry == nil {
		s.metrics.Lookups.WithLabelValues("miss").Inc()
	} else {
		s.metrics.Lookups.WithLabelValues("hit").Inc()
	}
	return entry, nil
}

func (s *instrumented) Remove(ctx context.Context, key Key) error {
	err := s.next.Remove(ctx, key)
	s.count("remove", err)
	return err
}

func (s *instrumented) Clear(ctx context.Context) error {
	err := s.next.Clear(ctx)
	s.count("clear", err)
	return err
}

func (s *instrumented) count(op string, err error) {
	if err != nil {
		s.metrics.Errors.WithLabelValues(op).Inc()
		return
	}
	s.metrics.Writes.WithLabelValues(op).Inc()
}
