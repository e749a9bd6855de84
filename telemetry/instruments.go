package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names emitted by the connector: the endpoint runner records
// polls, records, durations, cache hits and limiter denials; the
// circuit breaker collector records the circuit_breaker series.
const (
	MetricPolls              = "httpsource.polls"
	MetricRecords            = "httpsource.records"
	MetricPollDuration       = "httpsource.poll.duration_ms"
	MetricCacheHits          = "httpsource.cache.hits"
	MetricRateLimitDenials   = "httpsource.ratelimit.denials"
	MetricCircuitSuccess     = "httpsource.circuit_breaker.success"
	MetricCircuitFailure     = "httpsource.circuit_breaker.failure"
	MetricCircuitRejected    = "httpsource.circuit_breaker.rejected"
	MetricCircuitStateChange = "httpsource.circuit_breaker.state_change"
)

// MetricInstruments caches counters and histograms so hot paths never
// re-create instruments. A nil *MetricInstruments records nothing,
// which is how a metric-less host is represented.
type MetricInstruments struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMetricInstruments creates an instrument cache on the given scope.
// It uses the globally installed meter provider, so it works (as a
// no-op) even when no Provider was initialized.
func NewMetricInstruments(scope string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(scope),
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

// RecordCounter adds to a counter, creating it on first use
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value float64, opts ...metric.AddOption) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	counter, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		counter, ok = m.counters[name]
		if !ok {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return err
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records into a histogram, creating it on first use
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	histogram, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		histogram, ok = m.histograms[name]
		if !ok {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return err
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// CircuitBreakerMetrics adapts MetricInstruments to the resilience
// package's MetricsCollector interface
type CircuitBreakerMetrics struct {
	metrics *MetricInstruments
	ctx     context.Context
}

// NewCircuitBreakerMetrics creates the collector wired to OpenTelemetry
func NewCircuitBreakerMetrics(ctx context.Context) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		metrics: NewMetricInstruments("httpsource-resilience"),
		ctx:     ctx,
	}
}

// RecordSuccess records a successful gated execution
func (c *CircuitBreakerMetrics) RecordSuccess(name string) {
	_ = c.metrics.RecordCounter(c.ctx, MetricCircuitSuccess, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("result", "success"),
		))
}

// RecordFailure records a failed gated execution
func (c *CircuitBreakerMetrics) RecordFailure(name string, errorType string) {
	_ = c.metrics.RecordCounter(c.ctx, MetricCircuitFailure, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("error_type", errorType),
			attribute.String("result", "failure"),
		))
}

// RecordStateChange records a breaker state transition
func (c *CircuitBreakerMetrics) RecordStateChange(name string, from, to string) {
	_ = c.metrics.RecordCounter(c.ctx, MetricCircuitStateChange, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
}

// RecordRejection records a request suppressed by an open circuit
func (c *CircuitBreakerMetrics) RecordRejection(name string) {
	_ = c.metrics.RecordCounter(c.ctx, MetricCircuitRejected, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("result", "rejected"),
		))
}
