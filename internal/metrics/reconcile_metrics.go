package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Итоги обработки webhook для метки result.
const (
	ResultApplied          = "applied"
	ResultDuplicate        = "duplicate"
	ResultIgnored          = "ignored"
	ResultNoop             = "noop"
	ResultIllegal          = "illegal_transition"
	ResultOrderNotFound    = "order_not_found"
	ResultSignatureInvalid = "signature_invalid"
	ResultError            = "error"
)

// ReconcileMetrics содержит метрики сверки платежей.
type ReconcileMetrics struct {
	webhooks          *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	inFlight          prometheus.Gauge

	transitions      *prometheus.CounterVec
	amountMismatches *prometheus.CounterVec
	commissions      *prometheus.CounterVec
	commissionMinor  *prometheus.CounterVec

	providerCalls        *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	inventoryFailures *prometheus.CounterVec
	timelineEvents    prometheus.Counter
	outboxEvents      prometheus.Counter
}

// NewReconcileMetrics регистрирует метрики в DefaultRegisterer.
func NewReconcileMetrics() *ReconcileMetrics {
	return NewReconcileMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReconcileMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewReconcileMetricsWithRegisterer(registerer prometheus.Registerer) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReconcileMetrics{
		webhooks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_webhooks_total",
			Help: "Provider webhooks processed, grouped by provider and result.",
		}, []string{"provider", "result"}),
		reconcileDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "reconciler_reconcile_duration_seconds",
			Help:    "Time spent reconciling one provider event.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"provider"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "reconciler_webhooks_in_flight",
			Help: "Provider events currently being reconciled.",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_payment_transitions_total",
			Help: "Payment status transitions applied to orders.",
		}, []string{"from", "to"}),
		amountMismatches: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_amount_mismatch_total",
			Help: "Captured amounts that differ from the order total beyond tolerance.",
		}, []string{"provider"}),
		commissions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_commission_accrued_total",
			Help: "Commission entries accrued.",
		}, []string{"currency"}),
		commissionMinor: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_commission_accrued_minor_total",
			Help: "Sum of accrued commission in minor currency units.",
		}, []string{"currency"}),
		providerCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_provider_calls_total",
			Help: "Outbound provider API calls grouped by outcome.",
		}, []string{"provider", "operation", "outcome"}),
		providerCallDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "reconciler_provider_call_duration_seconds",
			Help:    "Latency of outbound provider API calls including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		inventoryFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "reconciler_inventory_adjust_failures_total",
			Help: "Inventory adjustments that failed after the order was updated.",
		}, []string{"operation"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "reconciler_timeline_events_total",
			Help: "Total number of timeline events recorded.",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "reconciler_outbox_events_total",
			Help: "Total number of outbox events enqueued.",
		}),
	}
}

// RecordWebhook учитывает итог обработки одного webhook.
func (m *ReconcileMetrics) RecordWebhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

// ObserveReconcile записывает длительность сверки события.
func (m *ReconcileMetrics) ObserveReconcile(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// InFlightStarted / InFlightFinished ведут gauge обрабатываемых событий.
func (m *ReconcileMetrics) InFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *ReconcileMetrics) InFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *ReconcileMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ReconcileMetrics) RecordAmountMismatch(provider string) {
	if m == nil {
		return
	}
	m.amountMismatches.WithLabelValues(provider).Inc()
}

// RecordCommissionAccrued учитывает новую запись комиссии и её сумму.
func (m *ReconcileMetrics) RecordCommissionAccrued(currency string, amountMinor int64) {
	if m == nil {
		return
	}
	m.commissions.WithLabelValues(currency).Inc()
	m.commissionMinor.WithLabelValues(currency).Add(float64(amountMinor))
}

// ObserveProviderCall реализует provider.CallObserver.
func (m *ReconcileMetrics) ObserveProviderCall(provider, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *ReconcileMetrics) RecordInventoryFailure(operation string) {
	if m == nil {
		return
	}
	m.inventoryFailures.WithLabelValues(operation).Inc()
}

func (m *ReconcileMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

func (m *ReconcileMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
