package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts events by type and outcome.
type MetricsSink struct {
	statusChanges  *prometheus.CounterVec
	refunds        prometheus.Counter
	refundedAmount prometheus.Counter
	rejections     *prometheus.CounterVec
}

func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	s := &MetricsSink{
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderdesk",
			Subsystem: "workflow",
			Name:      "status_changes_total",
			Help:      "Accepted order status transitions.",
		}, []string{"from", "to"}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderdesk",
			Subsystem: "refund",
			Name:      "applied_total",
			Help:      "Refunds applied to orders.",
		}),
		refundedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderdesk",
			Subsystem: "refund",
			Name:      "applied_amount_total",
			Help:      "Sum of applied refund amounts in order currency units.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderdesk",
			Subsystem: "refund",
			Name:      "rejected_total",
			Help:      "Refund submissions rejected, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(s.statusChanges, s.refunds, s.refundedAmount, s.rejections)
	}
	return s
}

func (s *MetricsSink) Emit(_ context.Context, event Event) {
	switch event.Type {
	case TypeStatusChanged:
		s.statusChanges.WithLabelValues(string(event.From), string(event.To)).Inc()
	case TypeRefundApplied:
		s.refunds.Inc()
		amount, _ := event.Amount.Float64()
		s.refundedAmount.Add(amount)
	case TypeRefundRejected:
		s.rejections.WithLabelValues(event.Reason).Inc()
	}
}
