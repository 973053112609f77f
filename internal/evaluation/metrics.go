package evaluation

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "operation_duration_seconds",
		Help:      "Latency of evaluation engine operations",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"operation", "outcome"})

	// reviewsSubmitted counts accepted reviews. Labels: step_type, lane, result
	reviewsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "reviews_submitted_total",
		Help:      "Reviews accepted by the engine",
	}, []string{"step_type", "lane", "result"})

	stepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "steps_completed_total",
		Help:      "Evaluation steps that reached a result",
	}, []string{"step_type", "result"})

	appealsFiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "appeals_filed_total",
		Help:      "Appeal lanes opened",
	}, []string{"step_type"})

	// documentGateTransitions labels: transition (passed, reopened, unchanged)
	documentGateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "document_gate_transitions_total",
		Help:      "Result changes made by the document signing gate",
	}, []string{"transition"})

	permissionsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governance",
		Subsystem: "evaluation",
		Name:      "permissions_synced_total",
		Help:      "Evaluation steps whose permissions were rewritten from their template",
	})
)

// observe records the duration of an operation labelled with the error kind.
func observe(operation string, started time.Time, err error) {
	operationDuration.WithLabelValues(operation, outcomeLabel(err)).Observe(time.Since(started).Seconds())
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var evalErr *Error
	if errors.As(err, &evalErr) {
		return string(evalErr.Kind)
	}
	return "error"
}
