package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BufferDepth tracks how many records sit in the buffer waiting
	// for delivery.
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployd",
			Subsystem: "audit",
			Name:      "buffer_depth",
			Help:      "Number of audit records buffered and not yet delivered",
		},
	)

	// RecordsTotal counts records by delivery result.
	// Labels: result (delivered, failed)
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Total audit records by delivery result",
		},
		[]string{"result"},
	)

	// DeliveryRetries counts individual delivery retry attempts.
	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "audit",
			Name:      "delivery_retries_total",
			Help:      "Total delivery retry attempts across all records",
		},
	)

	// WriteBlocked counts writes that blocked on a full buffer.
	WriteBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "audit",
			Name:      "writes_blocked_total",
			Help:      "Total writes that blocked waiting for buffer space",
		},
	)
)
