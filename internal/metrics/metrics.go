// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_sales_created_total",
		Help: "Sales successfully committed.",
	})

	PaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_payments_recorded_total",
		Help: "Payments (abonos) successfully committed.",
	})

	ReturnsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_returns_processed_total",
		Help: "Item returns successfully committed.",
	})

	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_tx_serialization_retries_total",
		Help: "Serializable transaction bodies re-run after a write conflict.",
	})

	TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_tx_conflicts_total",
		Help: "Transactions abandoned after exhausting conflict retries.",
	})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_audit_entries_dropped_total",
		Help: "Audit entries dropped because the queue was full or the writer failed.",
	})

	AuditWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optiledger_audit_entries_written_total",
		Help: "Audit entries persisted by the background writer.",
	})
)
