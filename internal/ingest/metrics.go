package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghive_ingest_requests_total",
		Help: "OTLP ingest requests by signal and outcome.",
	}, []string{"signal", "status"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghive_ingest_records_total",
		Help: "Telemetry records accepted for storage.",
	}, []string{"signal"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghive_ingest_rejected_records_total",
		Help: "Records dropped during transformation.",
	}, []string{"signal"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loghive_ingest_batch_seconds",
		Help:    "Wall time of decode, transform and commit per batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{"signal"})
)
