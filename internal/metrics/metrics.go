// Package metrics exposes Prometheus metrics for the transcription
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	UploadsAccepted prometheus.Counter
	UploadsRejected *prometheus.CounterVec

	DispatchRequests  prometheus.Counter
	DispatchAccepted  prometheus.Counter
	DispatchRetries   prometheus.Counter
	DispatchExhausted prometheus.Counter

	CallbacksReceived    *prometheus.CounterVec
	CallbackDuplicates   prometheus.Counter
	CallbackUnauthorized prometheus.Counter

	QueueWaiting prometheus.Gauge
	QueueActive  prometheus.Gauge
	QueueDelayed prometheus.Gauge
}

// New creates and registers all metrics against the given registerer.
// Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UploadsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_uploads_accepted_total",
			Help: "Total number of uploads admitted into the pipeline",
		}),
		UploadsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_uploads_rejected_total",
			Help: "Total number of rejected uploads by reason",
		}, []string{"reason"}),

		DispatchRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_dispatch_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		DispatchAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_dispatch_accepted_total",
			Help: "Total number of transcription requests accepted by the service",
		}),
		DispatchRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_dispatch_retries_total",
			Help: "Total number of queue redeliveries scheduled after rejection",
		}),
		DispatchExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_dispatch_exhausted_total",
			Help: "Total number of jobs failed after exhausting retry attempts",
		}),

		CallbacksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_callbacks_received_total",
			Help: "Total number of authenticated callbacks by resolved status",
		}, []string{"status"}),
		CallbackDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_callback_duplicates_total",
			Help: "Total number of callbacks re-applied to terminal records",
		}),
		CallbackUnauthorized: f.NewCounter(prometheus.CounterOpts{
			Name: "audio_callback_unauthorized_total",
			Help: "Total number of callbacks rejected for a bad shared secret",
		}),

		QueueWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "audio_queue_waiting",
			Help: "Approximate number of queued jobs waiting for a worker",
		}),
		QueueActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "audio_queue_active",
			Help: "Approximate number of jobs claimed by workers",
		}),
		QueueDelayed: f.NewGauge(prometheus.GaugeOpts{
			Name: "audio_queue_delayed",
			Help: "Approximate number of jobs delayed for retry backoff",
		}),
	}
}
