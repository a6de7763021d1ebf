package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated, so a duplicate
// registration still yields a functional sink.
type PrometheusSink struct {
	pollsTotal        prometheus.Counter
	pollErrorsTotal   prometheus.Counter
	dueSubscriptions  prometheus.Histogram
	pollDuration      prometheus.Histogram
	deliveriesTotal   *prometheus.CounterVec
	deliveryDuration  prometheus.Histogram
	inFlight          prometheus.Gauge
	filesRemovedTotal prometheus.Counter
	recordsPurged     prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindledrop_poller_polls_total",
			Help: "Total number of poll cycles executed.",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindledrop_poller_poll_errors_total",
			Help: "Total number of poll cycles that failed to query due subscriptions.",
		}),
		dueSubscriptions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kindledrop_poller_due_subscriptions",
			Help:    "Number of due subscriptions found per poll cycle.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kindledrop_poller_poll_duration_seconds",
			Help:    "Duration of each poll cycle in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kindledrop_deliveries_total",
			Help: "Total number of completed delivery attempts per outcome.",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kindledrop_delivery_duration_seconds",
			Help:    "End-to-end duration of delivery attempts in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kindledrop_deliveries_in_flight",
			Help: "Number of delivery attempts currently executing.",
		}),
		filesRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindledrop_cleanup_files_removed_total",
			Help: "Total number of ebook files removed by retention cleanup.",
		}),
		recordsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindledrop_cleanup_records_purged_total",
			Help: "Total number of delivery records purged by retention cleanup.",
		}),
	}

	s.register(reg, s.pollsTotal, "kindledrop_poller_polls_total")
	s.register(reg, s.pollErrorsTotal, "kindledrop_poller_poll_errors_total")
	s.register(reg, s.dueSubscriptions, "kindledrop_poller_due_subscriptions")
	s.register(reg, s.pollDuration, "kindledrop_poller_poll_duration_seconds")
	s.register(reg, s.deliveriesTotal, "kindledrop_deliveries_total")
	s.register(reg, s.deliveryDuration, "kindledrop_delivery_duration_seconds")
	s.register(reg, s.inFlight, "kindledrop_deliveries_in_flight")
	s.register(reg, s.filesRemovedTotal, "kindledrop_cleanup_files_removed_total")
	s.register(reg, s.recordsPurged, "kindledrop_cleanup_records_purged_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("WARN (Metrics): Failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) PollStarted() {
	s.pollsTotal.Inc()
}

func (s *PrometheusSink) PollCompleted(duration time.Duration, dueCount int, err error) {
	s.pollDuration.Observe(duration.Seconds())
	s.dueSubscriptions.Observe(float64(dueCount))
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) DeliveryStarted() {
	s.inFlight.Inc()
}

func (s *PrometheusSink) DeliveryCompleted(outcome string, duration time.Duration) {
	s.inFlight.Dec()
	s.deliveriesTotal.WithLabelValues(outcome).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CleanupCompleted(filesRemoved int, recordsDeleted int64) {
	s.filesRemovedTotal.Add(float64(filesRemoved))
	s.recordsPurged.Add(float64(recordsDeleted))
}

var _ Sink = (*PrometheusSink)(nil)
var _ Sink = (*NoopSink)(nil)
