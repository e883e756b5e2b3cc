package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homenest/nous/internal/model"
)

const namespace = "nous"

// Metrics holds the process's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	importRows   *prometheus.CounterVec
	queueItems   *prometheus.CounterVec
	dispatch     *prometheus.CounterVec
	retryBacklog prometheus.Gauge
}

// NewMetrics creates the instruments on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Import rows by outcome.",
		}, []string{"outcome"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_added_total",
			Help:      "Queue items projected, by channel and queue number.",
		}, []string{"channel", "queue"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Queue item status changes made by dispatch.",
		}, []string{"channel", "status"}),
		retryBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retry_backlog",
			Help:      "Retry entries waiting for the sweep.",
		}),
	}
	reg.MustRegister(
		m.importRows, m.queueItems, m.dispatch, m.retryBacklog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveImport records the outcome counts of an import run.
func (m *Metrics) ObserveImport(res *model.ImportResult) {
	if res == nil {
		return
	}
	m.importRows.WithLabelValues("imported").Add(float64(res.PropertiesImported))
	m.importRows.WithLabelValues("duplicate").Add(float64(res.DuplicatesSkipped))
	m.importRows.WithLabelValues("error").Add(float64(res.Errors))
}

// ObserveQueueBuild records items added to a queue.
func (m *Metrics) ObserveQueueBuild(ch model.Channel, queueNumber, added int) {
	m.queueItems.WithLabelValues(string(ch), strconv.Itoa(queueNumber)).Add(float64(added))
}

// ObserveDispatch counts one item status change.
func (m *Metrics) ObserveDispatch(ch model.Channel, status model.QueueStatus) {
	m.dispatch.WithLabelValues(string(ch), string(status)).Inc()
}

// SetRetryBacklog sets the retry backlog gauge.
func (m *Metrics) SetRetryBacklog(n int) {
	m.retryBacklog.Set(float64(n))
}
