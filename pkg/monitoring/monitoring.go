package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/regprune/regprune/pkg/api/constants"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics describes one pruning run. They live in their own registry and are exported as a
// textfile for the node exporter, there is no server to scrape.
type Metrics struct {
	registry            *prometheus.Registry
	repositoriesScanned prometheus.Counter
	tagsDeleted         *prometheus.CounterVec
	repositoriesRemoved prometheus.Counter
	garbageCollectRuns  *prometheus.CounterVec
	lastRun             prometheus.Gauge
	runDuration         prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		repositoriesScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "repositories_scanned_total",
			Help:      "Total number of repositories listed by the registry catalog",
		}),
		tagsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "tags_deleted_total",
			Help:      "Total number of tags deleted, or selected for deletion in pretend mode",
		}, []string{"repository", "pretend"}),
		repositoriesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "repositories_removed_total",
			Help:      "Total number of repositories removed from storage after losing all their tags",
		}),
		garbageCollectRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "garbage_collect_runs_total",
			Help:      "Total number of registry garbage collector runs",
		}, []string{"result"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Time the last run finished",
		}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last run",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AddRepositoriesScanned(count int) {
	m.repositoriesScanned.Add(float64(count))
}

func (m *Metrics) AddTagsDeleted(repo string, pretend bool, count int) {
	m.tagsDeleted.WithLabelValues(repo, strconv.FormatBool(pretend)).Add(float64(count))
}

func (m *Metrics) AddRepositoriesRemoved(count int) {
	m.repositoriesRemoved.Add(float64(count))
}

func (m *Metrics) IncGarbageCollectRuns(err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}

	m.garbageCollectRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRun(start, end time.Time) {
	m.lastRun.Set(float64(end.Unix()))
	m.runDuration.Set(end.Sub(start).Seconds())
}

// WriteTextfile atomically writes every metric to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
