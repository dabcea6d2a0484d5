package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/perfgo/vtest/mocker"
	"github.com/perfgo/vtest/model"
)

const (
	Namespace = "vtest"
)

// Metrics records runner, loader and mocker activity. Each instance owns
// its registry so several runs in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	modulesTotal   *prometheus.CounterVec
	moduleDuration prometheus.Histogram
	mocksTotal     *prometheus.CounterVec
	filesTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them in a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_total",
			Help:      "Count of tasks that reached a terminal state",
		}, []string{
			"kind",
			"state",
		}),

		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of executed tasks",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{
			"kind",
		}),

		modulesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "modules_loaded_total",
			Help:      "Count of module loads",
		}, []string{
			"result",
		}),

		moduleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "module_load_duration_seconds",
			Help:      "Duration of module transform and evaluation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		mocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mocks_served_total",
			Help:      "Count of module requests served by a mock",
		}, []string{
			"kind",
		}),

		filesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "files_total",
			Help:      "Count of completed test files",
		}, []string{
			"state",
		}),
	}
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskFinished records a task that reached a terminal state
func (m *Metrics) TaskFinished(task *model.Task) {
	kind := string(task.Kind)
	m.tasksTotal.WithLabelValues(kind, string(task.State())).Inc()
	if task.Result != nil && task.Result.Duration > 0 {
		m.taskDuration.WithLabelValues(kind).Observe(task.Result.Duration.Seconds())
	}
	if task.Suite == nil && task.IsSuite() {
		m.filesTotal.WithLabelValues(string(task.State())).Inc()
	}
}

// ModuleLoaded records a module load
func (m *Metrics) ModuleLoaded(_ string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.modulesTotal.WithLabelValues(result).Inc()
	m.moduleDuration.Observe(d.Seconds())
}

// MockServed records a request answered by a mock
func (m *Metrics) MockServed(_ string, kind mocker.EntryKind) {
	m.mocksTotal.WithLabelValues(kind.String()).Inc()
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr until ctx is done. The returned address
// is the one actually bound, which differs from addr when it uses port 0.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return ln.Addr().String(), nil
}
