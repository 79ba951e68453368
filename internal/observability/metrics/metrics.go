package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "cycles_total",
		Help:      "Worker cycles by kind and outcome.",
	}, []string{"kind", "outcome"})

	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "cycle_duration_seconds",
		Help:      "Worker cycle duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "decisions_total",
		Help:      "Policy decisions by worker kind, action and whether they were executed.",
	}, []string{"kind", "action", "executed"})

	workersRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "running",
		Help:      "Number of running workers by kind.",
	}, []string{"kind"})

	transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "transactions_total",
		Help:      "Submitted transactions by network and status.",
	}, []string{"network", "status"})

	notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by channel and status.",
	}, []string{"channel", "status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		cycles, cycleDuration, decisions, workersRunning,
		transactions, notifications,
	)
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveCycle records one finished worker cycle. outcome is "ok" or "error".
func ObserveCycle(kind, outcome string, duration time.Duration) {
	cycles.WithLabelValues(kind, outcome).Inc()
	cycleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDecision records the action chosen by a policy.
func ObserveDecision(kind, action string, executed bool) {
	decisions.WithLabelValues(kind, action, strconv.FormatBool(executed)).Inc()
}

// SetWorkersRunning publishes the number of running workers of a kind.
func SetWorkersRunning(kind string, count int) {
	workersRunning.WithLabelValues(kind).Set(float64(count))
}

// ObserveTransaction records a submitted transaction. status is "ok" or "error".
func ObserveTransaction(network, status string) {
	transactions.WithLabelValues(network, status).Inc()
}

// ObserveNotification records a notification attempt. status is "ok" or "error".
func ObserveNotification(channel, status string) {
	notifications.WithLabelValues(channel, status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the metrics endpoint.
func StartServer(ctx context.Context, addr, path string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
