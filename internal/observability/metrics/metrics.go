package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "langchain-0g/internal/errors"
)

const namespace = "a0g"

// Recorder owns the inference metrics and the registry they are exported from.
type Recorder struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	resolutions *prometheus.CounterVec
}

// NewRecorder registers the inference collectors on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Signed inference requests sent to providers.",
		}, []string{"path", "provider", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Inference requests that failed, by error code.",
		}, []string{"path", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_request_duration_seconds",
			Help:      "Time until the provider returned response headers.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"path"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_resolutions_total",
			Help:      "Provider address resolutions against the serving contract.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.requests, r.errors, r.latency, r.resolutions)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one signed request. status is 0 when no response
// arrived.
func (r *Recorder) ObserveRequest(path, provider string, status int, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(path, provider, strconv.Itoa(status)).Inc()
	r.latency.WithLabelValues(path).Observe(duration.Seconds())
	if err != nil || status >= 400 {
		code := string(xerrors.CodeTransport)
		if err != nil {
			if c := xerrors.CodeOf(err); c != xerrors.CodeUnknown {
				code = string(c)
			}
		}
		r.errors.WithLabelValues(path, code).Inc()
	}
}

// ObserveResolution records the outcome of a provider lookup.
func (r *Recorder) ObserveResolution(err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	r.resolutions.WithLabelValues(outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint
// until ctx is cancelled.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

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
