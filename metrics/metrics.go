// Package metrics exposes Prometheus counters for the execution
// dispatcher and a standalone metrics listener, kept off the API
// listener so that scraping never competes with execution traffic.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tee_dispatches_total",
		Help: "Execution requests dispatched, by backend kind and outcome.",
	}, []string{"backend", "outcome"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tee_attestation_verifications_total",
		Help: "Attestation verification verdicts, by TEE kind and verdict.",
	}, []string{"tee_kind", "verdict"})

	FallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tee_dispatch_fallbacks_total",
		Help: "Requests completed on the fallback session.",
	})

	DivergencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tee_consistency_divergences_total",
		Help: "Consistency comparisons that produced mismatched outputs.",
	})

	ReattestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tee_reattestations_total",
		Help: "Re-attestation exchanges, by backend kind.",
	}, []string{"backend"})
)

// MetricsServer serves the Prometheus scrape endpoint on its own address.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address, serving
// the default registry.
func New(service, listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
