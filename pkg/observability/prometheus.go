// Package observability provides Prometheus metrics for training, serving
// and caching, plus the metrics HTTP endpoint.
package observability

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals // Singleton pattern for metrics server
var (
	metricsServer     *http.Server
	metricsServerOnce sync.Once
)

// StartMetricsServer exposes /metrics on addr. Subsequent calls are no-ops so
// every component can request the server without coordinating ownership.
func StartMetricsServer(addr string) {
	metricsServerOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 15 * time.Second,
			Handler:           mux,
		}

		go func() {
			logrus.Infof("Starting metrics server on %s", addr)

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Fatal("Failed to start metrics server")
			}
		}()
	})
}
