// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package studio

// This file contains the implementation of a set of functions that will on a
// regular basis output information about the runner that could be useful to observers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// prometheusPort is a singleton that contains the port number of the local prometheus server
	// that can be scraped by monitoring tools and the like.
	prometheusPort = int(0) // Stores the dynamically assigned port number used by the prometheus source

	appsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_apps_by_state",
			Help: "Number of apps currently in each lifecycle state.",
		},
		[]string{"host", "state"},
	)
)

func init() {
	prometheus.MustRegister(appsByState)
}

// Allows testing software to query which port is being used by the prometheus metrics server resident
// inside the current server process
func GetPrometheusPort() (port int) {
	return prometheusPort
}

// StartPrometheusExporter starts the prometheus http server and begins
// periodically refreshing the per-state app count gauges from appCounts.
func StartPrometheusExporter(ctx context.Context, promAddr string, appCounts AppCounter, update time.Duration, logger *Logger) {

	go monitoringExporter(ctx, appCounts, update, logger)

	// start the prometheus http server for metrics
	go func() {
		if err := runPrometheus(ctx, promAddr, logger); err != nil {
			logger.Warn(fmt.Sprint(err, stack.Trace().TrimRuntime()))
		}
	}()

}

// GetFreePort finds and returns a port number found to be available,
// used to let the prometheus server bind an ephemeral port when the
// caller specifies ":0".
func GetFreePort(hint string) (port int, err kv.Error) {
	addr, errGo := net.ResolveTCPAddr("tcp", hint)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	l, errGo := net.ListenTCP("tcp", addr)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	port = l.Addr().(*net.TCPAddr).Port
	l.Close()

	return port, nil
}

func runPrometheus(ctx context.Context, promAddr string, logger *Logger) (err kv.Error) {
	if len(promAddr) == 0 {
		return nil
	}

	// Allocate a port if none specified, by first checking for a 0 port
	host, port, errGo := net.SplitHostPort(promAddr)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	prometheusPort, errGo = strconv.Atoi(port)
	if errGo != nil {
		return kv.Wrap(errGo, "badly formatted port number for prometheus server").With("port", prometheusPort).With("stack", stack.Trace().TrimRuntime())
	}
	if prometheusPort == 0 {
		prometheusPort, errGo = GetFreePort(promAddr)
		if errGo != nil {
			return kv.Wrap(errGo, "could not allocate listening port for prometheus server").With("address", promAddr).With("stack", stack.Trace().TrimRuntime())
		}
	}

	// Start a monitoring go routine that will gather stats and update the gages and other prometheus
	// collection items

	// The Handler function provides a default handler to expose metrics
	// via an HTTP server. "/metrics" is the usual endpoint for that.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	h := http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, prometheusPort),
		Handler: mux,
	}

	go func() {
		logger.Info(fmt.Sprintf("prometheus listening on %s", h.Addr), "stack", stack.Trace().TrimRuntime())

		logger.Warn(fmt.Sprint(h.ListenAndServe(), "stack", stack.Trace().TrimRuntime()))
	}()

	go func() {
		<-ctx.Done()
		if err := h.Shutdown(context.Background()); err != nil {
			logger.Warn(fmt.Sprint("stopping due to signal", err), "stack", stack.Trace().TrimRuntime())
		}
	}()

	return nil
}

// AppCounter reports how many apps are currently in each lifecycle state,
// keyed by the state name ("absent", "installing", ...).
type AppCounter interface {
	CountByState() map[string]int
}

// monitoringExporter refreshes the per-state app count gauges on a
// regular basis until ctx is done.
func monitoringExporter(ctx context.Context, appCounts AppCounter, refreshInterval time.Duration, logger *Logger) {
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-refresh.C:
			updateGauges(appCounts.CountByState())
		case <-ctx.Done():
			return
		}
	}
}

func updateGauges(counts map[string]int) {
	for state, n := range counts {
		appsByState.WithLabelValues(hostName, state).Set(float64(n))
	}
}
