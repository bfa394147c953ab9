// Package prom registers the gateway's prometheus metrics and exposes
// them over a small fasthttp endpoint. Recording functions are no-ops
// until Create has been called, so tests need no metric setup.
package prom

import (
	"sync"

	xhttp "github.com/openfund/payment-gateway/pkg/http"
	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemPayments = "payments"
)

const (
	MetricDonationsSettled       = "donations_settled_total"
	MetricCallbackAnomalies      = "callback_anomalies_total"
	MetricSettlementDuration     = "settlement_duration_seconds"
	MetricRewardArtifacts        = "reward_artifacts_total"
	MetricStalePendingReconciled = "stale_pending_reconciled_total"
)

var registerLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var counterVecs = make(map[string]*prometheus.CounterVec)
var histograms = make(map[string]prometheus.Histogram)

var defaultLabels prometheus.Labels

// Create registers every metric the gateway records and turns the
// collection functions on.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{
		"env":      env,
		"instance": host,
	}
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemPayments, MetricDonationsSettled, []string{"status"}))
	hasError(createCounterVec(SystemPayments, MetricCallbackAnomalies, []string{"kind"}))
	hasError(createCounterVec(SystemPayments, MetricRewardArtifacts, []string{"result"}))
	hasError(createCounterVec(SystemPayments, MetricStalePendingReconciled, []string{"status"}))
	hasError(createHistogram(SystemPayments, MetricSettlementDuration))

	return err
}

// ListenAndServer blocks serving the metrics endpoint on port.
func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Router = xhttp.CreateDefaultRouter()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	registerLock.Lock()
	defer registerLock.Unlock()
	counterVecs[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(counterVecs[subsystem+name])
}

func createHistogram(subsystem, name string) error {
	registerLock.Lock()
	defer registerLock.Unlock()
	histograms[subsystem+name] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	})
	return prometheus.Register(histograms[subsystem+name])
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := counterVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func AddHistogram(subsystem, name string, number float64) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := histograms[subsystem+name]; ok {
		v.Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
}
