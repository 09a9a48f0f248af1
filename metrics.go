package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monasticacademy/socktap/pkg/logging"
)

// metricsCollector counts what the controller sees: delegated
// operations and their outcomes, bytes moved in each direction, live
// virtual connections, shim notifications, and proxy dials. A nil
// collector is valid and counts nothing, so metrics stay optional.
type metricsCollector struct {
	opsTotal    *prometheus.CounterVec
	opErrors    *prometheus.CounterVec
	bytesTotal  *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
	proxyDials  prometheus.Counter
	openConns   prometheus.Gauge
}

func newMetricsCollector() *metricsCollector {
	m := &metricsCollector{
		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socktap_operations_total",
				Help: "Delegated socket operations by type",
			},
			[]string{"op"},
		),
		opErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socktap_operation_errors_total",
				Help: "Failed delegated socket operations by type",
			},
			[]string{"op"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socktap_bytes_total",
				Help: "Payload bytes moved through delegated sockets by direction",
			},
			[]string{"direction"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socktap_events_total",
				Help: "Shim notifications by type",
			},
			[]string{"type"},
		),
		proxyDials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "socktap_proxy_dials_total",
				Help: "Outbound dials made by the SOCKS5 proxy",
			},
		),
		openConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "socktap_open_connections",
				Help: "Live delegated connections",
			},
		),
	}

	prometheus.MustRegister(m.opsTotal)
	prometheus.MustRegister(m.opErrors)
	prometheus.MustRegister(m.bytesTotal)
	prometheus.MustRegister(m.eventsTotal)
	prometheus.MustRegister(m.proxyDials)
	prometheus.MustRegister(m.openConns)

	return m
}

func (m *metricsCollector) RecordOp(op string, success bool) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op).Inc()
	if !success {
		m.opErrors.WithLabelValues(op).Inc()
	}
}

func (m *metricsCollector) AddBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *metricsCollector) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

func (m *metricsCollector) RecordProxyDial() {
	if m == nil {
		return
	}
	m.proxyDials.Inc()
}

func (m *metricsCollector) SetOpenConns(n int) {
	if m == nil {
		return
	}
	m.openConns.Set(float64(n))
}

// Serve exposes /metrics on addr in the background. Failures are
// logged, never fatal; a broken metrics endpoint must not take the
// traced command down.
func (m *metricsCollector) Serve(addr string, log *logging.Logger) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics endpoint on %s stopped: %v", addr, err)
		}
	}()
}
