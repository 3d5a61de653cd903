// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the Prometheus namespace for all backend metrics.
	MetricsNamespace = "tpmbackend"

	LabelDriver  = "driver"
	LabelResult  = "result"
	LabelCommand = "command"

	ResultOK    = "ok"
	ResultFatal = "fatal"
	ResultError = "error"
)

var (
	// RequestsTotal counts the TPM commands handled by each driver type.
	// Commands answered with a synthesized response are counted with
	// the "fatal" result.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of TPM commands handled, by driver and result",
		},
		[]string{LabelDriver, LabelResult},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of TPM commands in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelDriver},
	)

	// ControlCommandsTotal counts the control channel commands sent to
	// emulators.
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "control_commands_total",
			Help:      "Total number of emulator control commands, by command and result",
		},
		[]string{LabelCommand, LabelResult},
	)

	dispatcherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "dispatcher_queue_depth",
			Help:      "Number of requests waiting for a backend worker",
		},
	)
)

func observeRequest(driver string, res Response, d time.Duration) {
	result := ResultOK
	if res.Fatal() {
		result = ResultFatal
	}
	RequestsTotal.WithLabelValues(driver, result).Inc()
	RequestDuration.WithLabelValues(driver).Observe(d.Seconds())
}

// ObserveControlCommand records the outcome of a control channel command.
func ObserveControlCommand(command string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	ControlCommandsTotal.WithLabelValues(command, result).Inc()
}
