// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exports per-link bus activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/slave"
)

const namespace = "modbus_serial"

var (
	registerOnce sync.Once

	rxFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_frames_total",
			Help:      "Frames the engine started to receive.",
		},
		[]string{"link"},
	)
	txFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_frames_total",
			Help:      "Frames the engine started to transmit.",
		},
		[]string{"link"},
	)
	rxActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rx_active",
			Help:      "1 while a frame is being received.",
		},
		[]string{"link"},
	)
	txActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_active",
			Help:      "1 while a frame is being transmitted.",
		},
		[]string{"link"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched by function code.",
		},
		[]string{"link", "function"},
	)
	exceptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Requests answered with an exception, by exception code.",
		},
		[]string{"link", "code"},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast requests executed without a reply.",
		},
		[]string{"link"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rxFrames, txFrames, rxActive, txActive, requests, exceptions, broadcasts)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// Recorder counts the activity of one link. It is a
// modbus.StatusNotifier and a slave.Observer, and like the framer it
// reports to, it must only be used from the link's goroutine.
type Recorder struct {
	link   string
	rx, tx bool
}

var (
	_ modbus.StatusNotifier = (*Recorder)(nil)
	_ slave.Observer        = (*Recorder)(nil)
)

func NewRecorder(link string) *Recorder {
	RegisterMetrics()
	return &Recorder{link: link}
}

func (r *Recorder) CommunicationStatus(rx, tx bool) {
	if rx && !r.rx {
		rxFrames.WithLabelValues(r.link).Inc()
	}
	if tx && !r.tx {
		txFrames.WithLabelValues(r.link).Inc()
	}
	r.rx, r.tx = rx, tx
	rxActive.WithLabelValues(r.link).Set(gauge(rx))
	txActive.WithLabelValues(r.link).Set(gauge(tx))
}

func (r *Recorder) Observe(functionCode byte, code modbus.ExceptionCode, broadcast bool) {
	requests.WithLabelValues(r.link, fmt.Sprintf("0x%02x", functionCode)).Inc()
	if code != modbus.ExceptionCodeOK {
		exceptions.WithLabelValues(r.link, strconv.Itoa(int(code))).Inc()
	}
	if broadcast {
		broadcasts.WithLabelValues(r.link).Inc()
	}
}

func gauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
