/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics holds the prometheus instruments of the inbound data path.
// All instruments carry direction="inbound"; the exporter endpoint belongs to
// the external admin surface, only the registry is shared with it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// LabelDirection is the fixed direction label of every inbound metric.
	LabelDirection = "inbound"
)

// Proxy bundles the inbound data-path instruments on one registry.
type Proxy struct {
	reg prometheus.Registerer

	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	httpBodySize   *prometheus.HistogramVec
	clientRequests *prometheus.CounterVec
	clientLatency  *prometheus.HistogramVec
	clientBodySize *prometheus.HistogramVec
	detectFailures *prometheus.CounterVec
	refusals       *prometheus.CounterVec
	transportOpen  *prometheus.CounterVec
	transportClose *prometheus.CounterVec
}

// New builds the inbound instrument set on the given registerer. A nil
// registerer falls back to the default prometheus registry.
func New(reg prometheus.Registerer) *Proxy {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Proxy{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_http_requests",
			Help:        "Total HTTP requests handled by the inbound pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"status_code", "authority", "route", "classification"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "inbound_http_request_seconds",
			Help:        "Latency of HTTP requests handled by the inbound pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
			Buckets:     prometheus.DefBuckets,
		}, []string{"authority", "route"}),
		httpBodySize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "inbound_http_response_body_bytes",
			Help:        "Response body sizes of HTTP requests handled by the inbound pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"authority", "route"}),
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_client_http_requests",
			Help:        "Total upstream HTTP requests issued by the client pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"status_class", "authority", "route"}),
		clientLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "inbound_client_http_request_seconds",
			Help:        "Latency of upstream HTTP requests issued by the client pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
			Buckets:     prometheus.DefBuckets,
		}, []string{"authority", "route"}),
		clientBodySize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "inbound_client_http_response_body_bytes",
			Help:        "Response body sizes of upstream HTTP requests issued by the client pipeline",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"authority", "route"}),
		detectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_detect_failures",
			Help:        "Connections refused because protocol detection timed out or matched nothing",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"stage"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_refused_connections",
			Help:        "Connections refused before dispatch, by reason",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"reason"}),
		transportOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_transport_open",
			Help:        "Accepted inbound connections",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"proto"}),
		transportClose: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "inbound_transport_close",
			Help:        "Closed inbound connections",
			ConstLabels: prometheus.Labels{"direction": LabelDirection},
		}, []string{"proto"}),
	}

	reg.MustRegister(
		p.httpRequests,
		p.httpLatency,
		p.httpBodySize,
		p.clientRequests,
		p.clientLatency,
		p.clientBodySize,
		p.detectFailures,
		p.refusals,
		p.transportOpen,
		p.transportClose,
	)

	return p
}

// IncHTTPRequest records one served HTTP request with its route
// classification.
func (p *Proxy) IncHTTPRequest(status, authority, route, classification string, latency time.Duration, bodyBytes int64) {
	p.httpRequests.WithLabelValues(status, authority, route, classification).Inc()
	p.httpLatency.WithLabelValues(authority, route).Observe(latency.Seconds())
	p.httpBodySize.WithLabelValues(authority, route).Observe(float64(bodyBytes))
}

// IncClientRequest records one upstream request issued by the client
// pipeline, bucketed by status class ("2xx", "5xx", ...).
func (p *Proxy) IncClientRequest(statusClass, authority, route string, latency time.Duration, bodyBytes int64) {
	p.clientRequests.WithLabelValues(statusClass, authority, route).Inc()
	p.clientLatency.WithLabelValues(authority, route).Observe(latency.Seconds())
	p.clientBodySize.WithLabelValues(authority, route).Observe(float64(bodyBytes))
}

// StatusClass buckets an HTTP status for the client metrics.
func StatusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// IncDetectFailure records one detection refusal for the given stage.
func (p *Proxy) IncDetectFailure(stage string) {
	p.detectFailures.WithLabelValues(stage).Inc()
}

// IncRefusal records one pre-dispatch connection refusal.
func (p *Proxy) IncRefusal(reason string) {
	p.refusals.WithLabelValues(reason).Inc()
}

// IncTransportOpen records one accepted connection for the given protocol.
func (p *Proxy) IncTransportOpen(proto string) {
	p.transportOpen.WithLabelValues(proto).Inc()
}

// IncTransportClose records one closed connection for the given protocol.
func (p *Proxy) IncTransportClose(proto string) {
	p.transportClose.WithLabelValues(proto).Inc()
}
