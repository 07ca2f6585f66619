/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics wraps the OpenStack API calls this daemon issues
// (Cinder volume/attach verbs, Manila share/access verbs) in Prometheus
// request/duration/error counters.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics groups the three vectors every call site observes.
type PrometheusMetrics struct {
	Duration *prometheus.HistogramVec
	Total    *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

// Context carries the start time and label values for one in-flight
// OpenStack API call.
type Context struct {
	Start      time.Time
	Attributes []string
}

// NewContext starts timing a call against resource (e.g. "volume", "share",
// "attachment") for request (e.g. "create", "delete", "attach").
func NewContext(resource, request string) *Context {
	return &Context{
		Start:      time.Now(),
		Attributes: []string{resource + "_" + request},
	}
}

// Observe records latency and counts the call, plus an error if err != nil.
// It returns err unchanged so call sites can wrap with a single line:
// return mc.Observe(err).
func (c *Context) Observe(err error) error {
	APIRequestMetrics.Duration.WithLabelValues(c.Attributes...).Observe(time.Since(c.Start).Seconds())
	APIRequestMetrics.Total.WithLabelValues(c.Attributes...).Inc()
	if err != nil {
		APIRequestMetrics.Errors.WithLabelValues(c.Attributes...).Inc()
	}
	return err
}

var APIRequestMetrics = &PrometheusMetrics{
	Duration: prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docker_volume_fuxi",
			Name:      "openstack_api_request_duration_seconds",
			Help:      "Latency of an OpenStack API call",
		}, []string{"request"}),
	Total: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docker_volume_fuxi",
			Name:      "openstack_api_requests_total",
			Help:      "Total number of OpenStack API calls",
		}, []string{"request"}),
	Errors: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docker_volume_fuxi",
			Name:      "openstack_api_request_errors_total",
			Help:      "Total number of errors for an OpenStack API call",
		}, []string{"request"}),
}

var registerOnce sync.Once

// Register registers every metric with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(APIRequestMetrics.Duration)
		prometheus.MustRegister(APIRequestMetrics.Total)
		prometheus.MustRegister(APIRequestMetrics.Errors)
	})
}
