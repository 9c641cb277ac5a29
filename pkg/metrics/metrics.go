// Copyright 2024 iXsystems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics is the collection of metrics the client exposes. Everything
// is labelled by the controller's remote address, so one process driving
// several targets stays observable per connection.
type AppMetrics struct {
	// OpenConnections counts established NVMe/TCP sessions.
	OpenConnections *prometheus.GaugeVec
	// InflightCommands counts live slots in the request registry.
	InflightCommands *prometheus.GaugeVec
	// CommandTimeouts counts commands failed by the deadline sweeper.
	CommandTimeouts *prometheus.CounterVec
	// KeepAliveFailures counts keep-alive commands that failed or timed out.
	KeepAliveFailures *prometheus.CounterVec
	// AsyncEventsReceived counts decoded AEN completions.
	AsyncEventsReceived *prometheus.CounterVec
	// AsyncEventsDropped counts AENs discarded because the queue was full.
	AsyncEventsDropped *prometheus.CounterVec
}

var Metrics AppMetrics

func init() {
	Metrics.OpenConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmeof_client_open_connections",
			Help: "Number of established NVMe/TCP sessions.",
		},
		[]string{"remote_addr"},
	)
	Metrics.InflightCommands = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmeof_client_inflight_commands",
			Help: "Number of commands awaiting completion.",
		},
		[]string{"remote_addr"},
	)
	Metrics.CommandTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmeof_client_command_timeouts_total",
			Help: "Commands failed because their deadline expired.",
		},
		[]string{"remote_addr"},
	)
	Metrics.KeepAliveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmeof_client_keepalive_failures_total",
			Help: "Keep-alive commands that failed and tore the session down.",
		},
		[]string{"remote_addr"},
	)
	Metrics.AsyncEventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmeof_client_async_events_received_total",
			Help: "Asynchronous event notifications received.",
		},
		[]string{"remote_addr"},
	)
	Metrics.AsyncEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmeof_client_async_events_dropped_total",
			Help: "Asynchronous events dropped because the queue overflowed.",
		},
		[]string{"remote_addr"},
	)

	prometheus.MustRegister(Metrics.OpenConnections)
	prometheus.MustRegister(Metrics.InflightCommands)
	prometheus.MustRegister(Metrics.CommandTimeouts)
	prometheus.MustRegister(Metrics.KeepAliveFailures)
	prometheus.MustRegister(Metrics.AsyncEventsReceived)
	prometheus.MustRegister(Metrics.AsyncEventsDropped)
}
