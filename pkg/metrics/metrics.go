/*
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

// Package metrics declares the Prometheus instruments shared across the
// binaries. Everything registers on the default registry and is served by
// the /metrics endpoint each binary exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metget"

var (
	RequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_accepted_total",
		Help:      "Build requests accepted and published to the queue.",
	})
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_rejected_total",
		Help:      "Build requests rejected at intake, by reason.",
	}, []string{"reason"})

	BuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "builder",
		Name:      "builds_started_total",
		Help:      "Build attempts started, including retries.",
	})
	BuildsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "builder",
		Name:      "builds_finished_total",
		Help:      "Builds reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Wall time of one build attempt.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	FilesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "download",
		Name:      "files_ingested_total",
		Help:      "Upstream files fetched and cataloged, by service.",
	}, []string{"service"})
	FilesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "download",
		Name:      "files_skipped_total",
		Help:      "Discovered candidates skipped, by service and reason.",
	}, []string{"service", "reason"})
	DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "download",
		Name:      "fetch_duration_seconds",
		Help:      "Wall time of one upstream fetch.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"service"})
)
