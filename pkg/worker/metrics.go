// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import "github.com/prometheus/client_golang/prometheus"

// metrics are the worker's prometheus counters.
type metrics struct {
	jobs     *prometheus.CounterVec
	findings *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Analysis jobs by kind and terminal result.",
		}, []string{"kind", "result"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Subsystem: "worker",
			Name:      "findings_total",
			Help:      "Persisted findings by severity.",
		}, []string{"severity"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ckg",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time per analysis job.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.findings, m.duration)
	}
	return m
}
