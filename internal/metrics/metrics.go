// Copyright © 2021 Joel Baranick <jbaranick@gmail.com>
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
// 	  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the supervisor's own state as Prometheus metrics
// on the optional --metrics-addr listener (SPEC_FULL.md's AMBIENT STACK
// section). Structured after the teacher's systemd.Collector: a fixed set
// of *prometheus.Desc fields built once in NewCollector, with Collect
// pulling a fresh snapshot on every scrape rather than pushing on change.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victronenergy/dbus-acsystem/internal/monitor"
)

const namespace = "acsystem"

// Collector adapts a monitor.Monitor's Stats snapshot into Prometheus
// metrics.
type Collector struct {
	source *monitor.Monitor

	leaderCount    *prometheus.Desc
	memberCount    *prometheus.Desc
	controlTimeout *prometheus.Desc
}

// NewCollector builds the fixed metric descriptions and binds them to the
// given monitor.
func NewCollector(source *monitor.Monitor) *Collector {
	return &Collector{
		source: source,
		leaderCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leaders"),
			"Number of active leader aggregates.",
			nil, nil,
		),
		memberCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leader_members"),
			"Number of member units aggregated by a leader.",
			[]string{"system_instance"}, nil,
		),
		controlTimeout: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leader_control_timeout_seconds"),
			"Seconds remaining before a leader's ESS control points are forced to zero; -1 when idle.",
			[]string{"system_instance"}, nil,
		),
	}
}

// Describe gathers descriptions of Metrics.
func (c *Collector) Describe(desc chan<- *prometheus.Desc) {
	desc <- c.leaderCount
	desc <- c.memberCount
	desc <- c.controlTimeout
}

// Collect gathers metrics from the monitor's current snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.leaderCount, prometheus.GaugeValue, float64(stats.Leaders))
	for instance, count := range stats.MembersPerLeader {
		label := strconv.Itoa(int(instance))
		ch <- prometheus.MustNewConstMetric(c.memberCount, prometheus.GaugeValue, float64(count), label)
	}
	for instance, timeout := range stats.ControlTimeoutPerLeader {
		label := strconv.Itoa(int(instance))
		ch <- prometheus.MustNewConstMetric(c.controlTimeout, prometheus.GaugeValue, float64(timeout), label)
	}
}
