// Copyright (c) 2024, Google LLC All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vex

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eip130_vex_exchanges_total",
			Help: "Number of token exchanges, by opcode",
		},
		[]string{"opcode"},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eip130_vex_failures_total",
			Help: "Number of failed services, by opcode and status",
		},
		[]string{"opcode", "status"},
	)

	exchangeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eip130_vex_exchange_duration_seconds",
			Help:    "Duration of token exchanges, by opcode",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 16),
		},
		[]string{"opcode"},
	)
)

func init() {
	prometheus.MustRegister(exchangesTotal, failuresTotal, exchangeSeconds)
}
