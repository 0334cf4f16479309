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

package psa

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	keySlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eip130_psa_key_slots_in_use",
			Help: "Number of key slots holding an open key.",
		},
	)

	keyOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eip130_psa_key_operations_total",
			Help: "Number of key management operations by result.",
		},
		[]string{"operation", "status"},
	)
)

func init() {
	prometheus.MustRegister(keySlotsInUse, keyOperationsTotal)
}

// observe counts one run of operation op that returned err.
func observe(op string, err error) {
	keyOperationsTotal.WithLabelValues(op, StatusOf(err).String()).Inc()
}
