// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	beaconNamespace string = "beacon"
)

var (
	initialized atomic.Bool

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: beaconNamespace,
			Subsystem: "node",
			Name:      "messages",
		},
		[]string{"type", "status"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: beaconNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	promGatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: beaconNamespace,
			Subsystem: "gateway",
			Name:      "request_ms",
			Help:      "Latency of media server API calls.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"op", "status"},
	)
)

// Init registers every collector with the default registry. Repeated calls are no-ops.
func Init() {
	if initialized.Swap(true) {
		return
	}

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(ServiceOperationCounter)
	prometheus.MustRegister(promGatewayLatency)

	initRoomStats()
}

func RecordGatewayRequest(op string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	promGatewayLatency.WithLabelValues(op, status).Observe(float64(time.Since(started).Milliseconds()))
}

func RecordServiceOperation(op string, err error, errorType string) {
	if err != nil {
		ServiceOperationCounter.WithLabelValues(op, "error", errorType).Add(1)
		return
	}
	ServiceOperationCounter.WithLabelValues(op, "success", "").Add(1)
}
