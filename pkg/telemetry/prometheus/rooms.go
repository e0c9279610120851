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

var (
	roomCurrent        atomic.Int32
	participantCurrent atomic.Int32
	recordingCurrent   atomic.Int32
	connectionCurrent  atomic.Int32

	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: beaconNamespace,
		Subsystem: "room",
		Name:      "total",
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: beaconNamespace,
		Subsystem: "room",
		Name:      "duration_seconds",
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60, 10 * 60 * 60,
		},
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: beaconNamespace,
		Subsystem: "participant",
		Name:      "total",
	})
	promRecordingCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: beaconNamespace,
		Subsystem: "recording",
		Name:      "total",
	})
	promRecordingCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: beaconNamespace,
		Subsystem: "recording",
		Name:      "counter",
	}, []string{"state"})
	promConnectionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: beaconNamespace,
		Subsystem: "signal",
		Name:      "connections",
	})
	promTeardownCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: beaconNamespace,
		Subsystem: "room",
		Name:      "teardown",
	}, []string{"reason"})
)

func initRoomStats() {
	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promRoomDuration)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promRecordingCurrent)
	prometheus.MustRegister(promRecordingCounter)
	prometheus.MustRegister(promConnectionCurrent)
	prometheus.MustRegister(promTeardownCounter)
}

func RoomStarted() {
	promRoomCurrent.Add(1)
	roomCurrent.Inc()
}

func RoomEnded(startedAt time.Time, reason string) {
	if !startedAt.IsZero() {
		promRoomDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promRoomCurrent.Sub(1)
	roomCurrent.Dec()
	promTeardownCounter.WithLabelValues(reason).Add(1)
}

func AddParticipant() {
	promParticipantCurrent.Add(1)
	participantCurrent.Inc()
}

func SubParticipant() {
	promParticipantCurrent.Sub(1)
	participantCurrent.Dec()
}

func RecordingStarted() {
	promRecordingCurrent.Add(1)
	recordingCurrent.Inc()
	promRecordingCounter.WithLabelValues("started").Add(1)
}

func RecordingFailed() {
	promRecordingCounter.WithLabelValues("failed").Add(1)
}

func RecordingEnded() {
	promRecordingCurrent.Sub(1)
	recordingCurrent.Dec()
	promRecordingCounter.WithLabelValues("completed").Add(1)
}

func AddConnection() {
	promConnectionCurrent.Add(1)
	connectionCurrent.Inc()
}

func SubConnection() {
	promConnectionCurrent.Sub(1)
	connectionCurrent.Dec()
}

type Snapshot struct {
	Rooms        int32 `json:"rooms"`
	Participants int32 `json:"participants"`
	Recordings   int32 `json:"recordings"`
	Connections  int32 `json:"connections"`
}

func Current() Snapshot {
	return Snapshot{
		Rooms:        roomCurrent.Load(),
		Participants: participantCurrent.Load(),
		Recordings:   recordingCurrent.Load(),
		Connections:  connectionCurrent.Load(),
	}
}
