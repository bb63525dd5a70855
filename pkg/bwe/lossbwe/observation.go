// Copyright 2025 Relaymesh, Inc.
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

package lossbwe

import (
	"math"
	"time"

	"github.com/relaymesh/congestion/pkg/bwe"
	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

// observation is a closed aggregate of packet outcomes spanning at least
// the configured observation duration. Once closed it is immutable.
type observation struct {
	id                 int
	numPackets         int
	numLostPackets     int
	numReceivedPackets int
	size               int64 // bytes
	sendingRate        units.Bitrate
}

func (o observation) isInitialized() bool {
	return o.id >= 0
}

// partialObservation accumulates feedback until the send time span crosses
// the observation duration lower bound.
type partialObservation struct {
	numPackets     int
	numLostPackets int
	size           int64 // bytes
}

// ------------------------------------------------

type observationWindowParams struct {
	WindowSize                            int
	DurationLowerBound                    time.Duration
	SendingRateSmoothingFactor            float64
	TemporalWeightFactor                  float64
	InstantUpperBoundTemporalWeightFactor float64
}

// observationWindow is the fixed-size ring of closed observations. The ring
// is pre-sized at construction so the feedback path does not allocate.
type observationWindow struct {
	params observationWindowParams

	observations    []observation
	numObservations int
	partial         partialObservation
	lastSendTime    units.Timestamp

	// weights[age] applies to the observation that is age closes behind the
	// newest one
	temporalWeights        []float64
	instantTemporalWeights []float64
}

func newObservationWindow(params observationWindowParams) *observationWindow {
	w := &observationWindow{
		params:                 params,
		observations:           make([]observation, params.WindowSize),
		lastSendTime:           units.TimestampPlusInfinity,
		temporalWeights:        make([]float64, params.WindowSize),
		instantTemporalWeights: make([]float64, params.WindowSize),
	}
	for idx := range w.observations {
		w.observations[idx].id = -1
	}
	for age := 0; age < params.WindowSize; age++ {
		w.temporalWeights[age] = math.Pow(params.TemporalWeightFactor, float64(age))
		w.instantTemporalWeights[age] = math.Pow(params.InstantUpperBoundTemporalWeightFactor, float64(age))
	}
	return w
}

// Push folds a feedback batch into the open partial observation and closes
// it when the batch's last send time is at least the duration lower bound
// past the previous close. It returns true iff an observation was closed.
// A batch that does not advance that far closes no observation, so a
// re-ingested contained batch does not change the estimate; its packets
// are still counted into the open partial observation.
func (w *observationWindow) Push(batch []bwe.PacketResult) bool {
	if len(batch) == 0 {
		return false
	}

	w.partial.numPackets += len(batch)
	for _, pr := range batch {
		if !pr.IsReceived() {
			w.partial.numLostPackets++
		}
		w.partial.size += pr.Size
	}

	// first ever feedback just anchors the observation start
	if !w.lastSendTime.IsFinite() {
		w.lastSendTime = batch[0].SendTime
	}

	lastSendTime := batch[len(batch)-1].SendTime
	span := lastSendTime.Sub(w.lastSendTime)
	if span < w.params.DurationLowerBound {
		return false
	}
	w.lastSendTime = lastSendTime

	obs := observation{
		id:             w.numObservations,
		numPackets:     w.partial.numPackets,
		numLostPackets: w.partial.numLostPackets,
		size:           w.partial.size,
	}
	obs.numReceivedPackets = obs.numPackets - obs.numLostPackets
	obs.sendingRate = w.smoothedSendingRate(units.BitrateOver(w.partial.size, span))

	w.observations[obs.id%w.params.WindowSize] = obs
	w.numObservations++
	w.partial = partialObservation{}
	return true
}

func (w *observationWindow) smoothedSendingRate(instantaneous units.Bitrate) units.Bitrate {
	if w.numObservations <= 0 {
		return instantaneous
	}
	previous := w.observations[(w.numObservations-1)%w.params.WindowSize].sendingRate
	alpha := w.params.SendingRateSmoothingFactor
	return units.BitrateFromBps(alpha*previous.Bps() + (1.0-alpha)*instantaneous.Bps())
}

func (w *observationWindow) NumObservations() int {
	return w.numObservations
}

// LastSendTime is the send time at which the newest observation closed, the
// first send time seen while no observation has closed yet, or
// TimestampPlusInfinity before any feedback has been seen.
func (w *observationWindow) LastSendTime() units.Timestamp {
	return w.lastSendTime
}

// ForEach visits every closed observation still in the window together with
// its temporal weight for the optimizer objective.
func (w *observationWindow) ForEach(visit func(obs observation, weight float64)) {
	for _, obs := range w.observations {
		if !obs.isInitialized() {
			continue
		}
		visit(obs, w.temporalWeights[(w.numObservations-1)-obs.id])
	}
}

// AverageReportedLossRatio is the reported loss ratio across the window,
// weighted per packet with the instant upper bound temporal weights.
func (w *observationWindow) AverageReportedLossRatio() float64 {
	if w.numObservations <= 0 {
		return 0.0
	}

	var numPackets, numLostPackets float64
	for _, obs := range w.observations {
		if !obs.isInitialized() {
			continue
		}
		weight := w.instantTemporalWeights[(w.numObservations-1)-obs.id]
		numPackets += weight * float64(obs.numPackets)
		numLostPackets += weight * float64(obs.numLostPackets)
	}
	if numPackets <= 0.0 {
		return 0.0
	}
	return numLostPackets / numPackets
}
