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

	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

const (
	// probabilities are clamped away from 0 and 1 before taking logarithms
	probabilityEpsilon = 1.0e-6
)

// channelParameters is one hypothesis about the channel: a loss limited
// bandwidth and the loss inherent to the link at that bandwidth.
type channelParameters struct {
	inherentLoss         float64
	lossLimitedBandwidth units.Bitrate
}

// ------------------------------------------------

// lossProbability is the loss expected at the given inherent loss if the
// channel capacity were lossLimitedBandwidth: the inherent part plus the
// congestion part for the share of the sending rate exceeding capacity.
func lossProbability(inherentLoss float64, lossLimitedBandwidth, sendingRate units.Bitrate) float64 {
	probability := math.Min(math.Max(inherentLoss, 0.0), 1.0)
	if sendingRate.IsValid() && lossLimitedBandwidth.IsValid() && sendingRate > lossLimitedBandwidth {
		probability += (1.0 - probability) * float64(sendingRate-lossLimitedBandwidth) / float64(sendingRate)
	}
	return math.Min(math.Max(probability, probabilityEpsilon), 1.0-probabilityEpsilon)
}

// inherentLossUpperBound shrinks with bandwidth: on a fat link very little
// loss can be written off as inherent.
func (e *Estimator) inherentLossUpperBound(bandwidth units.Bitrate) float64 {
	if bandwidth == 0 {
		return 1.0
	}
	bound := e.config.InherentLossUpperBoundOffset +
		e.config.InherentLossUpperBoundBandwidthBalance.Bps()/bandwidth.Bps()
	return math.Min(bound, 1.0)
}

// ------------------------------------------------

// derivatives are the first and second partials of the weighted
// log-likelihood with respect to the inherent loss.
func (e *Estimator) derivatives(candidate channelParameters) (float64, float64) {
	var first, second float64
	e.window.ForEach(func(obs observation, weight float64) {
		probability := lossProbability(candidate.inherentLoss, candidate.lossLimitedBandwidth, obs.sendingRate)
		first += weight * (float64(obs.numLostPackets)/probability -
			float64(obs.numReceivedPackets)/(1.0-probability))
		second -= weight * (float64(obs.numLostPackets)/math.Pow(probability, 2) +
			float64(obs.numReceivedPackets)/math.Pow(1.0-probability, 2))
	})

	if second >= 0.0 {
		// mathematically the log-likelihood is strictly concave in the
		// inherent loss, so this only happens on numerical degeneracy
		e.params.Logger.Warnw("loss bwe: non-negative second derivative",
			"second", second,
			"candidate", candidate.lossLimitedBandwidth)
		second = -1.0e-6
	}
	return first, second
}

// newtonsMethodUpdate runs the configured number of damped Newton steps on
// the candidate's inherent loss, clamped into its feasible interval.
func (e *Estimator) newtonsMethodUpdate(candidate *channelParameters) {
	if e.window.NumObservations() <= 0 {
		return
	}
	for iter := 0; iter < e.config.NewtonIterations; iter++ {
		first, second := e.derivatives(*candidate)
		candidate.inherentLoss -= e.config.NewtonStepSize * first / second
		candidate.inherentLoss = math.Max(candidate.inherentLoss, e.config.InherentLossLowerBound)
		candidate.inherentLoss = math.Min(candidate.inherentLoss, e.inherentLossUpperBound(candidate.lossLimitedBandwidth))
	}
}

// ------------------------------------------------

// adjustBiasFactor flips the sign of a bias factor once the reported loss
// crosses the high bandwidth preference threshold, so that under heavy loss
// the objective favors lower candidates.
func (e *Estimator) adjustBiasFactor(lossRate, biasFactor float64) float64 {
	threshold := e.config.LossThresholdOfHighBandwidthPreference
	if threshold+lossRate <= 0.0 {
		return 0.0
	}
	return biasFactor * (threshold - lossRate) / (threshold + lossRate)
}

func (e *Estimator) highBandwidthBias(bandwidth units.Bitrate) float64 {
	if !bandwidth.IsValid() {
		return 0.0
	}
	averageReportedLossRatio := e.window.AverageReportedLossRatio()
	return e.adjustBiasFactor(averageReportedLossRatio, e.config.HigherBandwidthBiasFactor)*bandwidth.Kbps() +
		e.adjustBiasFactor(averageReportedLossRatio, e.config.HigherLogBandwidthBiasFactor)*math.Log(1.0+bandwidth.Kbps())
}

// objective is the temporally weighted log-likelihood of the window under
// the candidate, plus the high bandwidth bias.
func (e *Estimator) objective(candidate channelParameters) float64 {
	var objective float64
	bias := e.highBandwidthBias(candidate.lossLimitedBandwidth)
	e.window.ForEach(func(obs observation, weight float64) {
		probability := lossProbability(candidate.inherentLoss, candidate.lossLimitedBandwidth, obs.sendingRate)
		objective += weight * (float64(obs.numLostPackets)*math.Log(probability) +
			float64(obs.numReceivedPackets)*math.Log(1.0-probability))
		objective += weight * bias * float64(obs.numPackets)
	})
	return objective
}
