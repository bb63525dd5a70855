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

// Package lossbwe implements the loss based bandwidth estimator of the
// congestion controller.
//
// Packet feedback is aggregated into fixed duration observations. For every
// update a small set of candidate bandwidths is derived from the current
// estimate, the acknowledged rate and the delay based estimate; for each
// candidate a damped Newton iteration fits the loss inherent to the link,
// and the candidate maximizing a temporally weighted log-likelihood (plus a
// configurable preference for higher bandwidths) becomes the new estimate.
// A set of hard and soft bounds is applied on top: an instant upper bound
// derived from the recent loss ratio, a post-backoff delayed increase
// window, an acknowledged rate floor and the configured min/max rates.
package lossbwe

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaymesh/congestion/pkg/bwe"
	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

// State describes how the loss based estimate relates to the delay based
// estimate after the most recent update.
type State int

const (
	StateDelayBasedEstimate State = iota
	StateIncreasing
	StateDecreasing
)

func (s State) String() string {
	switch s {
	case StateDelayBasedEstimate:
		return "DELAY_BASED_ESTIMATE"
	case StateIncreasing:
		return "INCREASING"
	case StateDecreasing:
		return "DECREASING"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// ------------------------------------------------

// Result is the read-only outcome of the estimator. It is returned by
// value and never aliases internal state.
type Result struct {
	BandwidthEstimate units.Bitrate
	State             State
}

func (r Result) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("bandwidthEstimate", r.BandwidthEstimate.String())
	encoder.AddString("state", r.State.String())
	return nil
}

// ------------------------------------------------

// holdInfo records the level and time of the latest backoff, for logging
// and post mortem analysis of rate drops.
type holdInfo struct {
	rate units.Bitrate
	at   units.Timestamp
}

// ------------------------------------------------

const (
	// floor for the post-backoff increase limit, so a deep backoff cannot
	// pin the window to an unusable rate
	windowLimitFloor = 5 * units.KilobitsPerSecond

	defaultMinBitrate = 1 * units.KilobitsPerSecond
)

type EstimatorParams struct {
	Config Config
	Logger *zap.SugaredLogger
}

// Estimator is the loss based bandwidth estimator. Instances are fully
// self contained and safe for use from a single worker; the embedded lock
// only guards against snapshot reads from other goroutines.
type Estimator struct {
	params EstimatorParams

	lock    sync.Mutex
	config  Config
	enabled bool

	window *observationWindow

	acknowledgedBitrate units.Bitrate
	delayBasedEstimate  units.Bitrate
	minBitrate          units.Bitrate
	maxBitrate          units.Bitrate

	currentBestEstimate channelParameters

	cachedInstantUpperBound units.Bitrate
	cachedInstantLowerBound units.Bitrate

	recoveringAfterLossTimestamp  units.Timestamp
	bandwidthLimitInCurrentWindow units.Bitrate
	lastTimeEstimateReduced       units.Timestamp
	lastHoldInfo                  holdInfo

	result Result
}

func NewEstimator(params EstimatorParams) *Estimator {
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}

	e := &Estimator{
		params:  params,
		config:  params.Config,
		enabled: params.Config.Enabled,

		delayBasedEstimate: units.BitrateInfinity,
		minBitrate:         defaultMinBitrate,
		maxBitrate:         units.BitrateInfinity,

		currentBestEstimate: channelParameters{
			inherentLoss:         params.Config.InitialInherentLossEstimate,
			lossLimitedBandwidth: units.BitrateInfinity,
		},

		cachedInstantUpperBound: units.BitrateInfinity,
		cachedInstantLowerBound: defaultMinBitrate,

		recoveringAfterLossTimestamp:  units.TimestampMinusInfinity,
		bandwidthLimitInCurrentWindow: units.BitrateInfinity,
		lastTimeEstimateReduced:       units.TimestampMinusInfinity,

		result: Result{
			BandwidthEstimate: units.BitrateInfinity,
			State:             StateDelayBasedEstimate,
		},
	}

	if e.enabled {
		if err := e.config.Validate(); err != nil {
			e.params.Logger.Warnw("loss bwe: disabled by invalid configuration", "error", err)
			e.enabled = false
		}
	}
	if e.enabled {
		e.window = newObservationWindow(observationWindowParams{
			WindowSize:                            e.config.ObservationWindowSize,
			DurationLowerBound:                    e.config.ObservationDurationLowerBound,
			SendingRateSmoothingFactor:            e.config.SendingRateSmoothingFactor,
			TemporalWeightFactor:                  e.config.TemporalWeightFactor,
			InstantUpperBoundTemporalWeightFactor: e.config.InstantUpperBoundTemporalWeightFactor,
		})
	}
	return e
}

// ------------------------------------------------

// IsEnabled reports whether the configuration passed validation. A
// disabled estimator passes the delay based estimate through unchanged.
func (e *Estimator) IsEnabled() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.enabled
}

// IsReady reports whether enough observations have been ingested for the
// estimate to be usable.
func (e *Estimator) IsReady() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.isReadyLocked()
}

func (e *Estimator) isReadyLocked() bool {
	return e.enabled &&
		e.currentBestEstimate.lossLimitedBandwidth.IsValid() &&
		e.window.NumObservations() >= e.config.MinNumObservations
}

// ReadyToUseInStartPhase reports whether the estimate may drive the send
// rate while the connection is still ramping up.
func (e *Estimator) ReadyToUseInStartPhase() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.isReadyLocked() && e.config.UseInStartPhase
}

// ------------------------------------------------

// SetAcknowledgedBitrate updates the acknowledged rate hint. The estimate
// itself only changes on the next update that closes an observation.
func (e *Estimator) SetAcknowledgedBitrate(acknowledgedBitrate units.Bitrate) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !acknowledgedBitrate.IsValid() {
		e.params.Logger.Warnw("loss bwe: ignoring invalid acknowledged bitrate", "acknowledgedBitrate", acknowledgedBitrate)
		return
	}
	e.acknowledgedBitrate = acknowledgedBitrate
	e.recalculateInstantLowerBound()
}

// SetBandwidthEstimate seeds or overrides the current estimate without
// clearing observation history.
func (e *Estimator) SetBandwidthEstimate(bandwidthEstimate units.Bitrate) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !bandwidthEstimate.IsValid() {
		e.params.Logger.Warnw("loss bwe: ignoring invalid bandwidth estimate", "bandwidthEstimate", bandwidthEstimate)
		return
	}
	e.currentBestEstimate.lossLimitedBandwidth = bandwidthEstimate
	e.result = Result{
		BandwidthEstimate: bandwidthEstimate,
		State:             StateDelayBasedEstimate,
	}
}

// SetMinMaxBitrate sets the hard clamp applied to all future outputs.
func (e *Estimator) SetMinMaxBitrate(minBitrate, maxBitrate units.Bitrate) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if minBitrate.IsValid() {
		e.minBitrate = minBitrate
	} else {
		e.params.Logger.Warnw("loss bwe: ignoring invalid min bitrate", "minBitrate", minBitrate)
	}
	if maxBitrate.IsValid() || maxBitrate.IsInfinite() {
		e.maxBitrate = maxBitrate
	} else {
		e.params.Logger.Warnw("loss bwe: ignoring invalid max bitrate", "maxBitrate", maxBitrate)
	}
	e.recalculateInstantLowerBound()
	e.recalculateInstantUpperBound()
}

// GetLossBasedResult returns the current estimate and state. Until the
// estimator is ready it reports the delay based estimate, or an unbounded
// rate if none has been seen.
func (e *Estimator) GetLossBasedResult() Result {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !e.isReadyLocked() {
		estimate := units.BitrateInfinity
		if e.delayBasedEstimate.IsValid() {
			estimate = e.delayBasedEstimate
		}
		return Result{
			BandwidthEstimate: estimate,
			State:             StateDelayBasedEstimate,
		}
	}
	return e.result
}

// ------------------------------------------------

// UpdateBandwidthEstimate ingests a feedback batch ordered by send time
// together with the current delay based estimate and the application
// limited flag. If the batch does not close an observation the previous
// result is preserved.
func (e *Estimator) UpdateBandwidthEstimate(batch []bwe.PacketResult, delayBasedEstimate units.Bitrate, inALR bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.delayBasedEstimate = delayBasedEstimate
	if !e.enabled {
		return
	}
	if len(batch) == 0 {
		return
	}
	if !e.window.Push(batch) {
		return
	}

	if !e.currentBestEstimate.lossLimitedBandwidth.IsValid() {
		if !delayBasedEstimate.IsValid() {
			e.params.Logger.Warnw("loss bwe: no estimate to seed from, waiting for a delay based estimate")
			return
		}
		e.currentBestEstimate.lossLimitedBandwidth = delayBasedEstimate
		e.result = Result{
			BandwidthEstimate: delayBasedEstimate,
			State:             StateDelayBasedEstimate,
		}
	}

	e.recalculateInstantUpperBound()

	bestCandidate := e.currentBestEstimate
	objectiveMax := math.Inf(-1)
	for _, candidate := range e.getCandidates(inALR) {
		e.newtonsMethodUpdate(&candidate)
		if objective := e.objective(candidate); objective > objectiveMax {
			objectiveMax = objective
			bestCandidate = candidate
		}
	}

	if bestCandidate.lossLimitedBandwidth < e.currentBestEstimate.lossLimitedBandwidth {
		e.lastTimeEstimateReduced = e.window.LastSendTime()
	}

	// when the model attributes less loss to the link than is being
	// reported, an increase is not trustworthy
	if e.config.NotIncreaseIfInherentLossLessThanAverageLoss &&
		e.window.AverageReportedLossRatio() > bestCandidate.inherentLoss &&
		bestCandidate.lossLimitedBandwidth > e.currentBestEstimate.lossLimitedBandwidth {
		bestCandidate.lossLimitedBandwidth = e.currentBestEstimate.lossLimitedBandwidth
	}

	// inside the delayed increase window the estimate may not exceed the
	// limit armed at the latest backoff
	if e.isBandwidthLimitedDueToLoss() &&
		e.recoveringAfterLossTimestamp.IsFinite() &&
		e.recoveringAfterLossTimestamp.Add(e.config.DelayedIncreaseWindow) > e.window.LastSendTime() &&
		bestCandidate.lossLimitedBandwidth > e.bandwidthLimitInCurrentWindow {
		bestCandidate.lossLimitedBandwidth = e.bandwidthLimitInCurrentWindow
	}

	boundedEstimate := units.MinBitrate(bestCandidate.lossLimitedBandwidth, e.instantUpperBound())
	if e.delayBasedEstimate.IsValid() {
		boundedEstimate = units.MinBitrate(boundedEstimate, e.delayBasedEstimate)
	}
	boundedEstimate = units.MaxBitrate(boundedEstimate, e.instantLowerBound())
	// the configured max bitrate is a hard clamp on the output
	boundedEstimate = units.MinBitrate(boundedEstimate, e.maxBitrate)

	e.currentBestEstimate = bestCandidate
	if e.config.LowerBoundByAckedRateFactor > 0.0 {
		e.currentBestEstimate.lossLimitedBandwidth =
			units.MaxBitrate(e.currentBestEstimate.lossLimitedBandwidth, e.instantLowerBound())
	}

	previousEstimate := e.result.BandwidthEstimate
	state := e.result.State
	switch {
	case boundedEstimate < previousEstimate:
		state = StateDecreasing
		e.lastHoldInfo = holdInfo{
			rate: boundedEstimate,
			at:   e.window.LastSendTime(),
		}
	case boundedEstimate > previousEstimate:
		if e.delayBasedEstimate.IsValid() && boundedEstimate >= e.delayBasedEstimate {
			state = StateDelayBasedEstimate
		} else {
			state = StateIncreasing
		}
	}
	e.result = Result{
		BandwidthEstimate: boundedEstimate,
		State:             state,
	}

	// (re-)arm the delayed increase window while loss limited
	if e.result.State != StateDelayBasedEstimate &&
		(!e.recoveringAfterLossTimestamp.IsFinite() ||
			e.recoveringAfterLossTimestamp.Add(e.config.DelayedIncreaseWindow) < e.window.LastSendTime()) {
		e.bandwidthLimitInCurrentWindow = units.MaxBitrate(
			windowLimitFloor,
			e.currentBestEstimate.lossLimitedBandwidth.MulFloat(e.config.MaxIncreaseFactor),
		)
		e.recoveringAfterLossTimestamp = e.window.LastSendTime()
	}

	e.params.Logger.Debugw("loss bwe: updated estimate",
		"result", e.result,
		"inherentLoss", e.currentBestEstimate.inherentLoss,
		"averageReportedLossRatio", e.window.AverageReportedLossRatio(),
		"delayBasedEstimate", delayBasedEstimate,
		"inALR", inALR,
		"lastTimeEstimateReduced", e.lastTimeEstimateReduced,
		"lastHoldRate", e.lastHoldInfo.rate,
		"lastHoldAt", e.lastHoldInfo.at,
	)
}

// ------------------------------------------------

func (e *Estimator) isBandwidthLimitedDueToLoss() bool {
	return e.result.State != StateDelayBasedEstimate
}

// getCandidates derives the candidate set for this update: multiples of
// the current estimate, optionally the backed-off acknowledged rate
// (unless application limited) and the delay based estimate when it lies
// above the current estimate.
func (e *Estimator) getCandidates(inALR bool) []channelParameters {
	best := e.currentBestEstimate

	bandwidths := make([]units.Bitrate, 0, len(e.config.CandidateFactors)+2)
	for _, factor := range e.config.CandidateFactors {
		bandwidths = append(bandwidths, best.lossLimitedBandwidth.MulFloat(factor))
	}
	if e.acknowledgedBitrate.IsValid() && e.config.AppendAcknowledgedRateCandidate {
		if !(e.config.NotUseAckedRateInALR && inALR) {
			bandwidths = append(bandwidths, e.acknowledgedBitrate.MulFloat(e.config.BandwidthBackoffLowerBoundFactor))
		}
	}
	if e.delayBasedEstimate.IsValid() && e.config.AppendDelayBasedEstimateCandidate &&
		e.delayBasedEstimate > best.lossLimitedBandwidth {
		bandwidths = append(bandwidths, e.delayBasedEstimate)
	}

	upperBound := e.candidateBandwidthUpperBound()
	candidates := make([]channelParameters, len(bandwidths))
	for idx, bandwidth := range bandwidths {
		candidate := best
		candidate.lossLimitedBandwidth = units.MinBitrate(bandwidth, upperBound)
		candidates[idx] = candidate
	}
	return candidates
}

// candidateBandwidthUpperBound caps candidate growth: by the delayed
// increase limit while recovering from a backoff, and by a rampup factor
// of the acknowledged rate.
func (e *Estimator) candidateBandwidthUpperBound() units.Bitrate {
	upperBound := e.maxBitrate
	if e.isBandwidthLimitedDueToLoss() && e.bandwidthLimitInCurrentWindow.IsValid() {
		upperBound = e.bandwidthLimitInCurrentWindow
	}
	if e.acknowledgedBitrate.IsValid() {
		upperBound = units.MinBitrate(upperBound, e.acknowledgedBitrate.MulFloat(e.config.BandwidthRampupUpperBoundFactor))
	}
	return upperBound
}

// ------------------------------------------------

func (e *Estimator) instantUpperBound() units.Bitrate {
	return e.cachedInstantUpperBound
}

// recalculateInstantUpperBound refreshes the cap derived from the recent
// reported loss ratio: the bandwidth balance scaled by how far the loss
// exceeds the offset, and a stricter linear cap above the high loss rate
// threshold.
func (e *Estimator) recalculateInstantUpperBound() {
	instantLimit := e.maxBitrate
	if e.window == nil {
		e.cachedInstantUpperBound = instantLimit
		return
	}
	averageReportedLossRatio := e.window.AverageReportedLossRatio()
	if averageReportedLossRatio > e.config.InstantUpperBoundLossOffset {
		instantLimit = e.config.InstantUpperBoundBandwidthBalance.DivFloat(
			averageReportedLossRatio - e.config.InstantUpperBoundLossOffset)
		if averageReportedLossRatio > e.config.HighLossRateThreshold {
			cappedKbps := math.Max(
				e.minBitrate.Kbps(),
				e.config.BandwidthCapAtHighLossRate.Kbps()-e.config.SlopeOfHighLossRateCap*averageReportedLossRatio,
			)
			instantLimit = units.MinBitrate(instantLimit, units.BitrateFromKbps(cappedKbps))
		}
	}
	e.cachedInstantUpperBound = instantLimit
}

func (e *Estimator) instantLowerBound() units.Bitrate {
	return e.cachedInstantLowerBound
}

// recalculateInstantLowerBound refreshes the floor: the configured min
// bitrate, raised to a factor of the acknowledged rate when enabled.
func (e *Estimator) recalculateInstantLowerBound() {
	instantLowerBound := units.Bitrate(0)
	if e.acknowledgedBitrate.IsValid() && e.config.LowerBoundByAckedRateFactor > 0.0 {
		instantLowerBound = e.acknowledgedBitrate.MulFloat(e.config.LowerBoundByAckedRateFactor)
	}
	if e.minBitrate.IsValid() {
		instantLowerBound = units.MaxBitrate(instantLowerBound, e.minBitrate)
	}
	e.cachedInstantLowerBound = instantLowerBound
}
