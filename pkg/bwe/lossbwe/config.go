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
	"fmt"
	"time"

	"github.com/relaymesh/congestion/pkg/fieldtrial"
	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

// FieldTrialName is the section of the field trial string that tunes the
// loss based estimator.
const FieldTrialName = "Bwe-LossBasedEstimator"

// ------------------------------------------------

type Config struct {
	Enabled bool `yaml:"enabled,omitempty"`

	BandwidthRampupUpperBoundFactor  float64   `yaml:"bandwidth_rampup_upper_bound_factor,omitempty"`
	BandwidthBackoffLowerBoundFactor float64   `yaml:"bandwidth_backoff_lower_bound_factor,omitempty"`
	CandidateFactors                 []float64 `yaml:"candidate_factors,omitempty"`

	HigherBandwidthBiasFactor              float64 `yaml:"higher_bandwidth_bias_factor,omitempty"`
	HigherLogBandwidthBiasFactor           float64 `yaml:"higher_log_bandwidth_bias_factor,omitempty"`
	LossThresholdOfHighBandwidthPreference float64 `yaml:"loss_threshold_of_high_bandwidth_preference,omitempty"`

	InherentLossLowerBound                 float64       `yaml:"inherent_loss_lower_bound,omitempty"`
	InherentLossUpperBoundBandwidthBalance units.Bitrate `yaml:"inherent_loss_upper_bound_bandwidth_balance,omitempty"`
	InherentLossUpperBoundOffset           float64       `yaml:"inherent_loss_upper_bound_offset,omitempty"`
	InitialInherentLossEstimate            float64       `yaml:"initial_inherent_loss_estimate,omitempty"`

	NewtonIterations int     `yaml:"newton_iterations,omitempty"`
	NewtonStepSize   float64 `yaml:"newton_step_size,omitempty"`

	AppendAcknowledgedRateCandidate   bool `yaml:"append_acknowledged_rate_candidate,omitempty"`
	AppendDelayBasedEstimateCandidate bool `yaml:"append_delay_based_estimate_candidate,omitempty"`
	NotUseAckedRateInALR              bool `yaml:"not_use_acked_rate_in_alr,omitempty"`

	ObservationDurationLowerBound time.Duration `yaml:"observation_duration_lower_bound,omitempty"`
	ObservationWindowSize         int           `yaml:"observation_window_size,omitempty"`
	MinNumObservations            int           `yaml:"min_num_observations,omitempty"`
	SendingRateSmoothingFactor    float64       `yaml:"sending_rate_smoothing_factor,omitempty"`
	TemporalWeightFactor          float64       `yaml:"temporal_weight_factor,omitempty"`

	InstantUpperBoundTemporalWeightFactor float64       `yaml:"instant_upper_bound_temporal_weight_factor,omitempty"`
	InstantUpperBoundBandwidthBalance     units.Bitrate `yaml:"instant_upper_bound_bandwidth_balance,omitempty"`
	InstantUpperBoundLossOffset           float64       `yaml:"instant_upper_bound_loss_offset,omitempty"`

	MaxIncreaseFactor     float64       `yaml:"max_increase_factor,omitempty"`
	DelayedIncreaseWindow time.Duration `yaml:"delayed_increase_window,omitempty"`

	NotIncreaseIfInherentLossLessThanAverageLoss bool `yaml:"not_increase_if_inherent_loss_less_than_average_loss,omitempty"`

	HighLossRateThreshold      float64       `yaml:"high_loss_rate_threshold,omitempty"`
	BandwidthCapAtHighLossRate units.Bitrate `yaml:"bandwidth_cap_at_high_loss_rate,omitempty"`
	SlopeOfHighLossRateCap     float64       `yaml:"slope_of_high_loss_rate_cap,omitempty"`

	LowerBoundByAckedRateFactor float64 `yaml:"lower_bound_by_acked_rate_factor,omitempty"`

	UseInStartPhase bool `yaml:"use_in_start_phase,omitempty"`
}

var DefaultConfig = Config{
	Enabled: true,

	BandwidthRampupUpperBoundFactor:  1000000.0,
	BandwidthBackoffLowerBoundFactor: 1.0,
	CandidateFactors:                 []float64{1.02, 1.0, 0.95},

	HigherBandwidthBiasFactor:              0.0002,
	HigherLogBandwidthBiasFactor:           0.02,
	LossThresholdOfHighBandwidthPreference: 0.15,

	InherentLossLowerBound:                 1.0e-3,
	InherentLossUpperBoundBandwidthBalance: 75 * units.KilobitsPerSecond,
	InherentLossUpperBoundOffset:           0.05,
	InitialInherentLossEstimate:            0.01,

	NewtonIterations: 1,
	NewtonStepSize:   0.75,

	AppendAcknowledgedRateCandidate:   true,
	AppendDelayBasedEstimateCandidate: true,
	NotUseAckedRateInALR:              true,

	ObservationDurationLowerBound: 250 * time.Millisecond,
	ObservationWindowSize:         20,
	MinNumObservations:            3,
	SendingRateSmoothingFactor:    0.0,
	TemporalWeightFactor:          0.9,

	InstantUpperBoundTemporalWeightFactor: 0.9,
	InstantUpperBoundBandwidthBalance:     100 * units.KilobitsPerSecond,
	InstantUpperBoundLossOffset:           0.05,

	MaxIncreaseFactor:     1.3,
	DelayedIncreaseWindow: 300 * time.Millisecond,

	NotIncreaseIfInherentLossLessThanAverageLoss: true,

	HighLossRateThreshold:      1.0,
	BandwidthCapAtHighLossRate: 500 * units.KilobitsPerSecond,
	SlopeOfHighLossRateCap:     1000.0,

	LowerBoundByAckedRateFactor: 0.0,

	UseInStartPhase: false,
}

// ------------------------------------------------

// ConfigFromProvider overlays trial settings onto the defaults. Keys that
// are absent or do not parse keep their default; semantically out-of-range
// values survive into the returned Config and are rejected by Validate.
func ConfigFromProvider(p fieldtrial.Provider) Config {
	c := DefaultConfig
	c.Enabled = fieldtrial.Bool(p, "Enabled", c.Enabled)

	c.BandwidthRampupUpperBoundFactor = fieldtrial.Float(p, "BwRampupUpperBoundFactor", c.BandwidthRampupUpperBoundFactor)
	c.BandwidthBackoffLowerBoundFactor = fieldtrial.Float(p, "BwBackoffLowerBoundFactor", c.BandwidthBackoffLowerBoundFactor)
	c.CandidateFactors = fieldtrial.FloatList(p, "CandidateFactors", c.CandidateFactors)

	c.HigherBandwidthBiasFactor = fieldtrial.Float(p, "HigherBwBiasFactor", c.HigherBandwidthBiasFactor)
	c.HigherLogBandwidthBiasFactor = fieldtrial.Float(p, "HigherLogBwBiasFactor", c.HigherLogBandwidthBiasFactor)
	c.LossThresholdOfHighBandwidthPreference = fieldtrial.Float(p, "LossThresholdOfHighBandwidthPreference", c.LossThresholdOfHighBandwidthPreference)

	c.InherentLossLowerBound = fieldtrial.Float(p, "InherentLossLowerBound", c.InherentLossLowerBound)
	c.InherentLossUpperBoundBandwidthBalance = fieldtrial.Rate(p, "InherentLossUpperBoundBwBalance", c.InherentLossUpperBoundBandwidthBalance)
	c.InherentLossUpperBoundOffset = fieldtrial.Float(p, "InherentLossUpperBoundOffset", c.InherentLossUpperBoundOffset)
	c.InitialInherentLossEstimate = fieldtrial.Float(p, "InitialInherentLossEstimate", c.InitialInherentLossEstimate)

	c.NewtonIterations = fieldtrial.Int(p, "NewtonIterations", c.NewtonIterations)
	c.NewtonStepSize = fieldtrial.Float(p, "NewtonStepSize", c.NewtonStepSize)

	c.AppendAcknowledgedRateCandidate = fieldtrial.Bool(p, "AckedRateCandidate", c.AppendAcknowledgedRateCandidate)
	c.AppendDelayBasedEstimateCandidate = fieldtrial.Bool(p, "DelayBasedCandidate", c.AppendDelayBasedEstimateCandidate)
	c.NotUseAckedRateInALR = fieldtrial.Bool(p, "NotUseAckedRateInAlr", c.NotUseAckedRateInALR)

	c.ObservationDurationLowerBound = fieldtrial.Duration(p, "ObservationDurationLowerBound", c.ObservationDurationLowerBound)
	c.ObservationWindowSize = fieldtrial.Int(p, "ObservationWindowSize", c.ObservationWindowSize)
	c.MinNumObservations = fieldtrial.Int(p, "MinNumObservations", c.MinNumObservations)
	c.SendingRateSmoothingFactor = fieldtrial.Float(p, "SendingRateSmoothingFactor", c.SendingRateSmoothingFactor)
	c.TemporalWeightFactor = fieldtrial.Float(p, "TemporalWeightFactor", c.TemporalWeightFactor)

	c.InstantUpperBoundTemporalWeightFactor = fieldtrial.Float(p, "InstantUpperBoundTemporalWeightFactor", c.InstantUpperBoundTemporalWeightFactor)
	c.InstantUpperBoundBandwidthBalance = fieldtrial.Rate(p, "InstantUpperBoundBwBalance", c.InstantUpperBoundBandwidthBalance)
	c.InstantUpperBoundLossOffset = fieldtrial.Float(p, "InstantUpperBoundLossOffset", c.InstantUpperBoundLossOffset)

	c.MaxIncreaseFactor = fieldtrial.Float(p, "MaxIncreaseFactor", c.MaxIncreaseFactor)
	c.DelayedIncreaseWindow = fieldtrial.Duration(p, "DelayedIncreaseWindow", c.DelayedIncreaseWindow)

	c.NotIncreaseIfInherentLossLessThanAverageLoss = fieldtrial.Bool(p, "NotIncreaseIfInherentLossLessThanAverageLoss", c.NotIncreaseIfInherentLossLessThanAverageLoss)

	c.HighLossRateThreshold = fieldtrial.Float(p, "HighLossRateThreshold", c.HighLossRateThreshold)
	c.BandwidthCapAtHighLossRate = fieldtrial.Rate(p, "BandwidthCapAtHighLossRate", c.BandwidthCapAtHighLossRate)
	c.SlopeOfHighLossRateCap = fieldtrial.Float(p, "SlopeOfBweHighLossFunc", c.SlopeOfHighLossRateCap)

	c.LowerBoundByAckedRateFactor = fieldtrial.Float(p, "LowerBoundByAckedRateFactor", c.LowerBoundByAckedRateFactor)

	c.UseInStartPhase = fieldtrial.Bool(p, "UseInStartPhase", c.UseInStartPhase)
	return c
}

// ------------------------------------------------

// Validate reports the first constraint violation. A non-nil error disables
// the estimator for the lifetime of the instance.
func (c Config) Validate() error {
	if c.BandwidthRampupUpperBoundFactor <= 1.0 {
		return fmt.Errorf("bandwidth rampup upper bound factor must be greater than 1: %v", c.BandwidthRampupUpperBoundFactor)
	}
	if c.BandwidthBackoffLowerBoundFactor <= 0.0 || c.BandwidthBackoffLowerBoundFactor > 1.0 {
		return fmt.Errorf("bandwidth backoff lower bound factor must be in (0, 1]: %v", c.BandwidthBackoffLowerBoundFactor)
	}
	for _, factor := range c.CandidateFactors {
		if factor <= 0.0 {
			return fmt.Errorf("candidate factor must be positive: %v", factor)
		}
	}
	if !c.AppendAcknowledgedRateCandidate && !c.AppendDelayBasedEstimateCandidate && !hasNonUnityFactor(c.CandidateFactors) {
		return fmt.Errorf("the configuration cannot generate candidates other than the current estimate")
	}
	if c.HigherBandwidthBiasFactor < 0.0 {
		return fmt.Errorf("higher bandwidth bias factor must be non-negative: %v", c.HigherBandwidthBiasFactor)
	}
	if c.HigherLogBandwidthBiasFactor < 0.0 {
		return fmt.Errorf("higher log bandwidth bias factor must be non-negative: %v", c.HigherLogBandwidthBiasFactor)
	}
	if c.LossThresholdOfHighBandwidthPreference < 0.0 || c.LossThresholdOfHighBandwidthPreference >= 1.0 {
		return fmt.Errorf("loss threshold of high bandwidth preference must be in [0, 1): %v", c.LossThresholdOfHighBandwidthPreference)
	}
	if c.InherentLossLowerBound < 0.0 || c.InherentLossLowerBound >= 1.0 {
		return fmt.Errorf("inherent loss lower bound must be in [0, 1): %v", c.InherentLossLowerBound)
	}
	if !c.InherentLossUpperBoundBandwidthBalance.IsValid() {
		return fmt.Errorf("inherent loss upper bound bandwidth balance must be positive: %v", c.InherentLossUpperBoundBandwidthBalance)
	}
	if c.InherentLossUpperBoundOffset < c.InherentLossLowerBound || c.InherentLossUpperBoundOffset >= 1.0 {
		return fmt.Errorf("inherent loss upper bound offset must be in [%v, 1): %v", c.InherentLossLowerBound, c.InherentLossUpperBoundOffset)
	}
	if c.InitialInherentLossEstimate < 0.0 || c.InitialInherentLossEstimate >= 1.0 {
		return fmt.Errorf("initial inherent loss estimate must be in [0, 1): %v", c.InitialInherentLossEstimate)
	}
	if c.NewtonIterations < 1 {
		return fmt.Errorf("at least one Newton iteration is required: %v", c.NewtonIterations)
	}
	if c.NewtonStepSize <= 0.0 || c.NewtonStepSize > 1.0 {
		return fmt.Errorf("newton step size must be in (0, 1]: %v", c.NewtonStepSize)
	}
	if c.ObservationDurationLowerBound <= 0 {
		return fmt.Errorf("observation duration lower bound must be positive: %v", c.ObservationDurationLowerBound)
	}
	if c.ObservationWindowSize < 2 {
		return fmt.Errorf("observation window size must be at least 2: %v", c.ObservationWindowSize)
	}
	if c.MinNumObservations < 1 {
		return fmt.Errorf("min number of observations must be at least 1: %v", c.MinNumObservations)
	}
	if c.SendingRateSmoothingFactor < 0.0 || c.SendingRateSmoothingFactor >= 1.0 {
		return fmt.Errorf("sending rate smoothing factor must be in [0, 1): %v", c.SendingRateSmoothingFactor)
	}
	if c.TemporalWeightFactor <= 0.0 || c.TemporalWeightFactor > 1.0 {
		return fmt.Errorf("temporal weight factor must be in (0, 1]: %v", c.TemporalWeightFactor)
	}
	if c.InstantUpperBoundTemporalWeightFactor <= 0.0 || c.InstantUpperBoundTemporalWeightFactor > 1.0 {
		return fmt.Errorf("instant upper bound temporal weight factor must be in (0, 1]: %v", c.InstantUpperBoundTemporalWeightFactor)
	}
	if !c.InstantUpperBoundBandwidthBalance.IsValid() {
		return fmt.Errorf("instant upper bound bandwidth balance must be positive: %v", c.InstantUpperBoundBandwidthBalance)
	}
	if c.InstantUpperBoundLossOffset < 0.0 || c.InstantUpperBoundLossOffset >= 1.0 {
		return fmt.Errorf("instant upper bound loss offset must be in [0, 1): %v", c.InstantUpperBoundLossOffset)
	}
	if c.MaxIncreaseFactor < 1.0 {
		return fmt.Errorf("max increase factor must be at least 1: %v", c.MaxIncreaseFactor)
	}
	if c.DelayedIncreaseWindow <= 0 {
		return fmt.Errorf("delayed increase window must be positive: %v", c.DelayedIncreaseWindow)
	}
	if c.HighLossRateThreshold <= 0.0 || c.HighLossRateThreshold > 1.0 {
		return fmt.Errorf("high loss rate threshold must be in (0, 1]: %v", c.HighLossRateThreshold)
	}
	if !c.BandwidthCapAtHighLossRate.IsValid() {
		return fmt.Errorf("bandwidth cap at high loss rate must be positive: %v", c.BandwidthCapAtHighLossRate)
	}
	if c.SlopeOfHighLossRateCap < 0.0 {
		return fmt.Errorf("slope of the high loss rate cap must be non-negative: %v", c.SlopeOfHighLossRateCap)
	}
	if c.LowerBoundByAckedRateFactor < 0.0 {
		return fmt.Errorf("lower bound by acked rate factor must be non-negative: %v", c.LowerBoundByAckedRateFactor)
	}
	return nil
}

func hasNonUnityFactor(factors []float64) bool {
	for _, factor := range factors {
		if factor != 1.0 {
			return true
		}
	}
	return false
}
