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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/congestion/pkg/fieldtrial"
	"github.com/relaymesh/congestion/pkg/units"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())
	require.True(t, DefaultConfig.Enabled)
}

func TestConfigFromProviderOverrides(t *testing.T) {
	registry, err := fieldtrial.Parse(
		FieldTrialName + "/Enabled:true,CandidateFactors:1.2|1|0.5," +
			"ObservationDurationLowerBound:200ms,InstantUpperBoundBwBalance:90kbps," +
			"NewtonIterations:2,NewtonStepSize:0.4,UseInStartPhase:true/")
	require.NoError(t, err)

	c := ConfigFromProvider(registry.Section(FieldTrialName))
	require.Equal(t, []float64{1.2, 1, 0.5}, c.CandidateFactors)
	require.Equal(t, 200*time.Millisecond, c.ObservationDurationLowerBound)
	require.Equal(t, 90*units.KilobitsPerSecond, c.InstantUpperBoundBandwidthBalance)
	require.Equal(t, 2, c.NewtonIterations)
	require.Equal(t, 0.4, c.NewtonStepSize)
	require.True(t, c.UseInStartPhase)

	// untouched keys keep their defaults
	require.Equal(t, DefaultConfig.TemporalWeightFactor, c.TemporalWeightFactor)
	require.Equal(t, DefaultConfig.MaxIncreaseFactor, c.MaxIncreaseFactor)
}

func TestConfigFromProviderIgnoresMalformedValues(t *testing.T) {
	registry, err := fieldtrial.Parse(FieldTrialName + "/NewtonIterations:abc,CandidateFactors:1.2|oops/")
	require.NoError(t, err)

	c := ConfigFromProvider(registry.Section(FieldTrialName))
	require.Equal(t, DefaultConfig.NewtonIterations, c.NewtonIterations)
	require.Equal(t, DefaultConfig.CandidateFactors, c.CandidateFactors)
}

func TestConfigFromProviderMissingSection(t *testing.T) {
	registry, err := fieldtrial.Parse("")
	require.NoError(t, err)

	c := ConfigFromProvider(registry.Section(FieldTrialName))
	require.Equal(t, DefaultConfig, c)
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config { return DefaultConfig }

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rampup factor at most 1", func(c *Config) { c.BandwidthRampupUpperBoundFactor = 1.0 }},
		{"backoff factor above 1", func(c *Config) { c.BandwidthBackoffLowerBoundFactor = 1.5 }},
		{"negative candidate factor", func(c *Config) { c.CandidateFactors = []float64{-1.3, 1.1} }},
		{"zero candidate factor", func(c *Config) { c.CandidateFactors = []float64{0, 1.1} }},
		{"no candidates possible", func(c *Config) {
			c.CandidateFactors = []float64{1.0}
			c.AppendAcknowledgedRateCandidate = false
			c.AppendDelayBasedEstimateCandidate = false
		}},
		{"negative bias factor", func(c *Config) { c.HigherBandwidthBiasFactor = -0.1 }},
		{"inherent loss lower bound out of range", func(c *Config) { c.InherentLossLowerBound = 1.0 }},
		{"upper bound offset below lower bound", func(c *Config) {
			c.InherentLossLowerBound = 0.2
			c.InherentLossUpperBoundOffset = 0.1
		}},
		{"no newton iterations", func(c *Config) { c.NewtonIterations = 0 }},
		{"newton step size out of range", func(c *Config) { c.NewtonStepSize = 1.5 }},
		{"window too small", func(c *Config) { c.ObservationWindowSize = 1 }},
		{"non-positive observation duration", func(c *Config) { c.ObservationDurationLowerBound = 0 }},
		{"min observations below 1", func(c *Config) { c.MinNumObservations = 0 }},
		{"smoothing factor out of range", func(c *Config) { c.SendingRateSmoothingFactor = 1.0 }},
		{"temporal weight factor out of range", func(c *Config) { c.TemporalWeightFactor = 0.0 }},
		{"max increase factor below 1", func(c *Config) { c.MaxIncreaseFactor = 0.9 }},
		{"non-positive delayed increase window", func(c *Config) { c.DelayedIncreaseWindow = 0 }},
		{"high loss rate threshold out of range", func(c *Config) { c.HighLossRateThreshold = 0.0 }},
		{"negative acked rate floor factor", func(c *Config) { c.LowerBoundByAckedRateFactor = -1.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestConfigYAML(t *testing.T) {
	raw := `
enabled: true
candidate_factors: [1.2, 1.0, 0.5]
observation_window_size: 10
min_num_observations: 2
newton_iterations: 2
use_in_start_phase: true
`
	c := DefaultConfig
	require.NoError(t, yaml.Unmarshal([]byte(raw), &c))
	require.NoError(t, c.Validate())

	require.Equal(t, []float64{1.2, 1.0, 0.5}, c.CandidateFactors)
	require.Equal(t, 10, c.ObservationWindowSize)
	require.Equal(t, 2, c.MinNumObservations)
	require.Equal(t, 2, c.NewtonIterations)
	require.True(t, c.UseInStartPhase)
	// defaults survive a partial overlay
	require.Equal(t, DefaultConfig.ObservationDurationLowerBound, c.ObservationDurationLowerBound)
}
