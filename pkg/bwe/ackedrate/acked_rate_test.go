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

package ackedrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/congestion/pkg/bwe"
	"github.com/relaymesh/congestion/pkg/units"
)

func ts(offset time.Duration) units.Timestamp {
	return units.TimestampFromDuration(offset)
}

func TestRateIsZeroWithoutEnoughSamples(t *testing.T) {
	e := NewEstimator(EstimatorParams{Window: time.Second})
	require.Equal(t, units.Bitrate(0), e.Rate(ts(time.Second)))

	e.OnPacketResults([]bwe.PacketResult{
		{SendTime: ts(0), ReceiveTime: ts(10 * time.Millisecond), Size: 1200},
	})
	require.Equal(t, units.Bitrate(0), e.Rate(ts(10*time.Millisecond)))
}

func TestRateOverWindow(t *testing.T) {
	e := NewEstimator(EstimatorParams{Window: time.Second})

	// 125000 bytes delivered within one second is 1Mbps
	var batch []bwe.PacketResult
	for idx := 0; idx < 100; idx++ {
		batch = append(batch, bwe.PacketResult{
			SendTime:    ts(time.Duration(idx) * 10 * time.Millisecond),
			ReceiveTime: ts(time.Duration(idx)*10*time.Millisecond + 5*time.Millisecond),
			Size:        1250,
		})
	}
	e.OnPacketResults(batch)

	require.Equal(t, units.Bitrate(1000000), e.Rate(ts(time.Second)))
}

func TestLostPacketsDoNotContribute(t *testing.T) {
	e := NewEstimator(EstimatorParams{Window: time.Second})
	e.OnPacketResults([]bwe.PacketResult{
		{SendTime: ts(0), ReceiveTime: ts(5 * time.Millisecond), Size: 1250},
		{SendTime: ts(10 * time.Millisecond), ReceiveTime: units.TimestampPlusInfinity, Size: 50000},
		{SendTime: ts(20 * time.Millisecond), ReceiveTime: ts(25 * time.Millisecond), Size: 1250},
	})

	// only the two received packets count: 2500 bytes over the window
	require.Equal(t, units.Bitrate(20000), e.Rate(ts(500*time.Millisecond)))
}

func TestOldSamplesArePruned(t *testing.T) {
	e := NewEstimator(EstimatorParams{Window: time.Second})
	e.OnPacketResults([]bwe.PacketResult{
		{SendTime: ts(0), ReceiveTime: ts(5 * time.Millisecond), Size: 100000},
		{SendTime: ts(10 * time.Millisecond), ReceiveTime: ts(15 * time.Millisecond), Size: 1250},
		{SendTime: ts(20 * time.Millisecond), ReceiveTime: ts(25 * time.Millisecond), Size: 1250},
	})

	// two seconds later the early burst has aged out of the window
	e.OnPacketResults([]bwe.PacketResult{
		{SendTime: ts(2 * time.Second), ReceiveTime: ts(2*time.Second + 5*time.Millisecond), Size: 1250},
		{SendTime: ts(2*time.Second + 10*time.Millisecond), ReceiveTime: ts(2*time.Second + 15*time.Millisecond), Size: 1250},
	})
	require.Equal(t, units.Bitrate(20000), e.Rate(ts(2*time.Second+500*time.Millisecond)))
}
