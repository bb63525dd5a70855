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

package units

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBitrateValidity(t *testing.T) {
	require.False(t, Bitrate(0).IsValid())
	require.False(t, Bitrate(-1).IsValid())
	require.False(t, BitrateInfinity.IsValid())
	require.True(t, (100 * KilobitsPerSecond).IsValid())
	require.True(t, BitrateInfinity.IsInfinite())
}

func TestBitrateArithmeticPropagatesInfinity(t *testing.T) {
	require.Equal(t, BitrateInfinity, BitrateInfinity.MulFloat(0.5))
	require.Equal(t, BitrateInfinity, BitrateInfinity.DivFloat(2))
	require.Equal(t, BitrateInfinity, Bitrate(1000).DivFloat(0))
	require.True(t, math.IsInf(BitrateInfinity.Bps(), 1))
	require.True(t, math.IsInf(BitrateInfinity.Kbps(), 1))
}

func TestBitrateMulFloatRounds(t *testing.T) {
	require.Equal(t, Bitrate(660000), Bitrate(600000).MulFloat(1.1))
	require.Equal(t, Bitrate(60000), Bitrate(50000).MulFloat(1.2))
	require.Equal(t, Bitrate(450000), Bitrate(300000).MulFloat(1.5))
}

func TestBitrateMulFloatSaturates(t *testing.T) {
	require.Equal(t, BitrateInfinity, Bitrate(math.MaxInt64/2).MulFloat(1e10))
}

func TestBitrateFromBps(t *testing.T) {
	require.Equal(t, Bitrate(100000), BitrateFromBps(99999.9999999))
	require.Equal(t, Bitrate(0), BitrateFromBps(-5))
	require.Equal(t, Bitrate(0), BitrateFromBps(math.NaN()))
	require.Equal(t, BitrateInfinity, BitrateFromBps(math.Inf(1)))
	require.Equal(t, Bitrate(400000), BitrateFromKbps(400))
}

func TestBitrateOver(t *testing.T) {
	// 30000 bytes over 250ms
	require.Equal(t, Bitrate(960000), BitrateOver(30000, 250*time.Millisecond))
	require.Equal(t, BitrateInfinity, BitrateOver(30000, 0))
}

func TestTimestamp(t *testing.T) {
	require.True(t, Timestamp(0).IsFinite())
	require.False(t, TimestampPlusInfinity.IsFinite())
	require.False(t, TimestampMinusInfinity.IsFinite())

	at := TimestampFromDuration(250 * time.Millisecond)
	require.Equal(t, Timestamp(250000), at)
	require.Equal(t, Timestamp(550000), at.Add(300*time.Millisecond))
	require.Equal(t, 250*time.Millisecond, at.Sub(Timestamp(0)))

	// infinities absorb arithmetic
	require.Equal(t, TimestampPlusInfinity, TimestampPlusInfinity.Add(time.Second))
	require.Equal(t, TimestampMinusInfinity, TimestampMinusInfinity.Add(time.Second))
}
