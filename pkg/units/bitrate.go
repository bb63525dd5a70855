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

// Package units provides the rate and time primitives shared by the
// congestion control components. Rates are integral bits per second with an
// explicit infinity sentinel so that "no cap" propagates through arithmetic
// instead of being encoded as a magic number at every call site.
package units

import (
	"fmt"
	"math"
	"time"
)

// ------------------------------------------------

// Bitrate is a bit rate in bits per second.
//
// BitrateInfinity represents an unbounded rate, e.g. a delay based estimate
// that imposes no cap. The zero value doubles as "not available".
type Bitrate int64

const (
	BitrateInfinity Bitrate = math.MaxInt64

	BitsPerSecond     Bitrate = 1
	KilobitsPerSecond         = 1000 * BitsPerSecond
	MegabitsPerSecond         = 1000 * KilobitsPerSecond
)

func (b Bitrate) IsInfinite() bool {
	return b == BitrateInfinity
}

// IsValid reports whether the bitrate is a usable finite rate, i.e. known
// and strictly positive.
func (b Bitrate) IsValid() bool {
	return b > 0 && b != BitrateInfinity
}

func (b Bitrate) Bps() float64 {
	if b.IsInfinite() {
		return math.Inf(1)
	}
	return float64(b)
}

func (b Bitrate) Kbps() float64 {
	if b.IsInfinite() {
		return math.Inf(1)
	}
	return float64(b) / 1000.0
}

// MulFloat scales the bitrate by a factor, rounding to the nearest bit per
// second and saturating at BitrateInfinity.
func (b Bitrate) MulFloat(factor float64) Bitrate {
	if b.IsInfinite() {
		return BitrateInfinity
	}
	return BitrateFromBps(float64(b) * factor)
}

// DivFloat divides the bitrate by a divisor, rounding to the nearest bit
// per second. A non-positive divisor yields BitrateInfinity.
func (b Bitrate) DivFloat(divisor float64) Bitrate {
	if b.IsInfinite() || divisor <= 0 {
		return BitrateInfinity
	}
	return BitrateFromBps(float64(b) / divisor)
}

func (b Bitrate) String() string {
	if b.IsInfinite() {
		return "+inf bps"
	}
	if b >= KilobitsPerSecond {
		return fmt.Sprintf("%.3f kbps", b.Kbps())
	}
	return fmt.Sprintf("%d bps", int64(b))
}

// BitrateFromBps converts a floating point rate in bits per second,
// rounding to the nearest integral rate and saturating at BitrateInfinity.
func BitrateFromBps(bps float64) Bitrate {
	if math.IsInf(bps, 1) || bps >= float64(math.MaxInt64) {
		return BitrateInfinity
	}
	if bps <= 0 || math.IsNaN(bps) {
		return 0
	}
	return Bitrate(math.Round(bps))
}

func BitrateFromKbps(kbps float64) Bitrate {
	return BitrateFromBps(kbps * 1000.0)
}

// BitrateOver is the average rate of size bytes delivered over the given
// span.
func BitrateOver(sizeBytes int64, span time.Duration) Bitrate {
	if span <= 0 {
		return BitrateInfinity
	}
	return BitrateFromBps(8 * float64(sizeBytes) / span.Seconds())
}

func MinBitrate(a, b Bitrate) Bitrate {
	if a < b {
		return a
	}
	return b
}

func MaxBitrate(a, b Bitrate) Bitrate {
	if a > b {
		return a
	}
	return b
}
