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
	"fmt"
	"math"
	"time"
)

// ------------------------------------------------

// Timestamp is a point in time on the feedback clock, in microseconds since
// an arbitrary epoch. A lost packet carries TimestampPlusInfinity as its
// receive time.
type Timestamp int64

const (
	TimestampPlusInfinity  Timestamp = math.MaxInt64
	TimestampMinusInfinity Timestamp = math.MinInt64
)

func (t Timestamp) IsFinite() bool {
	return t != TimestampPlusInfinity && t != TimestampMinusInfinity
}

// Add advances the timestamp by a duration. Infinities absorb the addition.
func (t Timestamp) Add(d time.Duration) Timestamp {
	if !t.IsFinite() {
		return t
	}
	return t + Timestamp(d.Microseconds())
}

// Sub is the duration elapsed from o to t. Both must be finite.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(t-o) * time.Microsecond
}

func (t Timestamp) String() string {
	switch t {
	case TimestampPlusInfinity:
		return "+inf"
	case TimestampMinusInfinity:
		return "-inf"
	default:
		return fmt.Sprintf("%dus", int64(t))
	}
}

// TimestampFromDuration maps an offset from the epoch to a timestamp,
// which is how test and adapter code builds feedback clocks.
func TimestampFromDuration(d time.Duration) Timestamp {
	return Timestamp(d.Microseconds())
}
