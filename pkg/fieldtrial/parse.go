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

package fieldtrial

import (
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/congestion/pkg/units"
)

// Typed readers over a Provider. All of them return the given default when
// the key is absent or the value does not parse; a present-but-invalid
// semantic value (e.g. a factor outside its allowed range) is the
// consumer's validation problem, not a parse failure.

func Bool(p Provider, key string, def bool) bool {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return value
}

func Int(p Provider, key string, def int) int {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func Float(p Provider, key string, def float64) float64 {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return value
}

// FloatList reads a '|' separated list, e.g. "1.2|1|0.5". The whole list is
// rejected if any element does not parse.
func FloatList(p Provider, key string, def []float64) []float64 {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}
	parts := strings.Split(raw, "|")
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return def
		}
		values = append(values, value)
	}
	return values
}

// Duration reads a duration with an optional "us", "ms" or "s" suffix. A
// bare number is milliseconds.
func Duration(p Provider, key string, def time.Duration) time.Duration {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}

	unit := time.Millisecond
	switch {
	case strings.HasSuffix(raw, "us"):
		raw, unit = strings.TrimSuffix(raw, "us"), time.Microsecond
	case strings.HasSuffix(raw, "ms"):
		raw, unit = strings.TrimSuffix(raw, "ms"), time.Millisecond
	case strings.HasSuffix(raw, "s"):
		raw, unit = strings.TrimSuffix(raw, "s"), time.Second
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return time.Duration(value * float64(unit))
}

// Rate reads a bitrate with an optional "bps", "kbps" or "Mbps" suffix. A
// bare number is bits per second. The literal "inf" maps to
// units.BitrateInfinity.
func Rate(p Provider, key string, def units.Bitrate) units.Bitrate {
	raw, ok := p.Lookup(key)
	if !ok {
		return def
	}
	if raw == "inf" {
		return units.BitrateInfinity
	}

	unit := units.BitsPerSecond
	switch {
	case strings.HasSuffix(raw, "kbps"):
		raw, unit = strings.TrimSuffix(raw, "kbps"), units.KilobitsPerSecond
	case strings.HasSuffix(raw, "Mbps"):
		raw, unit = strings.TrimSuffix(raw, "Mbps"), units.MegabitsPerSecond
	case strings.HasSuffix(raw, "bps"):
		raw = strings.TrimSuffix(raw, "bps")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return units.BitrateFromBps(value * float64(unit))
}
