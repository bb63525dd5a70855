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

// Package bwe holds the types shared between the bandwidth estimation
// components and their feedback producers.
package bwe

import (
	"fmt"

	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

// PacketResult is the delivery outcome of one sent packet as reported by
// transport feedback. A lost packet has ReceiveTime set to
// units.TimestampPlusInfinity.
type PacketResult struct {
	SendTime    units.Timestamp
	ReceiveTime units.Timestamp
	Size        int64 // bytes
}

func (p PacketResult) IsReceived() bool {
	return p.ReceiveTime.IsFinite()
}

func (p PacketResult) String() string {
	return fmt.Sprintf("send: %s, receive: %s, size: %d", p.SendTime, p.ReceiveTime, p.Size)
}

// ------------------------------------------------

// IsSendTimeSorted reports whether the batch is ordered by send time,
// which consumers of packet feedback require.
func IsSendTimeSorted(batch []PacketResult) bool {
	for idx := 1; idx < len(batch); idx++ {
		if batch[idx].SendTime < batch[idx-1].SendTime {
			return false
		}
	}
	return true
}
