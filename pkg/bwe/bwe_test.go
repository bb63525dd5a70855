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

package bwe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/congestion/pkg/units"
)

func TestPacketResultIsReceived(t *testing.T) {
	received := PacketResult{SendTime: 0, ReceiveTime: 1000, Size: 1200}
	require.True(t, received.IsReceived())

	lost := PacketResult{SendTime: 0, ReceiveTime: units.TimestampPlusInfinity, Size: 1200}
	require.False(t, lost.IsReceived())
}

func TestIsSendTimeSorted(t *testing.T) {
	require.True(t, IsSendTimeSorted(nil))
	require.True(t, IsSendTimeSorted([]PacketResult{
		{SendTime: 0}, {SendTime: 100}, {SendTime: 100}, {SendTime: 200},
	}))
	require.False(t, IsSendTimeSorted([]PacketResult{
		{SendTime: 100}, {SendTime: 0},
	}))
}
