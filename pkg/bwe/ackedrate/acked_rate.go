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

// Package ackedrate smooths the bitrate of packets whose delivery was
// confirmed by transport feedback. Its output feeds the loss based
// estimator's acknowledged rate hint.
package ackedrate

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/relaymesh/congestion/pkg/bwe"
	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

type sample struct {
	receiveTime units.Timestamp
	size        int64 // bytes
}

// ------------------------------------------------

type EstimatorParams struct {
	Window time.Duration
	Logger *zap.SugaredLogger
}

// Estimator keeps the confirmed deliveries of the trailing window and
// reports the average delivered bitrate over it.
type Estimator struct {
	params EstimatorParams

	lock      sync.Mutex
	samples   deque.Deque[sample]
	totalSize int64
}

func NewEstimator(params EstimatorParams) *Estimator {
	if params.Window <= 0 {
		params.Window = time.Second
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}
	return &Estimator{
		params: params,
	}
}

// OnPacketResults folds a feedback batch in; lost packets are skipped.
func (e *Estimator) OnPacketResults(batch []bwe.PacketResult) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, pr := range batch {
		if !pr.IsReceived() {
			continue
		}
		e.samples.PushBack(sample{
			receiveTime: pr.ReceiveTime,
			size:        pr.Size,
		})
		e.totalSize += pr.Size
		e.pruneLocked(pr.ReceiveTime)
	}
}

// Rate reports the delivered bitrate over the window ending at the given
// time, or 0 until enough deliveries have been seen to span a measurable
// interval.
func (e *Estimator) Rate(at units.Timestamp) units.Bitrate {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.pruneLocked(at)
	if e.samples.Len() < 2 {
		return 0
	}
	return units.BitrateOver(e.totalSize, e.params.Window)
}

func (e *Estimator) pruneLocked(at units.Timestamp) {
	horizon := at.Add(-e.params.Window)
	for e.samples.Len() > 0 && e.samples.Front().receiveTime < horizon {
		e.totalSize -= e.samples.Front().size
		e.samples.PopFront()
	}
}
