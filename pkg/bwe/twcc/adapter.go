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

// Package twcc converts transport-wide congestion control feedback reports
// into the packet result batches consumed by the bandwidth estimators.
package twcc

import (
	"sync"

	"github.com/pion/rtcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaymesh/congestion/pkg/bwe"
	"github.com/relaymesh/congestion/pkg/units"
)

// ------------------------------------------------

const (
	cReferenceTimeMask       = (1 << 24) - 1
	cReferenceTimeResolution = 64 // ms

	cSentHistorySize = 2048
)

// ------------------------------------------------

// sentPacket is the send side record matched against remote indications.
type sentPacket struct {
	sequenceNumber uint64
	sendTime       units.Timestamp
	size           int64 // bytes
}

// ------------------------------------------------

type AdapterParams struct {
	Logger *zap.SugaredLogger
}

// Adapter records outgoing packets and turns TWCC reports into send-time
// ordered bwe.PacketResult batches. Sequence numbers are issued by the
// adapter so the send and feedback sides agree on identity across the
// 16-bit wire wrap.
type Adapter struct {
	params AdapterParams

	lock sync.Mutex

	sequenceNumber uint64
	sentPackets    [cSentHistorySize]sentPacket

	numReports           int
	numReportsOutOfOrder int
	highestFeedbackCount uint8
	seenFeedback         bool

	cycles               int64
	highestReferenceTime uint32
}

func NewAdapter(params AdapterParams) *Adapter {
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}
	return &Adapter{
		params: params,
	}
}

// RecordPacketSent registers an outgoing packet and returns the transport
// wide sequence number to put on the wire.
func (a *Adapter) RecordPacketSent(sendTime units.Timestamp, size int64) uint16 {
	a.lock.Lock()
	defer a.lock.Unlock()

	sp := &a.sentPackets[int(a.sequenceNumber)%cSentHistorySize]
	*sp = sentPacket{
		sequenceNumber: a.sequenceNumber,
		sendTime:       sendTime,
		size:           size,
	}
	a.sequenceNumber++
	return uint16(sp.sequenceNumber)
}

// ProcessFeedback walks the status chunks of a TWCC report and produces one
// PacketResult per reported packet that is still in the send history. Lost
// packets carry an infinite receive time. Packets covered by a lost
// feedback report are never reported, mirroring how a lost RTCP receiver
// report is handled.
func (a *Adapter) ProcessFeedback(report *rtcp.TransportLayerCC) []bwe.PacketResult {
	a.lock.Lock()
	defer a.lock.Unlock()

	recvRefTime, isOutOfOrder := a.processReferenceTime(report)
	if isOutOfOrder {
		a.params.Logger.Infow("twcc: received out-of-order feedback report")
	}

	results := make([]bwe.PacketResult, 0, report.PacketStatusCount)

	sequenceNumber := report.BaseSequenceNumber
	endSequenceNumberExclusive := sequenceNumber + report.PacketStatusCount
	deltaIdx := 0
	processSymbol := func(symbol uint16) {
		receiveTime := units.TimestampPlusInfinity
		if symbol != rtcp.TypeTCCPacketNotReceived {
			recvRefTime += report.RecvDeltas[deltaIdx].Delta
			deltaIdx++
			receiveTime = units.Timestamp(recvRefTime)
		}
		if sp, ok := a.lookupSentPacket(sequenceNumber); ok {
			results = append(results, bwe.PacketResult{
				SendTime:    sp.sendTime,
				ReceiveTime: receiveTime,
				Size:        sp.size,
			})
		}
		sequenceNumber++
	}

	for _, chunk := range report.PacketChunks {
		if sequenceNumber == endSequenceNumberExclusive {
			break
		}

		switch chunk := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for count := uint16(0); count < chunk.RunLength; count++ {
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}
				processSymbol(chunk.PacketStatusSymbol)
			}

		case *rtcp.StatusVectorChunk:
			for _, symbol := range chunk.SymbolList {
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}
				processSymbol(symbol)
			}
		}
	}

	// receive order can differ from send order within a report
	sortPacketResults(results)
	return results
}

// processReferenceTime unwraps the 24-bit reference time of a report into
// a monotonic microsecond clock and flags out-of-order reports.
func (a *Adapter) processReferenceTime(report *rtcp.TransportLayerCC) (int64, bool) {
	a.numReports++
	if !a.seenFeedback {
		a.seenFeedback = true
		a.highestReferenceTime = report.ReferenceTime
		a.highestFeedbackCount = report.FbPktCount
		return (a.cycles + int64(report.ReferenceTime)) * cReferenceTimeResolution * 1000, false
	}

	isOutOfOrder := false
	if (report.FbPktCount - a.highestFeedbackCount) > (1 << 7) {
		a.numReportsOutOfOrder++
		isOutOfOrder = true
	}

	var referenceTime int64
	if (report.ReferenceTime-a.highestReferenceTime)&cReferenceTimeMask < (1 << 23) {
		if report.ReferenceTime < a.highestReferenceTime {
			a.cycles += 1 << 24
		}
		a.highestReferenceTime = report.ReferenceTime
		referenceTime = a.cycles + int64(report.ReferenceTime)
	} else {
		cycles := a.cycles
		if report.ReferenceTime > a.highestReferenceTime && cycles >= (1<<24) {
			cycles -= 1 << 24
		}
		referenceTime = cycles + int64(report.ReferenceTime)
	}

	if !isOutOfOrder {
		a.highestFeedbackCount = report.FbPktCount
	}
	return referenceTime * cReferenceTimeResolution * 1000, isOutOfOrder
}

func (a *Adapter) lookupSentPacket(wireSequenceNumber uint16) (sentPacket, bool) {
	sp := a.sentPackets[int(wireSequenceNumber)%cSentHistorySize]
	if uint16(sp.sequenceNumber) != wireSequenceNumber || sp.sendTime == 0 && sp.size == 0 {
		// aged out of the history or never recorded
		return sentPacket{}, false
	}
	return sp, true
}

func (a *Adapter) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	if a == nil {
		return nil
	}
	encoder.AddUint64("sequenceNumber", a.sequenceNumber)
	encoder.AddInt("numReports", a.numReports)
	encoder.AddInt("numReportsOutOfOrder", a.numReportsOutOfOrder)
	return nil
}

// ------------------------------------------------

// insertion sort; reports are near-sorted already
func sortPacketResults(results []bwe.PacketResult) {
	for idx := 1; idx < len(results); idx++ {
		for jdx := idx; jdx > 0 && results[jdx].SendTime < results[jdx-1].SendTime; jdx-- {
			results[jdx], results[jdx-1] = results[jdx-1], results[jdx]
		}
	}
}
