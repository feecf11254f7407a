// Package mailbox implements the fixed-layout shared memory protocol used
// between the adapter core and the wire engine.
//
// The wire engine is a separate real-time program driving physical
// QBUS/UNIBUS signals; it is opaque to this package except through the
// layout and the raise/ack handshake defined here. See the protocol
// description this package implements for the authoritative field
// semantics.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package mailbox

import "encoding/binary"

// WireChunkCap is the number of words a single DMA descriptor can carry
// in one round trip to the wire engine. Long transfers are split into
// chunks no larger than this by the scheduler.
const WireChunkCap = 512

// CycleKind identifies the bus cycle carried by a slave access record or
// a DMA descriptor.
type CycleKind uint8

const (
	CycleRead CycleKind = iota
	CycleWriteWord
	CycleWriteByteLow
	CycleWriteByteHigh
)

func (c CycleKind) String() string {
	switch c {
	case CycleRead:
		return "DATI"
	case CycleWriteWord:
		return "DATO"
	case CycleWriteByteLow:
		return "DATOB-lo"
	case CycleWriteByteHigh:
		return "DATOB-hi"
	default:
		return "?"
	}
}

// Level indexes one of the five parallel arbitration levels.
type Level int

const (
	LevelBR4 Level = iota
	LevelBR5
	LevelBR6
	LevelBR7
	LevelNPR
	NumLevels
)

func (l Level) String() string {
	switch l {
	case LevelBR4:
		return "BR4"
	case LevelBR5:
		return "BR5"
	case LevelBR6:
		return "BR6"
	case LevelBR7:
		return "BR7"
	case LevelNPR:
		return "NPR"
	default:
		return "?"
	}
}

// DMAStatus mirrors the wire engine's current_status field of the DMA
// descriptor.
type DMAStatus uint8

const (
	DMAReady DMAStatus = iota
	DMAInProgress
	DMABusTimeout
)

// Channel identifies one event/ack pair in the mailbox.
type Channel int

const (
	ChanInit Channel = iota
	ChanPower
	ChanSlaveAccess
	ChanDMAComplete
	ChanIntrBR4
	ChanIntrBR5
	ChanIntrBR6
	ChanIntrBR7
	ChanCPUIntr
	numChannels
)

// PowerSignals is a bitfield over ACLO/DCLO (or, on the alternate bus
// variant, POK/DCOK, inverted by the transport before reaching this
// layer so that callers only ever see the abstract ACLO/DCLO polarity).
type PowerSignals uint8

const (
	PowerACLO PowerSignals = 1 << iota
	PowerDCLO
)

// SlaveAccess is the decoded form of a slave register access event.
type SlaveAccess struct {
	DeviceHandle  uint8
	RegisterIndex uint8
	Address       uint32
	Data          uint16
	Cycle         CycleKind
}

// DMADescriptor is the decoded form of the mailbox's DMA descriptor.
type DMADescriptor struct {
	StartAddress   uint32
	Cycle          CycleKind
	WordCount      uint16
	CPUAccess      bool
	Status         DMAStatus
	CurrentAddress uint32
	Data           []uint16 // at most WireChunkCap words
}

// IntrDescriptor is the decoded form of the mailbox's INTR descriptor.
type IntrDescriptor struct {
	Level              Level
	Vector             uint16
	SideEffectRegister uint8 // 0 = none
	SideEffectValue    uint16
	CancelMask         uint8 // arbitration bits to cancel, one per BR level
}

// PutWords encodes words into dst as little-endian uint16s, matching the
// field-by-field packing style the wire protocol uses throughout.
func PutWords(dst []byte, words []uint16) {
	for i, w := range words {
		binary.LittleEndian.PutUint16(dst[2*i:], w)
	}
}

// GetWords decodes n little-endian uint16s from src.
func GetWords(src []byte, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(src[2*i:])
	}
	return out
}
