package sched

import (
	"sync"

	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// DMARequest is a priority request for a direct memory access: a
// direction, an address range, a buffer, and chunk bookkeeping since
// the wire engine only ever executes one chunk of at most
// mailbox.WireChunkCap words per round trip.
type DMARequest struct {
	common

	Cycle       mailbox.CycleKind
	StartAddr   uint32
	EndAddr     uint32 // updated to the last actually-accessed address, even on timeout
	Buffer      []uint16
	WordCount   int
	IsCPUAccess bool

	Success bool

	// chunkStart is the address the next (or current) chunk begins at.
	chunkStart uint32
}

func (r *DMARequest) kind() Kind { return KindDMA }

// NewDMARequest creates a DMA request owned by owner (nil for a
// controller-initiated access).
func NewDMARequest(owner Owner) *DMARequest {
	r := &DMARequest{common: newCommon(owner, mailbox.LevelNPR, 0)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *DMARequest) reset(slot int, cycle mailbox.CycleKind, start uint32, buf []uint16, wordCount int, isCPU bool) {
	r.resetForReuse(r.owner, mailbox.LevelNPR, slot)
	r.Cycle = cycle
	r.StartAddr = start
	r.EndAddr = start
	r.Buffer = buf
	r.WordCount = wordCount
	r.IsCPUAccess = isCPU
	r.Success = false
	r.chunkStart = start
}

// wordsDone is the number of words already transferred (chunk_start
// advanced past).
func (r *DMARequest) wordsDone() int {
	return int((r.chunkStart - r.StartAddr) / 2)
}

// currentChunkWords is the size, in words, of the chunk that starts at
// chunkStart.
func (r *DMARequest) currentChunkWords() int {
	n := r.WordCount - r.wordsDone()
	if n > mailbox.WireChunkCap {
		n = mailbox.WireChunkCap
	}
	return n
}

func (r *DMARequest) hasMoreChunks() bool {
	return r.wordsDone() < r.WordCount
}
