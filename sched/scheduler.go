package sched

import (
	"context"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// cpuSlot is the fixed, reserved backplane slot every emulated-CPU
// memory access is pinned to.
const cpuSlot = 31

// Scheduler accepts DMA and INTR requests from device threads, places
// them into the per-level priority tables, chooses the next request to
// activate by lowest-set-bit of the level's slot mask, and drives the
// mailbox accordingly. It never holds the table lock across a wire
// engine round trip: every insertion, activation, and completion
// transition acquires the lock only for the in-memory bookkeeping.
type Scheduler struct {
	mu     sync.Mutex
	tables [mailbox.NumLevels]levelTable

	transport mailbox.Transport
	logger    *log.Logger

	addressSpaceSize uint32

	initAsserted bool

	// cpuPollLimiter throttles the busy-poll loop used for CPU-pinned
	// DMA accesses. A real bare-metal build would runtime.Gosched() in
	// this loop (as internal/reg.Wait does); a host process with a
	// real OS scheduler and other runnable goroutines instead rate
	// limits the spin so it yields CPU to the event loop and other
	// device workers.
	cpuPollLimiter *rate.Limiter
}

// NewScheduler creates a scheduler bound to transport, with addresses
// validated against addressSpaceSize (set by the bus facade's
// configured address width).
func NewScheduler(transport mailbox.Transport, addressSpaceSize uint32, logger *log.Logger) *Scheduler {
	return &Scheduler{
		transport:        transport,
		logger:           logger,
		addressSpaceSize: addressSpaceSize,
		cpuPollLimiter:   rate.NewLimiter(rate.Limit(200_000), 1),
	}
}

func (s *Scheduler) fatalf(format string, args ...interface{}) {
	s.logger.Fatalf("sched: "+format, args...)
}

// ---- DMA path ----

// DMA admits a DMA request. req is reused across calls by its owning
// device; slot must be 1..31. CPU accesses are pinned to slot 31
// regardless of the value passed, and always poll: blocking is
// ignored for them.
func (s *Scheduler) DMA(req *DMARequest, slot int, blocking bool, cycle mailbox.CycleKind, startAddr uint32, buffer []uint16, wordCount int, isCPUAccess bool) {
	if wordCount < 1 {
		s.fatalf("dma: word_count must be >= 1, got %d", wordCount)
	}
	if startAddr+2*uint32(wordCount) > s.addressSpaceSize {
		s.fatalf("dma: address range [%#o, %#o) exceeds address space", startAddr, startAddr+2*uint32(wordCount))
	}
	if startAddr%2 != 0 && cycle != mailbox.CycleWriteByteLow && cycle != mailbox.CycleWriteByteHigh {
		s.fatalf("dma: odd address %#o is only legal for byte-write cycles", startAddr)
	}
	if isCPUAccess {
		slot = cpuSlot
	}
	if slot < 1 || slot > 31 {
		s.fatalf("dma: invalid priority slot %d", slot)
	}

	s.mu.Lock()

	if s.initAsserted {
		s.mu.Unlock()
		req.reset(slot, cycle, startAddr, buffer, wordCount, isCPUAccess)
		req.signalComplete()
		return
	}

	table := &s.tables[mailbox.LevelNPR]
	if existing := table.at(slot); existing != nil {
		s.mu.Unlock()
		s.fatalf("dma: slot %d already has a pending NPR request", slot)
		return
	}

	req.reset(slot, cycle, startAddr, buffer, wordCount, isCPUAccess)
	table.insert(slot, req)

	var toPush *DMARequest
	if table.active == nil {
		_, pending := table.lowestPending()
		toPush = pending.(*DMARequest)
		table.active = toPush
		toPush.setExecuting(true)
	}
	s.mu.Unlock()

	if toPush != nil {
		s.pushDMAChunk(toPush)
	}

	switch {
	case isCPUAccess:
		s.pollCPU(req)
	case blocking:
		req.Wait()
	}
}

func (s *Scheduler) pushDMAChunk(req *DMARequest) {
	words := req.currentChunkWords()
	desc := mailbox.DMADescriptor{
		StartAddress: req.chunkStart,
		Cycle:        req.Cycle,
		WordCount:    uint16(words),
		CPUAccess:    req.IsCPUAccess,
		Status:       mailbox.DMAInProgress,
	}
	if req.Cycle != mailbox.CycleRead {
		off := req.wordsDone()
		chunk := make([]uint16, words)
		copy(chunk, req.Buffer[off:off+words])
		desc.Data = chunk
	}
	s.transport.PushDMA(desc)
}

// pollCPU busy-polls the mailbox DMA status for a CPU-pinned access,
// briefly releasing the scheduler lock between polls. It returns once
// the request is complete, including when INIT clears the active
// pointer out from under it.
func (s *Scheduler) pollCPU(req *DMARequest) {
	ctx := context.Background()
	for {
		s.mu.Lock()
		active := s.tables[mailbox.LevelNPR].active
		if active != req {
			// Either INIT cancellation cleared the active pointer (that
			// path marks req complete with success=false), or req is
			// still pending behind another NPR request.
			s.mu.Unlock()
			if req.Complete() {
				return
			}
			s.cpuPollLimiter.Wait(ctx)
			continue
		}
		desc := s.transport.ReadDMA()
		s.mu.Unlock()

		if desc.Status != mailbox.DMAInProgress {
			s.completeChunk(desc)
			if req.Complete() {
				return
			}
			continue
		}

		s.cpuPollLimiter.Wait(ctx)
	}
}

// OnDMAComplete is invoked by the event loop when it drains the
// DMA-completion channel. It is never used for CPU-pinned accesses,
// which poll instead of waiting on the event loop.
func (s *Scheduler) OnDMAComplete() {
	desc := s.transport.ReadDMA()
	s.completeChunk(desc)
}

// completeChunk applies the result of one DMA chunk: copying inbound
// words, updating EndAddr, and either continuing to the next chunk or
// completing the request. It re-selects the lowest-slot pending
// request on NPR for the next chunk, which may differ from the request
// that just completed a chunk: a lower-slot device that raised its
// request mid-transfer interleaves here instead of losing data while
// a long transfer drains.
func (s *Scheduler) completeChunk(desc mailbox.DMADescriptor) {
	s.mu.Lock()

	table := &s.tables[mailbox.LevelNPR]
	req, ok := table.active.(*DMARequest)
	if !ok || req == nil {
		s.mu.Unlock()
		return
	}

	req.EndAddr = desc.CurrentAddress
	success := desc.Status == mailbox.DMAReady

	if success && req.Cycle == mailbox.CycleRead {
		off := req.wordsDone()
		copy(req.Buffer[off:], desc.Data)
	}

	if !success {
		req.Success = false
		table.remove(req.Slot())
		table.active = nil
		s.mu.Unlock()
		req.signalComplete()
		s.activateNextNPR()
		return
	}

	req.chunkStart = desc.CurrentAddress + 2

	if req.hasMoreChunks() {
		table.active = nil
		s.mu.Unlock()
		s.activateNextNPR()
		return
	}

	req.Success = true
	table.remove(req.Slot())
	table.active = nil
	s.mu.Unlock()
	req.signalComplete()
	s.activateNextNPR()
}

// activateNextNPR picks the lowest-slot pending NPR request, if any,
// and pushes its next chunk to the wire engine. It must be called with
// the scheduler lock NOT held.
func (s *Scheduler) activateNextNPR() {
	s.mu.Lock()
	table := &s.tables[mailbox.LevelNPR]
	if table.active != nil {
		s.mu.Unlock()
		return
	}
	_, pending := table.lowestPending()
	if pending == nil {
		s.mu.Unlock()
		return
	}
	req := pending.(*DMARequest)
	table.active = req
	req.setExecuting(true)
	s.mu.Unlock()

	s.pushDMAChunk(req)
}

// ---- INTR path ----

// Intr admits an interrupt request. It never blocks: interrupts fire
// when the emulated CPU lowers its priority, which may be arbitrarily
// far in the future.
func (s *Scheduler) Intr(req *IntrRequest, level mailbox.Level, slot int, vector uint16, sideEffectReg SideEffectRegister, sideEffectValue uint16) {
	if slot < 1 || slot > 31 {
		s.fatalf("intr: invalid priority slot %d", slot)
	}
	if level > mailbox.LevelBR7 {
		s.fatalf("intr: invalid level %v for an interrupt request", level)
	}
	if vector%4 != 0 {
		s.fatalf("intr: vector %#o must be a multiple of 4", vector)
	}
	if sideEffectReg != nil && req.Owner() != nil {
		if oh := req.Owner().Handle(); oh != 0 && sideEffectReg.DeviceHandle() != oh {
			s.fatalf("intr: side-effect register belongs to device handle %d, request owner %q has handle %d",
				sideEffectReg.DeviceHandle(), req.Owner().Name(), oh)
		}
	}

	s.mu.Lock()

	if s.initAsserted {
		s.mu.Unlock()
		req.reset(level, slot, vector)
		req.signalComplete()
		return
	}

	table := &s.tables[level]
	if existing, ok := table.at(slot).(*IntrRequest); ok && existing != nil {
		sameOwner := existing.Owner() == req.Owner()
		sameVector := existing.Vector == vector
		if sameOwner && sameVector {
			// re-raise: silently update the side-effect value, if any,
			// and leave the original pending request untouched.
			existing.SideEffectRegister = sideEffectReg
			existing.SideEffectValue = sideEffectValue
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.fatalf("intr: slot %d level %v already has a pending request from a different owner or vector", slot, level)
		return
	}

	req.reset(level, slot, vector)

	// An INTR at this or a higher BR level in flight holds the mailbox
	// INTR descriptor, so the side effect cannot ride along with the
	// grant.
	blockedByOther := false
	for l := level; l <= mailbox.LevelBR7; l++ {
		if s.tables[l].active != nil {
			blockedByOther = true
			break
		}
	}
	if sideEffectReg != nil {
		if blockedByOther {
			// cannot be delivered atomically with the grant later;
			// apply it now, visibly before the interrupt signal.
			sideEffectReg.SetReadValue(sideEffectValue)
		} else {
			req.SideEffectRegister = sideEffectReg
			req.SideEffectValue = sideEffectValue
		}
	}

	table.insert(slot, req)

	var toPush *IntrRequest
	if table.active == nil {
		_, pending := table.lowestPending()
		toPush = pending.(*IntrRequest)
		table.active = toPush
		toPush.setExecuting(true)
	}
	s.mu.Unlock()

	if toPush != nil {
		s.pushIntr(toPush)
	}
}

func (s *Scheduler) pushIntr(req *IntrRequest) {
	desc := mailbox.IntrDescriptor{
		Level:  req.Level(),
		Vector: req.Vector,
	}
	if req.SideEffectRegister != nil {
		desc.SideEffectValue = req.SideEffectValue
		desc.SideEffectRegister = req.SideEffectRegister.Handle()
	}
	s.transport.PushIntr(desc)
}

// CancelIntr withdraws a pending or active INTR request because the
// device's interrupt condition went away before being granted.
func (s *Scheduler) CancelIntr(req *IntrRequest) {
	s.mu.Lock()
	table := &s.tables[req.Level()]

	if table.active == req {
		table.active = nil
		table.remove(req.Slot())
		s.mu.Unlock()
		s.transport.CancelIntr(1 << uint(req.Level()))
		req.signalComplete()
		s.activateNextIntr(req.Level())
		return
	}

	table.remove(req.Slot())
	s.mu.Unlock()
	req.signalComplete()
}

// OnIntrComplete is invoked by the event loop when it drains a
// per-level INTR completion channel.
func (s *Scheduler) OnIntrComplete(level mailbox.Level) {
	s.mu.Lock()
	table := &s.tables[level]
	req, ok := table.active.(*IntrRequest)
	if !ok || req == nil {
		s.mu.Unlock()
		return
	}
	table.remove(req.Slot())
	table.active = nil
	s.mu.Unlock()

	req.signalComplete()
	s.activateNextIntr(level)
}

func (s *Scheduler) activateNextIntr(level mailbox.Level) {
	s.mu.Lock()
	table := &s.tables[level]
	if table.active != nil {
		s.mu.Unlock()
		return
	}
	_, pending := table.lowestPending()
	if pending == nil {
		s.mu.Unlock()
		return
	}
	req := pending.(*IntrRequest)
	table.active = req
	req.setExecuting(true)
	s.mu.Unlock()

	s.pushIntr(req)
}

// ---- INIT cancellation ----

// OnInitAsserted cancels every in-flight and pending request across all
// five levels and gates new admissions until INIT negates. Every
// blocking DMA caller is unblocked with Success=false; every queued
// INTR is dropped with Complete()==true.
func (s *Scheduler) OnInitAsserted() {
	s.mu.Lock()
	s.initAsserted = true
	s.mu.Unlock()

	s.CancelAll()
}

// CancelAll cancels every in-flight and pending request across all
// five levels without gating new admissions. The event loop calls it
// directly on a DCLO raising edge, which cancels like INIT but does
// not hold the bus in reset afterwards.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	var toSignal []Request
	for i := range s.tables {
		toSignal = append(toSignal, s.tables[i].clear()...)
	}
	s.mu.Unlock()

	for _, r := range toSignal {
		switch v := r.(type) {
		case *DMARequest:
			v.Success = false
			v.signalComplete()
		case *IntrRequest:
			v.signalComplete()
		}
	}

	s.transport.CancelIntr(0x0f) // all four BR levels
}

// OnInitNegated clears the cancellation gate so new requests may be
// admitted again.
func (s *Scheduler) OnInitNegated() {
	s.mu.Lock()
	s.initAsserted = false
	s.mu.Unlock()
}

// LevelSnapshot is a read-only view of one arbitration level's
// occupancy, for the optional debug introspection server.
type LevelSnapshot struct {
	Level        mailbox.Level
	PendingCount int
	ActiveSlot   int // -1 if nothing active
	ActiveVector uint16
}

// Snapshot returns the current occupancy of every arbitration level.
// It is purely diagnostic: callers must never use it to make
// scheduling decisions.
func (s *Scheduler) Snapshot() []LevelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LevelSnapshot, mailbox.NumLevels)
	for i := range s.tables {
		t := &s.tables[i]
		snap := LevelSnapshot{Level: mailbox.Level(i), ActiveSlot: -1}
		for slot := 0; slot < 32; slot++ {
			if t.slots[slot] != nil {
				snap.PendingCount++
			}
		}
		if t.active != nil {
			snap.ActiveSlot = t.active.Slot()
			if ir, ok := t.active.(*IntrRequest); ok {
				snap.ActiveVector = ir.Vector
			}
		}
		out[i] = snap
	}
	return out
}
