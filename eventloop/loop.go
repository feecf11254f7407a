// Package eventloop implements the single goroutine that drains
// mailbox events in a fixed order and dispatches them to the scheduler
// and device registry.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package eventloop

import (
	"context"
	"log"
	"time"

	"github.com/usbarmory/qunibone-adapter/device"
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/sched"
)

// idlePoll is how long the loop blocks between dry passes when nothing
// is raised. A bare-metal build would park on an interrupt; a host
// process sleeps briefly instead, coarse enough to stay friendly to
// the OS scheduler.
const idlePoll = 500 * time.Microsecond

// Loop is the adapter core's event loop: it owns no state of its own
// beyond what it needs to detect INIT and power edges, and defers all
// arbitration and device logic to the scheduler and registry.
type Loop struct {
	transport mailbox.Transport
	sched     *sched.Scheduler
	registry  *device.Registry
	logger    *log.Logger

	initEdge sched.EdgeDetector
	acloEdge sched.EdgeDetector
	dcloEdge sched.EdgeDetector
}

// New creates an event loop bound to transport, sched, and registry.
func New(transport mailbox.Transport, s *sched.Scheduler, registry *device.Registry, logger *log.Logger) *Loop {
	return &Loop{transport: transport, sched: s, registry: registry, logger: logger}
}

// Run drains events until ctx is cancelled. It is meant to be the sole
// caller of every mailbox read/ack on the host side; no other goroutine
// may touch the transport directly except through sched.Scheduler,
// which never holds its lock across a wire round trip.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.pass() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePoll):
		}
	}
}

// pass runs one sweep over every channel in a fixed order, and reports
// whether any channel was actually serviced (a "wet" pass), so Run can
// re-poll immediately instead of sleeping.
func (l *Loop) pass() bool {
	serviced := false

	// 1. INIT falling edge (negation) is drained before anything else
	// so that a bus reset in progress does not race a late completion
	// from the state it is about to clear. The transition is captured
	// once here (a single Update() call per pass) and the raising case
	// is acted on at step 7, after every other channel has drained --
	// calling Update() a second time later would observe no further
	// change and silently swallow the edge. The event is acknowledged
	// immediately: some bus variants hold the bus with a wait signal
	// until the host confirms it saw the INIT event.
	initTransition := sched.EdgeNone
	if l.transport.Raised(mailbox.ChanInit) {
		initTransition = l.initEdge.Update(l.transport.ReadInit())
		l.transport.Ack(mailbox.ChanInit)
		serviced = true
		switch initTransition {
		case sched.EdgeFalling:
			l.sched.OnInitNegated()
			l.registry.BroadcastInit(false)
		case sched.EdgeNone:
			// stray INIT event with no level change; cleared without
			// any broadcast, recorded only by a log line
			l.logger.Printf("eventloop: stray INIT event with no edge")
		}
	}

	// 2. Power edges (ACLO/DCLO). A DCLO raising edge cancels every
	// scheduled request, after the devices have been told about the
	// edge and before any later DMA completion is drained.
	if l.transport.Raised(mailbox.ChanPower) {
		_, cur := l.transport.ReadPower()
		aclo := l.acloEdge.Update(cur&mailbox.PowerACLO != 0)
		dclo := l.dcloEdge.Update(cur&mailbox.PowerDCLO != 0)
		l.transport.Ack(mailbox.ChanPower)
		if aclo != sched.EdgeNone || dclo != sched.EdgeNone {
			l.registry.BroadcastPower(aclo, dclo)
		}
		if dclo == sched.EdgeRaising {
			l.sched.CancelAll()
		}
		serviced = true
	}

	// 3. Slave register access.
	if l.transport.Raised(mailbox.ChanSlaveAccess) {
		l.handleSlaveAccess()
		serviced = true
	}

	// 4. DMA completion (never used for CPU-pinned accesses, which
	// poll the scheduler directly instead of waiting on this loop).
	if l.transport.Raised(mailbox.ChanDMAComplete) {
		l.sched.OnDMAComplete()
		l.transport.Ack(mailbox.ChanDMAComplete)
		serviced = true
	}

	// 5. Per-level INTR completion, BR4..BR7 in that fixed order.
	levels := [...]struct {
		ch    mailbox.Channel
		level mailbox.Level
	}{
		{mailbox.ChanIntrBR4, mailbox.LevelBR4},
		{mailbox.ChanIntrBR5, mailbox.LevelBR5},
		{mailbox.ChanIntrBR6, mailbox.LevelBR6},
		{mailbox.ChanIntrBR7, mailbox.LevelBR7},
	}
	for _, lv := range levels {
		if l.transport.Raised(lv.ch) {
			l.sched.OnIntrComplete(lv.level)
			l.transport.Ack(lv.ch)
			serviced = true
		}
	}

	// 6. Incoming CPU interrupt: the wire engine hands an interrupt
	// vector to the emulated CPU, which is forwarded to the CPU-role
	// device.
	if l.transport.Raised(mailbox.ChanCPUIntr) {
		vector := l.transport.ReadCPUIntrVector()
		l.transport.Ack(mailbox.ChanCPUIntr)
		l.handleCPUIntr(vector)
		serviced = true
	}

	// 7. INIT raising edge (assertion) is handled last, so that every
	// channel above has a chance to drain whatever was in flight
	// before the bus reset before the scheduler cancels everything.
	if initTransition == sched.EdgeRaising {
		l.sched.OnInitAsserted()
		l.registry.BroadcastInit(true)
		serviced = true
	}

	return serviced
}

// handleSlaveAccess resolves a trapped register access: for a read, it
// calls the owning device's OnRegisterAccess hook (if the register is
// active-on-read) to refresh the read shadow, then publishes the
// shared value back to the wire engine; for a write, it applies the
// written bits and, if active-on-write, calls the hook so device logic
// observes the new value.
func (l *Loop) handleSlaveAccess() {
	access := l.transport.ReadSlaveAccess()
	l.transport.Ack(mailbox.ChanSlaveAccess)

	dev := l.registry.Lookup(uint16(access.DeviceHandle))
	if dev == nil {
		l.logger.Printf("eventloop: slave access for unknown device handle %d at %#o", access.DeviceHandle, access.Address)
		return
	}
	regs := dev.Registers()
	if int(access.RegisterIndex) >= len(regs) {
		l.logger.Printf("eventloop: slave access register index %d out of range for %q", access.RegisterIndex, dev.Name())
		return
	}
	reg := regs[access.RegisterIndex]

	switch access.Cycle {
	case mailbox.CycleRead:
		if reg.ActiveOnRead {
			dev.OnRegisterAccess(reg, access.Cycle)
		}
		l.transport.WriteSlaveAccess(reg.ReadShadow())
	default:
		// ApplyWrite splices byte cycles into the matching half of the
		// write shadow; the callback always sees a word-sized cycle.
		reg.ApplyWrite(access.Data, access.Cycle)
		if reg.ActiveOnWrite {
			dev.OnRegisterAccess(reg, mailbox.CycleWriteWord)
		}
		l.transport.WriteSlaveAccess(reg.ReadShadow())
	}
}

// handleCPUIntr delivers an incoming interrupt vector to the installed
// CPU-role device, if any.
func (l *Loop) handleCPUIntr(vector uint16) {
	cpu := l.registry.CPU()
	if cpu == nil {
		l.logger.Printf("eventloop: CPU interrupt vector %#o with no CPU-role device installed", vector)
		return
	}
	if h, ok := cpu.(interface{ OnCPUIntr(vector uint16) }); ok {
		h.OnCPUIntr(vector)
	}
}
