// Package bus implements the bus facade: the composition root that
// wires the mailbox transport, I/O-page map, scheduler, device
// registry, and event loop together, and the narrow façade device
// models call against.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package bus

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/qunibone-adapter/debugsrv"
	"github.com/usbarmory/qunibone-adapter/device"
	"github.com/usbarmory/qunibone-adapter/eventloop"
	"github.com/usbarmory/qunibone-adapter/iopage"
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/sched"
)

// Config assembles the choices the composition root makes once at
// startup: address width, I/O-page size, and whether the debug
// introspection server is enabled. Assembled once by the caller;
// never read from package-level globals.
type Config struct {
	Width      Width
	IOPageSize uint32
	DebugAddr  string // empty disables the debug introspection server
	Logger     *log.Logger
}

// Bus is the adapter core's façade: the single object a program wires
// a wire-engine transport and a set of devices into.
type Bus struct {
	space     *Space
	iomap     *iopage.Map
	rom       *iopage.ROM
	registry  *device.Registry
	sched     *sched.Scheduler
	loop      *eventloop.Loop
	transport mailbox.Transport
	logger    *log.Logger

	debugAddr string
}

// New creates a Bus bound to transport, with the given configuration.
func New(transport mailbox.Transport, cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.IOPageSize == 0 {
		cfg.IOPageSize = 8192
	}

	space := NewSpace(cfg.Width, cfg.IOPageSize)
	iomap := iopage.NewMap(space.IOPageBase(), space.IOPageSize())
	registry := device.NewRegistry(iomap)
	scheduler := sched.NewScheduler(transport, 1<<uint(space.Width()), cfg.Logger)
	loop := eventloop.New(transport, scheduler, registry, cfg.Logger)

	return &Bus{
		space:     space,
		iomap:     iomap,
		registry:  registry,
		sched:     scheduler,
		loop:      loop,
		transport: transport,
		logger:    cfg.Logger,
		debugAddr: cfg.DebugAddr,
	}
}

// Space returns the configured address space.
func (b *Bus) Space() *Space { return b.space }

// RegisterROM backs the given image at addr with the ROM overlay,
// creating the overlay lazily on first use.
func (b *Bus) RegisterROM(image []byte, addr uint32) error {
	if b.rom == nil {
		b.rom = iopage.NewROM(b.iomap, image)
	}
	return b.rom.Install(addr)
}

// UnregisterROM clears the ROM overlay at addr, if present.
func (b *Bus) UnregisterROM(addr uint32) {
	if b.rom != nil {
		b.rom.Uninstall(addr)
	}
}

// IsROM reports whether addr is currently backed by the ROM overlay.
func (b *Bus) IsROM(addr uint32) bool {
	return b.iomap.IsROM(addr)
}

// RegisterDevice installs dev into the device registry.
func (b *Bus) RegisterDevice(dev device.Device) error {
	return b.registry.Install(dev)
}

// UnregisterDevice removes dev from the device registry.
func (b *Bus) UnregisterDevice(dev device.Device) {
	b.registry.Uninstall(dev)
}

// EnableDevice installs dev, delivers its power-on reset, and starts
// its worker goroutine under ctx if it has one.
func (b *Bus) EnableDevice(ctx context.Context, dev device.Device) error {
	return b.registry.Enable(ctx, dev)
}

// DisableDevice stops dev's worker and uninstalls it.
func (b *Bus) DisableDevice(dev device.Device) {
	b.registry.Disable(dev)
}

// FindDeviceBySlot returns the installed device occupying the given
// priority slot, or nil.
func (b *Bus) FindDeviceBySlot(slot int) device.Device {
	return b.registry.FindBySlot(slot)
}

// Init pulses the bus INIT signal through the wire engine. The
// resulting asserted and negated edges come back through the event
// loop like any externally driven INIT.
func (b *Bus) Init() {
	b.transport.WriteInit(true)
	b.transport.WriteInit(false)
}

// PowerPhase selects which half of a power cycle PowerCycle sequences.
type PowerPhase int

const (
	PowerDown PowerPhase = iota
	PowerUp
)

// PowerCycle sequences the power signals through the wire engine to
// produce a legal power pattern: ACLO warns before DCLO drops on the
// way down, DC comes good before AC on the way up, followed by the
// power-up INIT pulse.
func (b *Bus) PowerCycle(phase PowerPhase) {
	switch phase {
	case PowerDown:
		b.transport.WritePower(mailbox.PowerACLO)
		b.transport.WritePower(mailbox.PowerACLO | mailbox.PowerDCLO)
	case PowerUp:
		b.transport.WritePower(mailbox.PowerACLO)
		b.transport.WritePower(0)
		b.Init()
	}
}

// EnableCPU tells the wire engine whether an emulated CPU is present
// on the bus.
func (b *Bus) EnableCPU(enabled bool) {
	b.transport.EnableCPU(enabled)
}

// SetCPUPriority publishes the emulated CPU's current priority level
// and vector-fetch state to the wire engine's arbitration logic.
func (b *Bus) SetCPUPriority(level uint8, fetchingVector bool) {
	b.transport.SetCPUPriority(level, fetchingVector)
}

// GrantRequests gates whether the wire engine may grant bus requests
// at all.
func (b *Bus) GrantRequests(enabled bool) {
	b.transport.GrantRequests(enabled)
}

// DMA issues a priority DMA request on the NPR level.
func (b *Bus) DMA(req *sched.DMARequest, slot int, blocking bool, cycle mailbox.CycleKind, addr uint32, buffer []uint16, wordCount int) {
	b.sched.DMA(req, slot, blocking, cycle, b.space.Strip(addr), buffer, wordCount, false)
}

// CPUDataTransfer is the convenience single-word CPU-pinned path: it
// pins the priority slot to the scheduler's reserved CPU slot and
// always blocks via polling, never via the event loop.
func (b *Bus) CPUDataTransfer(req *sched.DMARequest, cycle mailbox.CycleKind, addr uint32, buffer []uint16) {
	b.sched.DMA(req, 0, true, cycle, b.space.Strip(addr), buffer, 1, true)
}

// Intr issues a priority interrupt request.
func (b *Bus) Intr(req *sched.IntrRequest, level mailbox.Level, slot int, vector uint16, sideEffectReg sched.SideEffectRegister, sideEffectValue uint16) {
	b.sched.Intr(req, level, slot, vector, sideEffectReg, sideEffectValue)
}

// CancelIntr withdraws a pending or active interrupt request.
func (b *Bus) CancelIntr(req *sched.IntrRequest) {
	b.sched.CancelIntr(req)
}

// Run starts the event loop, and the debug introspection server if
// configured, supervising them together with golang.org/x/sync/errgroup
// so that either's failure tears down the other and is reported to the
// caller.
func (b *Bus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.loop.Run(ctx)
	})

	if b.debugAddr != "" {
		g.Go(func() error {
			return debugsrv.Serve(ctx, b.debugAddr, b.debugSnapshot, b.logger)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("bus: %w", err)
	}
	return nil
}

// debugSnapshot adapts the scheduler's occupancy view into the debug
// server's wire format.
func (b *Bus) debugSnapshot() debugsrv.Snapshot {
	levels := b.sched.Snapshot()
	out := debugsrv.Snapshot{Levels: make([]debugsrv.LevelSnapshot, len(levels))}
	for i, l := range levels {
		out.Levels[i] = debugsrv.LevelSnapshot{
			Name:         l.Level.String(),
			PendingCount: l.PendingCount,
			ActiveSlot:   l.ActiveSlot,
			ActiveVector: l.ActiveVector,
		}
	}
	return out
}
