package device

import (
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/sched"
)

// Device is the polymorphic device abstraction: every device type
// satisfies it by embedding *Base and overriding whichever capability
// hooks it actually needs. Default hooks are no-ops, kept deliberately
// shallow rather than via a deep inheritance hierarchy.
type Device interface {
	Name() string
	Type() string
	IsCPU() bool

	Handle() uint16
	BaseAddress() uint32
	Slot() int
	Level() mailbox.Level
	Vector() uint16
	Registers() []*Register

	// OnInitChange is broadcast by the registry, in handle order, when
	// INIT asserts or negates.
	OnInitChange(asserted bool)
	// OnPowerChange is broadcast on an ACLO/DCLO edge.
	OnPowerChange(aclo, dclo sched.Edge)
	// OnRegisterAccess runs on the event-loop goroutine while the wire
	// engine holds the bus handshake for an active register. It must
	// be brief and must never re-enter the scheduler: a DMA started
	// here would deadlock on the scheduler lock.
	OnRegisterAccess(reg *Register, cycle mailbox.CycleKind)
}

// Base implements Device with the no-op defaults every device inherits
// unless it overrides a hook. Concrete device types embed *Base.
type Base struct {
	name  string
	kind  string
	isCPU bool

	handle uint16
	base   uint32
	slot   int
	level  mailbox.Level
	vector uint16
	regs   []*Register

	// intr is the device's single INTR request, lazily created. Most
	// devices raise at most one level/vector; a device that needs more
	// than one manages additional *sched.IntrRequest values itself.
	intr *sched.IntrRequest
}

// NewBase creates the shared device state. slot/level/vector describe
// the device's single INTR identity; a multi-vector controller (e.g.
// one raising on more than one level) manages additional IntrRequests
// itself and is not constrained by this field.
func NewBase(name, kind string, isCPU bool, baseAddr uint32, slot int, level mailbox.Level, vector uint16, regs []*Register) *Base {
	return &Base{
		name:   name,
		kind:   kind,
		isCPU:  isCPU,
		base:   baseAddr,
		slot:   slot,
		level:  level,
		vector: vector,
		regs:   regs,
	}
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Type() string           { return b.kind }
func (b *Base) IsCPU() bool            { return b.isCPU }
func (b *Base) Handle() uint16         { return b.handle }
func (b *Base) BaseAddress() uint32    { return b.base }
func (b *Base) Slot() int              { return b.slot }
func (b *Base) Level() mailbox.Level   { return b.level }
func (b *Base) Vector() uint16         { return b.vector }
func (b *Base) Registers() []*Register { return b.regs }

func (b *Base) setHandle(h uint16) { b.handle = h }

// OnInitChange, OnPowerChange, and OnRegisterAccess are no-ops by
// default; most devices only need one or two of the three.
func (b *Base) OnInitChange(asserted bool)                              {}
func (b *Base) OnPowerChange(aclo, dclo sched.Edge)                     {}
func (b *Base) OnRegisterAccess(reg *Register, cycle mailbox.CycleKind) {}

// FindRegister returns the first register at the given name, or nil.
func (b *Base) FindRegister(name string) *Register {
	for _, r := range b.regs {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Intr returns the device's single INTR request, creating it on first
// use. The scheduler owns the request's lifecycle; the device only
// needs a stable handle to pass to sched.Scheduler.Intr.
func (b *Base) Intr() *sched.IntrRequest {
	if b.intr == nil {
		b.intr = sched.NewIntrRequest(b)
	}
	return b.intr
}

// ResetRegisters sets every register's shadows to its reset value and
// returns the reset value for each in registration order, so the
// registry can push it into the shared descriptors it owns.
func (b *Base) ResetRegisters() []uint16 {
	out := make([]uint16, len(b.regs))
	for i, r := range b.regs {
		out[i] = r.reset()
	}
	return out
}
