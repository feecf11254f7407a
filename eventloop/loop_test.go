package eventloop

import (
	"log"
	"os"
	"testing"

	"github.com/usbarmory/qunibone-adapter/device"
	"github.com/usbarmory/qunibone-adapter/iopage"
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/mailbox/faketransport"
	"github.com/usbarmory/qunibone-adapter/sched"
)

func newTestLoop() (*Loop, *faketransport.Transport, *device.Registry, *sched.Scheduler) {
	transport := faketransport.New()
	logger := log.New(os.Stderr, "", 0)
	s := sched.NewScheduler(transport, 1<<18, logger)
	iomap := iopage.NewMap(0o160000, 0o20000)
	registry := device.NewRegistry(iomap)
	return New(transport, s, registry, logger), transport, registry, s
}

// A dry pass (nothing raised) reports false and touches nothing.
func TestPassDryWhenNothingRaised(t *testing.T) {
	l, _, _, _ := newTestLoop()
	if l.pass() {
		t.Fatalf("pass() = true on an idle mailbox, want false")
	}
}

func TestHandleSlaveAccessRead(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	reg := &device.Register{Name: "CSR", Addr: 0o177560, WritableMask: 0xFFFF, ActiveOnRead: true, ActiveOnWrite: true}
	dev := device.NewBase("DEV", "test", false, 0o177560, 0, mailbox.LevelBR4, 0, []*device.Register{reg})
	if err := registry.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}
	reg.SetReadValue(0o123)

	transport.SetSlaveAccess(mailbox.SlaveAccess{
		DeviceHandle:  uint8(dev.Handle()),
		RegisterIndex: 0,
		Address:       0o177560,
		Cycle:         mailbox.CycleRead,
	})

	if !l.pass() {
		t.Fatalf("pass() = false, want true after a raised slave access")
	}
	if got := transport.ReadSlaveAccess().Data; got != 0o123 {
		t.Fatalf("WriteSlaveAccess data = %#o, want 0o123", got)
	}
	if transport.Raised(mailbox.ChanSlaveAccess) {
		t.Fatalf("ChanSlaveAccess still raised after pass")
	}
}

func TestHandleSlaveAccessWriteAppliesToShadow(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	reg := &device.Register{Name: "CSR", Addr: 0o177560, WritableMask: 0xFFFF, ActiveOnWrite: true}
	dev := device.NewBase("DEV", "test", false, 0o177560, 0, mailbox.LevelBR4, 0, []*device.Register{reg})
	if err := registry.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	transport.SetSlaveAccess(mailbox.SlaveAccess{
		DeviceHandle:  uint8(dev.Handle()),
		RegisterIndex: 0,
		Address:       0o177560,
		Data:          0o4000,
		Cycle:         mailbox.CycleWriteWord,
	})
	l.pass()

	if got := reg.GetWrittenValue(0); got != 0o4000 {
		t.Fatalf("GetWrittenValue = %#o, want 0o4000", got)
	}
}

func TestHandleSlaveAccessUnknownHandleLogsAndSkips(t *testing.T) {
	l, transport, _, _ := newTestLoop()

	transport.SetSlaveAccess(mailbox.SlaveAccess{DeviceHandle: 0xAB, Cycle: mailbox.CycleRead})
	if !l.pass() {
		t.Fatalf("pass() = false, want true (channel still drained even when the handle is unknown)")
	}
	if transport.Raised(mailbox.ChanSlaveAccess) {
		t.Fatalf("ChanSlaveAccess still raised after an unknown-handle access")
	}
}

type cpuInterceptor struct {
	*device.Base
	vectors []uint16
}

func (c *cpuInterceptor) OnCPUIntr(vector uint16) {
	c.vectors = append(c.vectors, vector)
}

func TestHandleCPUIntrDispatchesToCPURoleDevice(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	cpu := &cpuInterceptor{Base: device.NewBase("CPU", "cpu", true, 0, 0, mailbox.LevelBR4, 0, nil)}
	if err := registry.Install(cpu); err != nil {
		t.Fatalf("Install: %v", err)
	}

	transport.DeliverCPUIntr(0o4)
	if !l.pass() {
		t.Fatalf("pass() = false, want true after a CPU interrupt")
	}
	if len(cpu.vectors) != 1 || cpu.vectors[0] != 0o4 {
		t.Fatalf("cpu.vectors = %v, want [0o4]", cpu.vectors)
	}
}

// INIT assertion (raising edge) is handled last within a pass, after
// every other channel has had a chance to drain, even though it is
// checked first for the falling-edge case.
func TestInitAssertedBroadcastsAfterOtherChannelsDrain(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	var order []string
	reg := &device.Register{Name: "CSR", Addr: 0o177560, WritableMask: 0xFFFF, ActiveOnRead: true, ActiveOnWrite: true}
	dev := &orderRecorder{Base: device.NewBase("DEV", "test", false, 0o177560, 0, mailbox.LevelBR4, 0, []*device.Register{reg}), order: &order}
	if err := registry.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	transport.SetSlaveAccess(mailbox.SlaveAccess{DeviceHandle: uint8(dev.Handle()), Cycle: mailbox.CycleRead})
	transport.SetInit(true)

	l.pass()

	if len(order) != 2 || order[0] != "access" || order[1] != "init" {
		t.Fatalf("order = %v, want [access init]", order)
	}
}

// A stray INIT event carrying no level change is tolerated: the
// channel is acknowledged and no broadcast fires.
func TestStrayInitEventClearedSilently(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	var order []string
	dev := &orderRecorder{Base: device.NewBase("DEV", "test", false, 0o177560, 0, mailbox.LevelBR4, 0, nil), order: &order}
	if err := registry.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	transport.SetInit(false) // no edge: the level was already negated
	if !l.pass() {
		t.Fatalf("pass() = false, want true (the stray event is still drained)")
	}
	if transport.Raised(mailbox.ChanInit) {
		t.Fatalf("ChanInit still raised after a stray event")
	}
	if len(order) != 0 {
		t.Fatalf("broadcasts fired on a stray INIT event: %v", order)
	}
}

// A DCLO raising edge cancels every scheduled request, like INIT but
// without holding the bus in reset afterwards.
func TestDCLORaisingEdgeCancelsRequests(t *testing.T) {
	l, transport, _, s := newTestLoop()

	req := sched.NewIntrRequest(nil)
	s.Intr(req, mailbox.LevelBR4, 9, 0o310, nil, 0)

	transport.SetPower(mailbox.PowerDCLO)
	if !l.pass() {
		t.Fatalf("pass() = false, want true after a power edge")
	}
	if !req.Complete() {
		t.Fatalf("expected the pending INTR to be cancelled on the DCLO raising edge")
	}
}

type cycleRecorder struct {
	*device.Base
	cycles []mailbox.CycleKind
}

func (c *cycleRecorder) OnRegisterAccess(reg *device.Register, cycle mailbox.CycleKind) {
	c.cycles = append(c.cycles, cycle)
}

// Byte writes are spliced into the write shadow but presented to the
// device callback as word-sized cycles.
func TestByteWriteNormalizedToWordCycle(t *testing.T) {
	l, transport, registry, _ := newTestLoop()

	reg := &device.Register{Name: "CSR", Addr: 0o177560, WritableMask: 0xFFFF, ActiveOnWrite: true}
	dev := &cycleRecorder{Base: device.NewBase("DEV", "test", false, 0o177560, 0, mailbox.LevelBR4, 0, []*device.Register{reg})}
	if err := registry.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	transport.SetSlaveAccess(mailbox.SlaveAccess{
		DeviceHandle: uint8(dev.Handle()),
		Data:         0x1234,
		Cycle:        mailbox.CycleWriteWord,
	})
	l.pass()

	transport.SetSlaveAccess(mailbox.SlaveAccess{
		DeviceHandle: uint8(dev.Handle()),
		Data:         0x5600,
		Cycle:        mailbox.CycleWriteByteHigh,
	})
	l.pass()

	if got := reg.GetWrittenValue(0); got != 0x5634 {
		t.Fatalf("write shadow = %#x, want the low byte preserved in 0x5634", got)
	}
	for _, c := range dev.cycles {
		if c != mailbox.CycleWriteWord {
			t.Fatalf("callback cycle = %v, want every write normalized to a word cycle", c)
		}
	}
}

type orderRecorder struct {
	*device.Base
	order *[]string
}

func (o *orderRecorder) OnRegisterAccess(reg *device.Register, cycle mailbox.CycleKind) {
	*o.order = append(*o.order, "access")
}

func (o *orderRecorder) OnInitChange(asserted bool) {
	if asserted {
		*o.order = append(*o.order, "init")
	}
}
