package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/usbarmory/qunibone-adapter/iopage"
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/sched"
)

func newTestRegistry() (*Registry, *iopage.Map) {
	m := iopage.NewMap(0o160000, 0o20000)
	return NewRegistry(m), m
}

func newTestDevice(name string, isCPU bool, addrs ...uint32) *Base {
	regs := make([]*Register, len(addrs))
	for i, a := range addrs {
		regs[i] = &Register{Name: name, Addr: a, WritableMask: 0xFFFF}
	}
	return NewBase(name, "test", isCPU, addrs[0], 0, mailbox.LevelBR4, 0o200, regs)
}

func TestInstallAssignsHandlesAndMapsAddresses(t *testing.T) {
	r, m := newTestRegistry()
	dev := newTestDevice("DL11", false, 0o177560, 0o177562)

	if err := r.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if dev.Handle() == 0 {
		t.Fatalf("Handle() = 0, want a non-zero allocated handle")
	}
	if got := m.Lookup(0o177560); got == iopage.HandleNone {
		t.Fatalf("Lookup(0o177560) = HandleNone, want the installed device's handle")
	}
	if got := m.Lookup(0o177562); got == iopage.HandleNone {
		t.Fatalf("Lookup(0o177562) = HandleNone, want the installed device's handle")
	}
	if got := r.Lookup(dev.Handle()); got != Device(dev) {
		t.Fatalf("Lookup(%d) = %v, want dev", dev.Handle(), got)
	}
}

func TestInstallRejectsAddressConflict(t *testing.T) {
	r, _ := newTestRegistry()
	first := newTestDevice("A", false, 0o177560)
	second := newTestDevice("B", false, 0o177560)

	if err := r.Install(first); err != nil {
		t.Fatalf("Install(first): %v", err)
	}
	err := r.Install(second)
	if err == nil {
		t.Fatalf("Install(second) succeeded, want conflict error")
	}
	if !errors.Is(err, iopage.ErrAddressConflict) {
		t.Fatalf("Install(second) error = %v, want wrapping ErrAddressConflict", err)
	}
}

func TestInstallRollsBackPartialConflict(t *testing.T) {
	r, m := newTestRegistry()
	occupied := newTestDevice("A", false, 0o177562)
	if err := r.Install(occupied); err != nil {
		t.Fatalf("Install(occupied): %v", err)
	}

	// conflicting claims 0o177560 (free) then 0o177562 (taken); the
	// first address must be rolled back so it doesn't leak as mapped
	// to a device that failed installation.
	conflicting := newTestDevice("B", false, 0o177560, 0o177562)
	if err := r.Install(conflicting); err == nil {
		t.Fatalf("Install(conflicting) succeeded, want conflict error")
	}
	if got := m.Lookup(0o177560); got != iopage.HandleNone {
		t.Fatalf("Lookup(0o177560) = %d after rollback, want HandleNone", got)
	}
}

func TestSecondCPUDeviceRejected(t *testing.T) {
	r, _ := newTestRegistry()
	first := newTestDevice("CPU1", true, 0o177700)
	second := newTestDevice("CPU2", true, 0o177702)

	if err := r.Install(first); err != nil {
		t.Fatalf("Install(first): %v", err)
	}
	if err := r.Install(second); err == nil {
		t.Fatalf("Install(second CPU) succeeded, want rejection")
	}
	if got := r.CPU(); got != Device(first) {
		t.Fatalf("CPU() = %v, want first", got)
	}
}

func TestRegisterlessDevicesGetDistinctHandles(t *testing.T) {
	r, _ := newTestRegistry()
	a := NewBase("A", "cpu", true, 0, 0, mailbox.LevelBR4, 0, nil)
	b := NewBase("B", "console", false, 0, 0, mailbox.LevelBR4, 0, nil)

	if err := r.Install(a); err != nil {
		t.Fatalf("Install(a): %v", err)
	}
	if err := r.Install(b); err != nil {
		t.Fatalf("Install(b): %v", err)
	}
	if a.Handle() == b.Handle() {
		t.Fatalf("both register-less devices got handle %d, want distinct handles", a.Handle())
	}
	if r.Lookup(a.Handle()) != Device(a) || r.Lookup(b.Handle()) != Device(b) {
		t.Fatalf("Lookup did not resolve both register-less devices distinctly")
	}
}

func TestUninstallFreesAddressAndClearsCPU(t *testing.T) {
	r, m := newTestRegistry()
	dev := newTestDevice("CPU", true, 0o177776)
	if err := r.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	r.Uninstall(dev)

	if got := m.Lookup(0o177776); got != iopage.HandleNone {
		t.Fatalf("Lookup(0o177776) = %d after uninstall, want HandleNone", got)
	}
	if got := r.Lookup(dev.Handle()); got != nil {
		t.Fatalf("Lookup(%d) after uninstall = %v, want nil", dev.Handle(), got)
	}
	if got := r.CPU(); got != nil {
		t.Fatalf("CPU() after uninstalling the CPU device = %v, want nil", got)
	}
}

// Installing binds every register to its shared descriptor, so a
// published read value reaches what a passive slave read would return.
func TestSetReadValuePublishesToSharedDescriptor(t *testing.T) {
	r, m := newTestRegistry()
	dev := newTestDevice("DL11", false, 0o177560)
	if err := r.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	reg := dev.Registers()[0]
	desc := m.Descriptor(m.Lookup(0o177560))
	reg.SetReadValue(0o7717)
	if desc.Value != 0o7717 {
		t.Fatalf("shared value = %#o after SetReadValue, want 0o7717", desc.Value)
	}
}

func TestFindBySlot(t *testing.T) {
	r, _ := newTestRegistry()
	dev := NewBase("RL11", "disk", false, 0o174400, 14, mailbox.LevelBR5, 0o160, []*Register{{Name: "CSR", Addr: 0o174400}})
	if err := r.Install(dev); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if got := r.FindBySlot(14); got != Device(dev) {
		t.Fatalf("FindBySlot(14) = %v, want dev", got)
	}
	if got := r.FindBySlot(3); got != nil {
		t.Fatalf("FindBySlot(3) = %v, want nil", got)
	}
}

type workerDevice struct {
	*Base
	pulses  []sched.Edge
	started chan struct{}
	stopped chan struct{}
}

func (w *workerDevice) OnPowerChange(aclo, dclo sched.Edge) {
	w.pulses = append(w.pulses, dclo)
}

func (w *workerDevice) Worker(ctx context.Context) {
	close(w.started)
	<-ctx.Done()
	close(w.stopped)
}

// Enable delivers the synthetic DCLO power pulse as the device's reset
// and starts its worker; Disable stops the worker before uninstalling.
func TestEnableDisableLifecycle(t *testing.T) {
	r, m := newTestRegistry()
	dev := &workerDevice{
		Base:    newTestDevice("RK11", false, 0o177400),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := r.Enable(context.Background(), dev); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if len(dev.pulses) != 2 || dev.pulses[0] != sched.EdgeRaising || dev.pulses[1] != sched.EdgeFalling {
		t.Fatalf("synthetic DCLO pulse = %v, want [raising falling]", dev.pulses)
	}
	select {
	case <-dev.started:
	case <-time.After(time.Second):
		t.Fatalf("worker never started")
	}

	r.Disable(dev)
	select {
	case <-dev.stopped:
	case <-time.After(time.Second):
		t.Fatalf("worker never stopped")
	}
	if dev.Handle() != 0 {
		t.Fatalf("Handle() = %d after Disable, want 0", dev.Handle())
	}
	if got := m.Lookup(0o177400); got != iopage.HandleNone {
		t.Fatalf("Lookup(0o177400) = %d after Disable, want HandleNone", got)
	}
}

type lifecycleRecorder struct {
	*Base
	events *[]string
}

func (l *lifecycleRecorder) OnInitChange(asserted bool) {
	*l.events = append(*l.events, l.Name())
}

func TestBroadcastInitOrdersByHandle(t *testing.T) {
	r, _ := newTestRegistry()
	var events []string

	// first is installed before second and so receives the lower
	// handle; the broadcast must reach them in that handle order.
	first := &lifecycleRecorder{Base: newTestDevice("first", false, 0o177560), events: &events}
	second := &lifecycleRecorder{Base: newTestDevice("second", false, 0o177562), events: &events}

	if err := r.Install(first); err != nil {
		t.Fatalf("Install(first): %v", err)
	}
	if err := r.Install(second); err != nil {
		t.Fatalf("Install(second): %v", err)
	}

	r.BroadcastInit(true)

	if len(events) != 2 || events[0] != "first" || events[1] != "second" {
		t.Fatalf("BroadcastInit order = %v, want [first second]", events)
	}
}
