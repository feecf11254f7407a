package bus

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/usbarmory/qunibone-adapter/device"
	"github.com/usbarmory/qunibone-adapter/mailbox"
	"github.com/usbarmory/qunibone-adapter/mailbox/faketransport"
	"github.com/usbarmory/qunibone-adapter/sched"
)

func newTestBus() (*Bus, *faketransport.Transport) {
	ft := faketransport.New()
	b := New(ft, Config{
		Width:      Width18,
		IOPageSize: 0o20000,
		Logger:     log.New(os.Stderr, "bus_test: ", 0),
	})
	return b, ft
}

func TestRegisterROMThenDeviceThenROMAgain(t *testing.T) {
	b, _ := newTestBus()
	image := []byte{0x01, 0x02}
	addr := b.Space().IOPageBase()

	if err := b.RegisterROM(image, addr); err != nil {
		t.Fatalf("RegisterROM: %v", err)
	}
	if !b.IsROM(addr) {
		t.Fatalf("IsROM = false after RegisterROM")
	}

	reg := &device.Register{Name: "CSR", Addr: addr, WritableMask: 0xFFFF}
	dev := device.NewBase("DEV", "test", false, addr, 0, mailbox.LevelBR4, 0, []*device.Register{reg})
	if err := b.RegisterDevice(dev); err != nil {
		t.Fatalf("RegisterDevice over a ROM cell: %v", err)
	}
	if b.IsROM(addr) {
		t.Fatalf("IsROM = true after a device claimed the same address, want false")
	}

	b.UnregisterDevice(dev)
	if !b.IsROM(addr) {
		t.Fatalf("IsROM = false after the overlaying device uninstalled, want the ROM to reappear")
	}
}

func TestInitPulse(t *testing.T) {
	b, ft := newTestBus()
	b.Init()
	if len(ft.InitCmds) != 2 || !ft.InitCmds[0] || ft.InitCmds[1] {
		t.Fatalf("InitCmds = %v, want [true false]", ft.InitCmds)
	}
}

func TestPowerCycleSequences(t *testing.T) {
	b, ft := newTestBus()

	b.PowerCycle(PowerDown)
	want := []mailbox.PowerSignals{
		mailbox.PowerACLO,
		mailbox.PowerACLO | mailbox.PowerDCLO,
	}
	if len(ft.PowerCmds) != len(want) {
		t.Fatalf("PowerCmds = %v, want %v", ft.PowerCmds, want)
	}
	for i := range want {
		if ft.PowerCmds[i] != want[i] {
			t.Fatalf("PowerCmds = %v, want %v", ft.PowerCmds, want)
		}
	}

	b.PowerCycle(PowerUp)
	if n := len(ft.PowerCmds); n != 4 || ft.PowerCmds[n-1] != 0 {
		t.Fatalf("PowerCmds after power-up = %v, want DCLO then ACLO released", ft.PowerCmds)
	}
	if len(ft.InitCmds) != 2 {
		t.Fatalf("expected the power-up INIT pulse, got InitCmds = %v", ft.InitCmds)
	}
}

// An NPR single-chunk DMA read, exercised through the
// full bus facade with the fake wire engine standing in for hardware.
func TestDMASingleChunk(t *testing.T) {
	b, ft := newTestBus()

	req := sched.NewDMARequest(sched.Owner(nil))
	buf := make([]uint16, 4)

	done := make(chan struct{})
	go func() {
		b.DMA(req, 5, true, mailbox.CycleRead, 0o1000, buf, 4)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if len(ft.DMAPushes) != 1 {
		t.Fatalf("expected one chunk pushed, got %d", len(ft.DMAPushes))
	}

	ft.CompleteDMA(mailbox.DMAReady, 0o1006, []uint16{1, 2, 3, 4})
	b.sched.OnDMAComplete()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("DMA never completed")
	}
	if !req.Success {
		t.Fatalf("expected DMA success")
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("buffer = %v, want [1 2 3 4]", buf)
	}
}

func TestDMAStripsAlternateBusFlagAddress(t *testing.T) {
	b, ft := newTestBus()

	req := sched.NewDMARequest(sched.Owner(nil))
	buf := make([]uint16, 1)
	flagged := uint32(0o1000) | alternateBusFlag

	done := make(chan struct{})
	go func() {
		b.DMA(req, 5, true, mailbox.CycleRead, flagged, buf, 1)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if len(ft.DMAPushes) != 1 || ft.DMAPushes[0].StartAddress != 0o1000 {
		t.Fatalf("expected stripped start address 0o1000, got %+v", ft.DMAPushes)
	}

	ft.CompleteDMA(mailbox.DMAReady, 0o1000, []uint16{0x55aa})
	b.sched.OnDMAComplete()
	<-done
}
