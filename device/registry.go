package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/usbarmory/qunibone-adapter/iopage"
	"github.com/usbarmory/qunibone-adapter/sched"
)

// Worker is implemented by device types that run a long-lived worker
// goroutine while enabled. The registry starts the worker on Enable
// and cancels its context on Disable, waiting for it to return before
// the device is uninstalled.
type Worker interface {
	Worker(ctx context.Context)
}

// Registry is the device registry: the handle-indexed
// device table, backed by the shared I/O-page map for register-address
// allocation and conflict detection. Exactly one installed device may
// claim the CPU role, since CPU-pinned DMA accesses and vector fetch
// assume a single owner.
type Registry struct {
	mu sync.Mutex

	iomap *iopage.Map

	byHandle map[uint16]Device
	workers  map[uint16]*workerHandle
	cpu      Device
}

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry backed by iomap.
func NewRegistry(iomap *iopage.Map) *Registry {
	return &Registry{
		iomap:    iomap,
		byHandle: make(map[uint16]Device),
		workers:  make(map[uint16]*workerHandle),
	}
}

// Install allocates register handles for dev, maps each of its
// registers into the shared I/O page at its configured address, and
// adds dev to the registry. It fails if any register address conflicts
// with an already-installed device, or if a second CPU-role device is
// installed.
func (r *Registry) Install(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev.IsCPU() {
		if r.cpu != nil {
			return fmt.Errorf("device: a CPU-role device (%q) is already installed", r.cpu.Name())
		}
	}

	regs := dev.Registers()

	for _, reg := range regs {
		if err := reg.validate(); err != nil {
			return fmt.Errorf("device: installing %q: %w", dev.Name(), err)
		}
	}

	// Even a register-less device (e.g. a pure CPU role) consumes one
	// handle, so every installed device has a unique identity.
	allocCount := len(regs)
	if allocCount == 0 {
		allocCount = 1
	}
	first, err := r.iomap.AllocateRange(allocCount)
	if err != nil {
		return fmt.Errorf("device: installing %q: %w", dev.Name(), err)
	}

	installed := 0
	for i, reg := range regs {
		h := first + iopage.Handle(i)
		if err := r.iomap.SetDeviceEntry(reg.Addr, h); err != nil {
			for j := 0; j < installed; j++ {
				r.iomap.ClearEntry(regs[j].Addr)
			}
			return fmt.Errorf("device: installing %q register %q: %w", dev.Name(), reg.Name, err)
		}
		reg.Index = i

		desc := r.iomap.Descriptor(h)
		desc.WritableMask = reg.WritableMask
		desc.TrapRead = reg.ActiveOnRead
		desc.TrapWrite = reg.ActiveOnWrite
		desc.DeviceHandle = uint16(first)
		desc.RegisterIndex = i

		reg.bind(uint8(h), uint16(first), desc)
		desc.Value = reg.reset()

		installed++
	}

	return r.commitInstall(dev, first)
}

func (r *Registry) commitInstall(dev Device, handle iopage.Handle) error {
	if b, ok := dev.(interface{ setHandle(uint16) }); ok {
		b.setHandle(uint16(handle))
	}
	r.byHandle[uint16(handle)] = dev
	if dev.IsCPU() {
		r.cpu = dev
	}
	return nil
}

// Uninstall removes dev from the registry, frees its I/O-page address
// entries, and zeros its device handle. Register handles themselves are
// never reclaimed (see iopage.Map.AllocateRange) and the shared
// descriptors are left as they are; a later re-install does not reuse
// them but allocates a fresh handle range.
func (r *Registry) Uninstall(dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range dev.Registers() {
		r.iomap.ClearEntry(reg.Addr)
	}
	delete(r.byHandle, dev.Handle())
	if r.cpu == dev {
		r.cpu = nil
	}
	if b, ok := dev.(interface{ setHandle(uint16) }); ok {
		b.setHandle(0)
	}
}

// Enable installs dev and brings it out of reset: a synthetic DCLO
// pulse is delivered as the device's power-on reset, and its worker
// goroutine, if it has one, is started under ctx.
func (r *Registry) Enable(ctx context.Context, dev Device) error {
	if err := r.Install(dev); err != nil {
		return err
	}

	dev.OnPowerChange(sched.EdgeNone, sched.EdgeRaising)
	dev.OnPowerChange(sched.EdgeNone, sched.EdgeFalling)

	if w, ok := dev.(Worker); ok {
		wctx, cancel := context.WithCancel(ctx)
		h := &workerHandle{cancel: cancel, done: make(chan struct{})}
		r.mu.Lock()
		r.workers[dev.Handle()] = h
		r.mu.Unlock()
		go func() {
			defer close(h.done)
			w.Worker(wctx)
		}()
	}
	return nil
}

// Disable stops dev's worker goroutine, waits for it to return, and
// uninstalls the device.
func (r *Registry) Disable(dev Device) {
	r.mu.Lock()
	h := r.workers[dev.Handle()]
	delete(r.workers, dev.Handle())
	r.mu.Unlock()

	if h != nil {
		h.cancel()
		<-h.done
	}
	r.Uninstall(dev)
}

// FindBySlot returns the installed device occupying the given priority
// slot, or nil. Used to diagnose slot collisions during configuration.
func (r *Registry) FindBySlot(slot int) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.sorted() {
		if d.Slot() == slot {
			return d
		}
	}
	return nil
}

// CPU returns the installed CPU-role device, or nil if none is
// installed.
func (r *Registry) CPU() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cpu
}

// Lookup returns the installed device with the given device handle (the
// first register handle allocated to it), or nil.
func (r *Registry) Lookup(handle uint16) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHandle[handle]
}

// sorted returns every installed device in ascending handle order,
// the order lifecycle broadcasts are delivered in.
func (r *Registry) sorted() []Device {
	handles := make([]uint16, 0, len(r.byHandle))
	for h := range r.byHandle {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]Device, len(handles))
	for i, h := range handles {
		out[i] = r.byHandle[h]
	}
	return out
}

// BroadcastInit delivers an INIT asserted/negated edge to every
// installed device in handle order.
func (r *Registry) BroadcastInit(asserted bool) {
	r.mu.Lock()
	devices := r.sorted()
	r.mu.Unlock()

	for _, d := range devices {
		d.OnInitChange(asserted)
	}
}

// BroadcastPower delivers an ACLO/DCLO edge to every installed device
// in handle order.
func (r *Registry) BroadcastPower(aclo, dclo sched.Edge) {
	r.mu.Lock()
	devices := r.sorted()
	r.mu.Unlock()

	for _, d := range devices {
		d.OnPowerChange(aclo, dclo)
	}
}
