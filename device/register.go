// Package device implements the polymorphic device abstraction, its
// register model, and the device registry.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package device

import (
	"fmt"
	"sync"

	"github.com/usbarmory/qunibone-adapter/iopage"
	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// Register is a device's view of one shared register descriptor: its
// address-space identity plus, for active registers, the two
// independent shadow flip-flops that decouple what the bus sees from
// what the device logic has observed.
type Register struct {
	mu sync.Mutex

	Name  string
	Addr  uint32
	Index int

	Reset        uint16
	WritableMask uint16

	ActiveOnRead  bool
	ActiveOnWrite bool

	// handle, deviceHandle, and desc are filled in by the registry once
	// the owning device is installed; zero beforehand.
	handle       uint8
	deviceHandle uint16
	desc         *iopage.Descriptor

	readShadow  uint16
	writeShadow uint16
}

// Handle returns the register's shared-descriptor handle, valid once
// the owning device is installed; zero beforehand. This also satisfies
// sched.SideEffectRegister, letting the scheduler pass the real handle
// through to the wire engine for an INTR side-effect write.
func (r *Register) Handle() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// DeviceHandle returns the handle of the device that owns this
// register, zero before installation.
func (r *Register) DeviceHandle() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceHandle
}

func (r *Register) bind(h uint8, deviceHandle uint16, desc *iopage.Descriptor) {
	r.mu.Lock()
	r.handle = h
	r.deviceHandle = deviceHandle
	r.desc = desc
	r.mu.Unlock()
}

// validate rejects the one illegal active/passive combination:
// active-on-read but passive-on-write with any writable bits. In that
// configuration the shared value would be overwritten by the read
// shadow before the device ever saw the written value.
func (r *Register) validate() error {
	if r.ActiveOnRead && !r.ActiveOnWrite && r.WritableMask != 0 {
		return fmt.Errorf("device: register %q is active-on-read, passive-on-write, with writable bits %#04x: write would be lost", r.Name, r.WritableMask)
	}
	return nil
}

// SetReadValue publishes a new read-side value: it updates the read
// shadow and writes v into the shared descriptor's current value. The
// shared write is not atomic against bus-side writes, which is why
// device logic must only ever read back the read shadow, never the
// shared value.
func (r *Register) SetReadValue(v uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readShadow = v
	if r.desc != nil {
		r.desc.Value = v
	}
}

// ReadShadow returns the most recently published read-side value.
// Device logic must read this, never the shared descriptor's current
// value directly, since the shared value write is not atomic against
// bus-side writes.
func (r *Register) ReadShadow() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readShadow
}

// GetWrittenValue returns the most recently bus-written value: the
// write shadow if the register is active-on-write, else the value
// passed in (the shared descriptor's current value, read by the
// caller).
func (r *Register) GetWrittenValue(sharedValue uint16) uint16 {
	if !r.ActiveOnWrite {
		return sharedValue
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeShadow
}

// ApplyWrite normalizes a word or byte-cycle write into the write
// shadow, merging a byte write against the previously written word so
// the untouched half survives. A passive register's shared value is
// updated by the wire engine itself, so this is a no-op unless
// ActiveOnWrite.
func (r *Register) ApplyWrite(data uint16, cycle mailbox.CycleKind) {
	if !r.ActiveOnWrite {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.writeShadow
	switch cycle {
	case mailbox.CycleWriteByteLow:
		merged = (merged &^ 0x00FF) | (data & 0x00FF)
	case mailbox.CycleWriteByteHigh:
		merged = (merged &^ 0xFF00) | (data & 0xFF00)
	default:
		merged = data
	}
	r.writeShadow = (r.writeShadow &^ r.WritableMask) | (merged & r.WritableMask)

	// Restore the read shadow into the shared value, so a passive read
	// racing this write still returns the pre-write value until the
	// device republishes.
	if r.desc != nil {
		r.desc.Value = r.readShadow
	}
}

// reset restores both shadows and returns the reset value for the
// shared descriptor.
func (r *Register) reset() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readShadow = r.Reset
	r.writeShadow = r.Reset
	if r.desc != nil {
		r.desc.Value = r.Reset
	}
	return r.Reset
}
