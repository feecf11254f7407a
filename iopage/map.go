// Package iopage implements the shared I/O-page register map: a dense
// table backing every slave bus access, plus the ROM overlay that can
// shadow it.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package iopage

import (
	"errors"
	"fmt"
)

// Handle identifies either nothing, a ROM cell, or a shared register
// descriptor. It is one byte so that the wire engine, which reads the
// table while the host rewrites it, can never observe a half-written
// multi-byte entry.
type Handle uint8

const (
	// HandleNone marks an I/O-page word with no device or ROM behind it.
	HandleNone Handle = 0
	// HandleROM marks a word backed by the ROM overlay image.
	HandleROM Handle = 0xFF
	// MaxHandles is the number of usable device register handles
	// (1..254); handle 0 and 0xFF are reserved.
	MaxHandles = 254
)

// ErrAddressConflict is returned when a device would claim an I/O-page
// address already occupied by another non-ROM device.
var ErrAddressConflict = errors.New("iopage: address conflict")

// ErrOutOfHandles is returned by AllocateRange when fewer than the
// requested number of register handles remain.
var ErrOutOfHandles = errors.New("iopage: out of register handles")

// Descriptor is the shared register descriptor behind a non-zero,
// non-ROM handle: the value a slave read returns, which bits are
// writable, whether a read or write must trap to the event loop, and a
// back-reference to the owning device.
type Descriptor struct {
	Value        uint16
	WritableMask uint16
	TrapRead     bool
	TrapWrite    bool

	// DeviceHandle is 0 for a passive descriptor with no owner yet.
	DeviceHandle  uint16
	RegisterIndex int
}

// Map is the dense I/O-page table: one Handle per even address, plus
// the companion array of shared register descriptors it indexes into.
type Map struct {
	base uint32 // I/O-page base address
	size uint32 // address span covered, in bytes

	cells       []Handle     // len == size/2
	descriptors []Descriptor // index 1..MaxHandles used; index 0 unused
	maxUsed     Handle

	// romUnder marks cells with a registered ROM word, including cells
	// whose visible handle is currently a device register shadowing the
	// ROM. ClearEntry consults it so the sentinel reappears once the
	// device uninstalls.
	romUnder []bool
}

// NewMap creates a register map covering [base, base+size) of the
// address space, one cell per even address.
func NewMap(base, size uint32) *Map {
	return &Map{
		base:        base,
		size:        size,
		cells:       make([]Handle, size/2),
		descriptors: make([]Descriptor, MaxHandles+1),
		romUnder:    make([]bool, size/2),
	}
}

func (m *Map) index(addr uint32) (int, bool) {
	if addr < m.base || addr >= m.base+m.size {
		return 0, false
	}
	return int((addr - m.base) / 2), true
}

// Lookup returns the handle at addr, or HandleNone if addr is outside
// the I/O page or odd. Odd addresses never map to ROM or a register,
// matching the bus's word-aligned register layout.
func (m *Map) Lookup(addr uint32) Handle {
	if addr%2 != 0 {
		return HandleNone
	}
	i, ok := m.index(addr)
	if !ok {
		return HandleNone
	}
	return m.cells[i]
}

// Descriptor returns the shared descriptor for a non-zero, non-ROM
// handle.
func (m *Map) Descriptor(h Handle) *Descriptor {
	if h == HandleNone || h == HandleROM {
		return nil
	}
	return &m.descriptors[h]
}

// AllocateRange reserves count consecutive, previously-unused register
// handles and returns the first one. Allocation never fills holes left
// by a prior Uninstall; device lifetime is coarse enough that this
// simplicity is preferred over bookkeeping reclaimed ranges.
func (m *Map) AllocateRange(count int) (Handle, error) {
	if int(m.maxUsed)+count > MaxHandles {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrOutOfHandles, count, MaxHandles-int(m.maxUsed))
	}
	first := m.maxUsed + 1
	m.maxUsed += Handle(count)
	return first, nil
}

// SetDeviceEntry installs handle at addr, after verifying it does not
// collide with another non-ROM occupant. A ROM sentinel already present
// yields to the device register.
func (m *Map) SetDeviceEntry(addr uint32, h Handle) error {
	i, ok := m.index(addr)
	if !ok {
		return fmt.Errorf("iopage: address %#o out of range", addr)
	}
	if cur := m.cells[i]; cur != HandleNone && cur != HandleROM {
		return fmt.Errorf("%w: address %#o already mapped to handle %d", ErrAddressConflict, addr, cur)
	}
	m.cells[i] = h
	return nil
}

// ClearEntry removes whatever handle occupies addr. A ROM word
// registered underneath the cleared device register becomes visible
// again, modelling a boot-ROM image that overlaps a device's register
// page and reappears when the device is removed.
func (m *Map) ClearEntry(addr uint32) {
	if i, ok := m.index(addr); ok {
		if m.romUnder[i] {
			m.cells[i] = HandleROM
		} else {
			m.cells[i] = HandleNone
		}
	}
}

// SetROM marks addr as a ROM cell. Odd addresses
// are rejected: they never map to ROM. If a device register already
// occupies the cell, the visible handle is left in place (the device
// register supersedes the ROM cell while installed) but the ROM word is
// recorded underneath it. If a ROM is already registered at addr,
// shadowed or not, the call is rejected: proper nesting requires a
// matching ClearROM before a re-install.
func (m *Map) SetROM(addr uint32) error {
	if addr%2 != 0 {
		return fmt.Errorf("iopage: ROM address %#o must be even", addr)
	}
	i, ok := m.index(addr)
	if !ok {
		return fmt.Errorf("iopage: address %#o out of range", addr)
	}
	if m.romUnder[i] {
		return fmt.Errorf("iopage: address %#o is already ROM", addr)
	}
	m.romUnder[i] = true
	if m.cells[i] == HandleNone {
		m.cells[i] = HandleROM
	}
	return nil
}

// ClearROM unregisters the ROM word at addr. The visible cell is
// cleared only if it currently holds the sentinel; a device register
// occupying the cell is left alone (the device will uninstall itself
// later), so unregistering a ROM never drops a device register.
func (m *Map) ClearROM(addr uint32) {
	if i, ok := m.index(addr); ok {
		m.romUnder[i] = false
		if m.cells[i] == HandleROM {
			m.cells[i] = HandleNone
		}
	}
}

// IsROM reports whether addr is an even, in-range address currently
// backed by the ROM sentinel.
func (m *Map) IsROM(addr uint32) bool {
	if addr%2 != 0 {
		return false
	}
	i, ok := m.index(addr)
	return ok && m.cells[i] == HandleROM
}
