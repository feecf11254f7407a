package iopage

import (
	"encoding/binary"
)

// ROM is the byte-backed memory image behind the ROM sentinel handle,
// plus the bookkeeping to register/unregister addresses against a Map.
//
// This mirrors reading a fixed memory image through a shared region, as
// the video core property-tag protocol does for framebuffer parameters;
// here the image is a boot-ROM word array instead of display geometry.
type ROM struct {
	m     *Map
	image []byte // byte-addressed, little-endian words
}

// NewROM creates a ROM overlay over image, sized to cover the same
// address span as m.
func NewROM(m *Map, image []byte) *ROM {
	return &ROM{m: m, image: image}
}

// Install marks addr as backed by the ROM image. addr must be even and
// within the I/O page. The backing image must already contain the
// intended word at that offset; Install does not write it. If the cell
// already holds a device register, the register stays visible (it
// supersedes the ROM cell while the device is installed) and the ROM
// word surfaces once the device uninstalls — this is not an error. If
// a ROM is already registered at addr, Install rejects the call:
// nesting must be proper.
func (r *ROM) Install(addr uint32) error {
	return r.m.SetROM(addr)
}

// Uninstall clears addr only if it currently holds the ROM sentinel. If
// it holds a device register, it is left alone (the device will
// uninstall itself later); if it holds nothing, this is a no-op.
func (r *ROM) Uninstall(addr uint32) {
	r.m.ClearROM(addr)
}

// IsROM reports whether addr is currently backed by this overlay.
func (r *ROM) IsROM(addr uint32) bool {
	return r.m.IsROM(addr)
}

// Read returns the word stored in the backing image at addr, relative
// to the map's base address.
func (r *ROM) Read(addr uint32, base uint32) uint16 {
	off := addr - base
	return binary.LittleEndian.Uint16(r.image[off:])
}
