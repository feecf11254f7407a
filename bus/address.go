package bus

import "fmt"

// Width is a configured bus address width: 16-bit UNIBUS, 18-bit
// QBUS/UNIBUS extended addressing, or 22-bit QBUS extended addressing.
type Width int

const (
	Width16 Width = 16
	Width18 Width = 18
	Width22 Width = 22
)

// alternateBusFlag is the high bit some legacy controllers set on an
// address word to select the "alternate" I/O page bank on an 18-bit
// bus, rather than treating the address as a genuine 22-bit value.
// The flag is always masked off before any address arithmetic (range
// checks, DMA end-address computation, octal formatting), and is
// consulted only when testing whether an address falls inside the
// configured I/O page, the one place where the two bus variants
// disagree on what the bit means.
const alternateBusFlag = 1 << 21

// Space describes the configured address space: its width and the
// location of the 8 KB I/O page within it.
type Space struct {
	width  Width
	ioBase uint32
	ioSize uint32
}

// NewSpace creates an address space of the given width, with the I/O
// page occupying the top ioSize bytes.
func NewSpace(width Width, ioSize uint32) *Space {
	var max uint32
	switch width {
	case Width16:
		max = 1 << 16
	case Width18:
		max = 1 << 18
	case Width22:
		max = 1 << 22
	default:
		max = 1 << 18
	}
	return &Space{width: width, ioBase: max - ioSize, ioSize: ioSize}
}

// Width reports the configured address width.
func (s *Space) Width() Width { return s.width }

// IOPageBase returns the base address of the I/O page.
func (s *Space) IOPageBase() uint32 { return s.ioBase }

// IOPageSize returns the size, in bytes, of the I/O page.
func (s *Space) IOPageSize() uint32 { return s.ioSize }

// Strip masks off the alternate-bus flag bit, returning the address
// any arithmetic (range checks, DMA end-address, formatting) should
// actually use.
func (s *Space) Strip(addr uint32) uint32 {
	return addr &^ alternateBusFlag
}

// InIOPage reports whether addr, including its alternate-bus flag bit
// if present, falls inside the configured I/O page. The flag bit is
// the one case where it is re-applied rather than stripped: on the
// alternate-bus variant, the flag itself selects the I/O page bank
// outright, regardless of where the stripped value would otherwise
// land.
func (s *Space) InIOPage(addr uint32) bool {
	if addr&alternateBusFlag != 0 {
		return true
	}
	stripped := s.Strip(addr)
	return stripped >= s.ioBase && stripped < s.ioBase+s.ioSize
}

// digits returns the number of octal digits the formatter prints for
// this width: 6 for 16/18-bit addresses, 8 for 22-bit.
func (s *Space) digits() int {
	if s.width == Width22 {
		return 8
	}
	return 6
}

// FormatAddress renders addr as a fixed-width octal string: 6 digits
// on a 16- or 18-bit bus, 8 on a 22-bit bus.
func (s *Space) FormatAddress(addr uint32) string {
	return fmt.Sprintf("%0*o", s.digits(), s.Strip(addr))
}
