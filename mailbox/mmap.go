package mailbox

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// region byte offsets within the mapped mailbox. The wire engine and
// this package must agree on this layout at build time.
const (
	offInitSignal   = 0x000
	offPowerPrev    = 0x004
	offPowerCur     = 0x005
	offSlaveHandle  = 0x010
	offSlaveReg     = 0x011
	offSlaveAddr    = 0x014
	offSlaveData    = 0x018
	offSlaveCycle   = 0x01a
	offDMAStart     = 0x020
	offDMACycle     = 0x024
	offDMACount     = 0x026
	offDMACPU       = 0x028
	offDMAStatus    = 0x029
	offDMACurrent   = 0x02c
	offDMAData      = 0x030
	offIntrLevel    = 0x030 + 2*WireChunkCap
	offIntrVector   = offIntrLevel + 4
	offIntrSideReg  = offIntrVector + 4
	offIntrSideVal  = offIntrSideReg + 4
	offIntrCancel   = offIntrSideVal + 4
	offCPUIntrVec   = offIntrCancel + 4
	offRaised       = offCPUIntrVec + 4
	offAcked        = offRaised + 4
	offCmdInit      = offAcked + 4
	offCmdPower     = offCmdInit + 4
	offCPUPriority  = offCmdPower + 4
	offCPUFetching  = offCPUPriority + 1
	offCPUEnable    = offCPUPriority + 2
	offCPUGrant     = offCPUPriority + 3
	regionSize      = offCPUPriority + 4
)

// MmapTransport maps a shared memory region (or, on platforms without a
// real wire engine attached, a plain backing file used for development)
// and implements Transport over it.
//
// This mirrors the board-level register file mapping used throughout
// the pack: a file descriptor backing a fixed-size region, mapped once
// at startup and accessed through byte offsets for the remainder of the
// process lifetime.
type MmapTransport struct {
	file *os.File
	mem  []byte
}

// OpenMmapTransport opens (creating if necessary) the shared memory
// backing file at path and maps it for read/write access.
func OpenMmapTransport(path string) (*MmapTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mailbox: open %s: %w", path, err)
	}

	if err := f.Truncate(int64(regionSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("mailbox: truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mailbox: mmap %s: %w", path, err)
	}

	return &MmapTransport{file: f, mem: mem}, nil
}

// Close unmaps the region and closes the backing file.
func (t *MmapTransport) Close() error {
	if err := unix.Munmap(t.mem); err != nil {
		return err
	}
	return t.file.Close()
}

func (t *MmapTransport) raisedBits() uint32 { return binary.LittleEndian.Uint32(t.mem[offRaised:]) }
func (t *MmapTransport) ackedBits() uint32  { return binary.LittleEndian.Uint32(t.mem[offAcked:]) }

func (t *MmapTransport) Raised(ch Channel) bool {
	bit := uint32(1) << uint(ch)
	return (t.raisedBits() & bit) != (t.ackedBits() & bit)
}

func (t *MmapTransport) Ack(ch Channel) {
	bit := uint32(1) << uint(ch)
	acked := t.ackedBits()
	if t.raisedBits()&bit != 0 {
		acked |= bit
	} else {
		acked &^= bit
	}
	binary.LittleEndian.PutUint32(t.mem[offAcked:], acked)
}

func (t *MmapTransport) ReadInit() bool {
	return binary.LittleEndian.Uint32(t.mem[offInitSignal:]) != 0
}

func (t *MmapTransport) ReadPower() (prev, cur PowerSignals) {
	return PowerSignals(t.mem[offPowerPrev]), PowerSignals(t.mem[offPowerCur])
}

func (t *MmapTransport) ReadSlaveAccess() SlaveAccess {
	return SlaveAccess{
		DeviceHandle:  t.mem[offSlaveHandle],
		RegisterIndex: t.mem[offSlaveReg],
		Address:       binary.LittleEndian.Uint32(t.mem[offSlaveAddr:]),
		Data:          binary.LittleEndian.Uint16(t.mem[offSlaveData:]),
		Cycle:         CycleKind(t.mem[offSlaveCycle]),
	}
}

func (t *MmapTransport) WriteSlaveAccess(data uint16) {
	binary.LittleEndian.PutUint16(t.mem[offSlaveData:], data)
}

func (t *MmapTransport) ReadDMA() DMADescriptor {
	count := binary.LittleEndian.Uint16(t.mem[offDMACount:])
	return DMADescriptor{
		StartAddress:   binary.LittleEndian.Uint32(t.mem[offDMAStart:]),
		Cycle:          CycleKind(binary.LittleEndian.Uint16(t.mem[offDMACycle:])),
		WordCount:      count,
		CPUAccess:      t.mem[offDMACPU] != 0,
		Status:         DMAStatus(t.mem[offDMAStatus]),
		CurrentAddress: binary.LittleEndian.Uint32(t.mem[offDMACurrent:]),
		Data:           GetWords(t.mem[offDMAData:], int(count)),
	}
}

// PushDMA installs a new descriptor and sets its status to in-progress.
// It does not raise ChanDMAComplete: that channel is the wire engine's
// own completion notification, raised on its side of the shared region
// once it finishes the chunk, exactly as faketransport.CompleteDMA
// simulates in tests. This layout has no separate DMA command flag: the
// in-progress status is the only mark of a new chunk.
func (t *MmapTransport) PushDMA(d DMADescriptor) {
	binary.LittleEndian.PutUint32(t.mem[offDMAStart:], d.StartAddress)
	binary.LittleEndian.PutUint16(t.mem[offDMACycle:], uint16(d.Cycle))
	binary.LittleEndian.PutUint16(t.mem[offDMACount:], d.WordCount)
	t.mem[offDMACPU] = boolByte(d.CPUAccess)
	t.mem[offDMAStatus] = byte(DMAInProgress)
	PutWords(t.mem[offDMAData:], d.Data)
}

// ReadIntr returns the layout's single INTR descriptor, which all levels
// share; level is not used.
func (t *MmapTransport) ReadIntr(level Level) IntrDescriptor {
	return IntrDescriptor{
		Level:              Level(binary.LittleEndian.Uint32(t.mem[offIntrLevel:])),
		Vector:             binary.LittleEndian.Uint16(t.mem[offIntrVector:]),
		SideEffectRegister: uint8(binary.LittleEndian.Uint32(t.mem[offIntrSideReg:])),
		SideEffectValue:    binary.LittleEndian.Uint16(t.mem[offIntrSideVal:]),
		CancelMask:         uint8(binary.LittleEndian.Uint32(t.mem[offIntrCancel:])),
	}
}

// PushIntr writes the level, vector and side-effect fields of the single
// shared INTR descriptor. This layout has no INTR command flag; nothing
// besides the descriptor contents marks a new push.
func (t *MmapTransport) PushIntr(d IntrDescriptor) {
	binary.LittleEndian.PutUint32(t.mem[offIntrLevel:], uint32(d.Level))
	binary.LittleEndian.PutUint16(t.mem[offIntrVector:], d.Vector)
	binary.LittleEndian.PutUint32(t.mem[offIntrSideReg:], uint32(d.SideEffectRegister))
	binary.LittleEndian.PutUint16(t.mem[offIntrSideVal:], d.SideEffectValue)
}

// CancelIntr writes the cancel mask field. This layout has no separate
// INTR-cancel command flag.
func (t *MmapTransport) CancelIntr(mask uint8) {
	binary.LittleEndian.PutUint32(t.mem[offIntrCancel:], uint32(mask))
}

func (t *MmapTransport) ReadCPUIntrVector() uint16 {
	return binary.LittleEndian.Uint16(t.mem[offCPUIntrVec:])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func (t *MmapTransport) WriteInit(asserted bool) {
	binary.LittleEndian.PutUint32(t.mem[offCmdInit:], uint32(boolByte(asserted)))
}

func (t *MmapTransport) WritePower(signals PowerSignals) {
	binary.LittleEndian.PutUint32(t.mem[offCmdPower:], uint32(signals))
}

func (t *MmapTransport) SetCPUPriority(level uint8, fetchingVector bool) {
	t.mem[offCPUPriority] = level
	t.mem[offCPUFetching] = boolByte(fetchingVector)
}

func (t *MmapTransport) EnableCPU(enabled bool) {
	t.mem[offCPUEnable] = boolByte(enabled)
}

func (t *MmapTransport) GrantRequests(enabled bool) {
	t.mem[offCPUGrant] = boolByte(enabled)
}
