package mailbox

// Transport is the host-side view of the shared memory region. A real
// deployment maps physical (or emulated) shared memory with a platform
// mmap call; tests back it with an in-process fake driven directly by
// test code (see mailbox/faketransport), exactly the "fake wire engine"
// the adapter core's testable properties are defined against.
type Transport interface {
	// Raised reports whether the wire engine has raised the given
	// channel and the host has not yet acknowledged it.
	Raised(ch Channel) bool

	// Ack acknowledges a raised channel, clearing "pending" for it.
	Ack(ch Channel)

	// ReadInit returns the current INIT electrical level.
	ReadInit() bool

	// ReadPower returns the previous and current power signal levels.
	ReadPower() (prev, cur PowerSignals)

	// ReadSlaveAccess returns the decoded slave access record.
	ReadSlaveAccess() SlaveAccess

	// WriteSlaveAccess publishes the host's response to a trapped
	// slave access (the new read-side data for a read, acked
	// unconditionally for a write) back to the wire engine.
	WriteSlaveAccess(data uint16)

	// ReadDMA returns the current DMA descriptor, including any words
	// the wire engine placed in it for an inbound (read) cycle.
	ReadDMA() DMADescriptor

	// PushDMA writes a new DMA descriptor and raises the DMA command
	// flag. For writes, words must already hold the outbound chunk.
	PushDMA(d DMADescriptor)

	// ReadIntr returns the current INTR descriptor for the given level.
	ReadIntr(level Level) IntrDescriptor

	// PushIntr writes an INTR descriptor and raises the INTR command
	// flag for its level.
	PushIntr(d IntrDescriptor)

	// CancelIntr raises the INTR-cancel command with the given
	// arbitration bitmask (one bit per BR level).
	CancelIntr(mask uint8)

	// ReadCPUIntrVector returns the vector of an incoming CPU
	// interrupt event.
	ReadCPUIntrVector() uint16

	// WriteInit commands the wire engine to drive INIT to the given
	// level. The engine raises the INIT event channel back at the host
	// once the electrical level actually changes.
	WriteInit(asserted bool)

	// WritePower commands the wire engine to drive the power signals
	// to the given levels.
	WritePower(signals PowerSignals)

	// SetCPUPriority publishes the emulated CPU's current priority
	// level, and whether it is mid vector fetch, to the wire engine's
	// CPU arbitration state.
	SetCPUPriority(level uint8, fetchingVector bool)

	// EnableCPU raises the CPU-enable command, telling the wire engine
	// an emulated CPU is (or is no longer) present on the bus.
	EnableCPU(enabled bool)

	// GrantRequests gates whether the wire engine is allowed to grant
	// bus requests at all.
	GrantRequests(enabled bool)
}
