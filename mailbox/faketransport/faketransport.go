// Package faketransport implements an in-process stand-in for the wire
// engine, driven directly by test code. It is the "fake wire engine"
// the adapter core's testable properties are defined against: it reads
// and writes the same mailbox fields a real transport would, but under
// full control of the test.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package faketransport

import (
	"sync"

	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// Transport is a mailbox.Transport whose fields are plain Go values
// guarded by a mutex, with test-only setters/raisers layered on top.
type Transport struct {
	mu sync.Mutex

	raised [9]bool
	acked  [9]bool

	init       bool
	powerPrev  mailbox.PowerSignals
	powerCur   mailbox.PowerSignals
	slave      mailbox.SlaveAccess
	dma        mailbox.DMADescriptor
	intr       [mailbox.NumLevels]mailbox.IntrDescriptor
	cancelMask uint8
	cpuVector  uint16

	// DMAPushes records every descriptor pushed to the wire engine by
	// PushDMA, in order, for chunk-sequencing assertions in tests.
	DMAPushes []mailbox.DMADescriptor
	// IntrPushes records every descriptor pushed by PushIntr.
	IntrPushes []mailbox.IntrDescriptor
	// CancelCalls records every CancelIntr mask.
	CancelCalls []uint8
	// InitCmds records every WriteInit level, in order.
	InitCmds []bool
	// PowerCmds records every WritePower signal set, in order.
	PowerCmds []mailbox.PowerSignals
	// CPUPriorities records every SetCPUPriority level.
	CPUPriorities []uint8
	// CPUEnables records every EnableCPU call.
	CPUEnables []bool
	// GrantCalls records every GrantRequests call.
	GrantCalls []bool
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Raised(ch mailbox.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raised[ch] != t.acked[ch]
}

func (t *Transport) Ack(ch mailbox.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[ch] = t.raised[ch]
}

// Raise marks a channel as raised by the (fake) wire engine. Tests call
// this to simulate an event arriving.
func (t *Transport) Raise(ch mailbox.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raised[ch] = true
	t.acked[ch] = false
}

func (t *Transport) ReadInit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.init
}

// SetInit sets the current INIT level and raises the INIT channel.
func (t *Transport) SetInit(asserted bool) {
	t.mu.Lock()
	t.init = asserted
	t.mu.Unlock()
	t.Raise(mailbox.ChanInit)
}

func (t *Transport) ReadPower() (prev, cur mailbox.PowerSignals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.powerPrev, t.powerCur
}

// SetPower shifts the current power level to previous and installs a
// new current level, raising the power channel.
func (t *Transport) SetPower(cur mailbox.PowerSignals) {
	t.mu.Lock()
	t.powerPrev = t.powerCur
	t.powerCur = cur
	t.mu.Unlock()
	t.Raise(mailbox.ChanPower)
}

func (t *Transport) ReadSlaveAccess() mailbox.SlaveAccess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slave
}

// SetSlaveAccess installs a slave access record and raises the channel.
func (t *Transport) SetSlaveAccess(s mailbox.SlaveAccess) {
	t.mu.Lock()
	t.slave = s
	t.mu.Unlock()
	t.Raise(mailbox.ChanSlaveAccess)
}

func (t *Transport) WriteSlaveAccess(data uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slave.Data = data
}

func (t *Transport) ReadDMA() mailbox.DMADescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dma
}

func (t *Transport) PushDMA(d mailbox.DMADescriptor) {
	t.mu.Lock()
	t.dma = d
	t.DMAPushes = append(t.DMAPushes, d)
	t.mu.Unlock()
}

// CompleteDMA simulates the wire engine finishing the current chunk:
// installs a status/current-address/data and raises the completion
// channel.
func (t *Transport) CompleteDMA(status mailbox.DMAStatus, currentAddress uint32, data []uint16) {
	t.mu.Lock()
	t.dma.Status = status
	t.dma.CurrentAddress = currentAddress
	if data != nil {
		t.dma.Data = data
	}
	t.mu.Unlock()
	t.Raise(mailbox.ChanDMAComplete)
}

func (t *Transport) ReadIntr(level mailbox.Level) mailbox.IntrDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intr[level]
}

func (t *Transport) PushIntr(d mailbox.IntrDescriptor) {
	t.mu.Lock()
	t.intr[d.Level] = d
	t.IntrPushes = append(t.IntrPushes, d)
	t.mu.Unlock()
}

// CompleteIntr simulates the wire engine granting the interrupt at the
// given level.
func (t *Transport) CompleteIntr(level mailbox.Level) {
	t.Raise(mailbox.Channel(int(mailbox.ChanIntrBR4) + int(level)))
}

func (t *Transport) CancelIntr(mask uint8) {
	t.mu.Lock()
	t.cancelMask = mask
	t.CancelCalls = append(t.CancelCalls, mask)
	t.mu.Unlock()
}

func (t *Transport) ReadCPUIntrVector() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpuVector
}

// DeliverCPUIntr simulates the wire engine forwarding a vector to the
// emulated CPU.
func (t *Transport) DeliverCPUIntr(vector uint16) {
	t.mu.Lock()
	t.cpuVector = vector
	t.mu.Unlock()
	t.Raise(mailbox.ChanCPUIntr)
}

func (t *Transport) WriteInit(asserted bool) {
	t.mu.Lock()
	t.InitCmds = append(t.InitCmds, asserted)
	t.mu.Unlock()
}

func (t *Transport) WritePower(signals mailbox.PowerSignals) {
	t.mu.Lock()
	t.PowerCmds = append(t.PowerCmds, signals)
	t.mu.Unlock()
}

func (t *Transport) SetCPUPriority(level uint8, fetchingVector bool) {
	t.mu.Lock()
	t.CPUPriorities = append(t.CPUPriorities, level)
	t.mu.Unlock()
}

func (t *Transport) EnableCPU(enabled bool) {
	t.mu.Lock()
	t.CPUEnables = append(t.CPUEnables, enabled)
	t.mu.Unlock()
}

func (t *Transport) GrantRequests(enabled bool) {
	t.mu.Lock()
	t.GrantCalls = append(t.GrantCalls, enabled)
	t.mu.Unlock()
}
