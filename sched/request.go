// Package sched implements the priority request tables and the request
// scheduler: admission of DMA and INTR requests from device threads,
// priority arbitration across the five QBUS/UNIBUS levels, DMA
// chunking, and INIT-driven cancellation.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package sched

import (
	"sync"

	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// Owner is the minimal identity a request's owning device must expose.
// It is declared here, rather than imported from the device package,
// so that sched has no dependency on device: devices satisfy this
// interface structurally. Handle is zero while the device is not
// installed.
type Owner interface {
	Name() string
	Handle() uint16
}

// Kind distinguishes the two concrete request forms without resorting
// to deep inheritance: a priority request is a small tagged union, not
// a class hierarchy.
type Kind int

const (
	KindDMA Kind = iota
	KindIntr
)

// common holds the fields shared by every priority request: owner,
// arbitration identity, and the completion handshake.
type common struct {
	mu   sync.Mutex
	cond *sync.Cond

	owner Owner
	level mailbox.Level
	slot  int

	executing bool
	complete  bool
}

func newCommon(owner Owner, level mailbox.Level, slot int) common {
	return common{owner: owner, level: level, slot: slot}
}

// Owner returns the request's owning device, or nil for a
// controller-initiated access.
func (c *common) Owner() Owner { return c.owner }

// Level returns the arbitration level this request was raised on.
func (c *common) Level() mailbox.Level { return c.level }

// Slot returns the backplane slot this request was raised on.
func (c *common) Slot() int { return c.slot }

// Complete reports whether the request has reached a terminal state.
func (c *common) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Wait blocks until the request becomes complete.
func (c *common) Wait() {
	c.mu.Lock()
	for !c.complete {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *common) setExecuting(v bool) {
	c.mu.Lock()
	c.executing = v
	c.mu.Unlock()
}

func (c *common) isExecuting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

func (c *common) signalComplete() {
	c.mu.Lock()
	c.complete = true
	c.executing = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *common) resetForReuse(owner Owner, level mailbox.Level, slot int) {
	c.mu.Lock()
	c.owner = owner
	c.level = level
	c.slot = slot
	c.complete = false
	c.executing = false
	c.mu.Unlock()
}

// Request is the abstract priority request: either a
// DMARequest or an IntrRequest.
type Request interface {
	Owner() Owner
	Level() mailbox.Level
	Slot() int
	Complete() bool
	Wait()
	kind() Kind
}
