package sched

import (
	"sync"

	"github.com/usbarmory/qunibone-adapter/mailbox"
)

// Edge is the transition an EdgeDetector reports on each Update.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeRaising
	EdgeFalling
)

// EdgeDetector tracks the last level observed and reports the
// transition on each update, used for INIT and power signal edges.
type EdgeDetector struct {
	last bool
	init bool
}

// Update reports the edge between the previously observed level and
// newLevel.
func (e *EdgeDetector) Update(newLevel bool) Edge {
	if !e.init {
		e.init = true
		e.last = newLevel
		if newLevel {
			return EdgeRaising
		}
		return EdgeNone
	}
	switch {
	case !e.last && newLevel:
		e.last = newLevel
		return EdgeRaising
	case e.last && !newLevel:
		e.last = newLevel
		return EdgeFalling
	default:
		e.last = newLevel
		return EdgeNone
	}
}

// SideEffectRegister is the minimal capability sched needs to apply an
// INTR's side-effect write: publish a new read-side value, and report
// the shared-descriptor handle so the wire engine can apply it
// autonomously at grant time. DeviceHandle identifies the owning
// device, letting the scheduler reject a side-effect register that
// belongs to a device other than the request's owner. device.Register
// satisfies this structurally.
type SideEffectRegister interface {
	SetReadValue(v uint16)
	Handle() uint8
	DeviceHandle() uint16
}

// IntrRequest is a priority request for an interrupt: a vector and an
// optional side-effect register write. It also carries an edge
// detector, which the scheduler never reads or updates; whether the
// side effect rides along with the grant is decided in Scheduler.Intr
// from the active requests in the level tables.
type IntrRequest struct {
	common

	Vector             uint16
	SideEffectRegister SideEffectRegister
	SideEffectValue    uint16

	edge EdgeDetector
}

func (r *IntrRequest) kind() Kind { return KindIntr }

// NewIntrRequest creates an INTR request owned by owner.
func NewIntrRequest(owner Owner) *IntrRequest {
	r := &IntrRequest{common: newCommon(owner, 0, 0)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *IntrRequest) reset(level mailbox.Level, slot int, vector uint16) {
	r.resetForReuse(r.owner, level, slot)
	r.Vector = vector
	r.SideEffectRegister = nil
	r.SideEffectValue = 0
}
