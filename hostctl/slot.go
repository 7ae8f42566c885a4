package hostctl

import (
	"log"
	"time"
)

// A slot tracks the software-side state of one transfer ring entry.
type slot struct {
	tag int

	// req is set while a data command owns the slot.
	req *Request

	// devDone is set while a device-management command owns the slot.
	// The completion path signals it instead of running a callback.
	devDone chan struct{}

	issuedAt    time.Time
	completedAt time.Time

	// skipAbortRetry is set on every outstanding slot once an abort on
	// this device has failed, so later aborts escalate straight to
	// recovery instead of retrying a task command that will not work.
	skipAbortRetry bool
}

// acquireSlot blocks until a slot is free and claims it. Data commands
// draw from the low tags; device management owns the reserved top tag
// so a fully loaded ring can never starve the recovery probe.
func (h *Host) acquireSlot(devManage bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if tag, ok := h.findFreeSlotLocked(devManage); ok {
			h.slotsInUse |= 1 << uint(tag)
			return tag
		}

		h.tagCond.Wait()
	}
}

func (h *Host) findFreeSlotLocked(devManage bool) (int, bool) {
	if devManage {
		tag := h.devCmdTag()
		if h.slotsInUse&(1<<uint(tag)) == 0 {
			return tag, true
		}
		return 0, false
	}

	for tag := 0; tag < h.devCmdTag(); tag++ {
		if h.slotsInUse&(1<<uint(tag)) == 0 {
			return tag, true
		}
	}

	return 0, false
}

// devCmdTag returns the tag reserved for device-management commands.
func (h *Host) devCmdTag() int {
	return h.nutrs - 1
}

// releaseSlotLocked returns a slot to the free pool and wakes waiters.
func (h *Host) releaseSlotLocked(tag int) {
	bit := uint32(1) << uint(tag)
	if h.slotsInUse&bit == 0 {
		log.Panicf("%s: releasing free slot %d", h.name, tag)
	}

	h.slotsInUse &^= bit
	s := h.slots[tag]
	s.req = nil
	s.devDone = nil

	h.tagCond.Broadcast()
}

// acquireTaskSlotLocked claims the lowest free task management slot,
// waiting if the ring is full.
func (h *Host) acquireTaskSlotLocked() int {
	for {
		for s := 0; s < h.nutmrs; s++ {
			if h.tmInUse&(1<<uint(s)) == 0 {
				h.tmInUse |= 1 << uint(s)
				return s
			}
		}

		h.tmCond.Wait()
	}
}

func (h *Host) releaseTaskSlotLocked(s int) {
	bit := uint32(1) << uint(s)
	if h.tmInUse&bit == 0 {
		log.Panicf("%s: releasing free task slot %d", h.name, s)
	}

	h.tmInUse &^= bit
	h.tmCond.Broadcast()
}
