package admem

import (
	"unsafe"

	"github.com/flier/admem/pkg/bits"
)

// A ReservAct is one reservation token: a unit pinned in a group with no
// durable state changed. It carries one reference on both the arena and
// the group until cancelled or published.
type ReservAct struct {
	arena *arena
	group *group
	// reserved bit within the group
	bit int

	// Off and Size describe the reserved span for the caller.
	Off  uint64
	Size uint64
}

// Reserve reserves size bytes from an arena of the given type. With a
// nil or ArenaAny id the arena is picked by the free-space policy and
// the picked id is written back. Returns the address and fills act; the
// reservation holds no durable state until published in a transaction.
func (h Handle) Reserve(atype int, size uint64, arenaID *uint32, act *ReservAct) (uint64, error) {
	addr, err := h.b.reserveAddr(atype, size, arenaID, act)
	if err != nil {
		return 0, err
	}

	act.Off = addr
	act.Size = size
	return addr, nil
}

// Cancel drops reservations: the reserved bits become free again and the
// group weights are restored. Unpublished groups and arenas stay pinned
// on the blob so a later reservation finds them again.
func Cancel(acts ...*ReservAct) {
	for _, act := range acts {
		grp := act.group
		arena := act.arena
		b := arena.blob

		b.log("cancel", "cancel bit=%d", act.bit)
		if !bits.IsSet(grp.bmapRsv[:], act.bit) {
			panic("cancelling an unreserved bit")
		}
		bits.Clr(grp.bmapRsv[:], act.bit)

		grp.refreshWeight(-1, grpOpRsvCancel)

		// NB: the arena and the group remain "reserved"
		if grp.unpub && grp.onList == nil { // pin it
			if grp.publishing {
				panic("cancelling a publishing group")
			}
			// the refcount is taken over by the list
			grp.linkTo(b.gpsRsv, true)
		} else {
			grp.decref()
		}

		if arena.unpub && arena.onList == nil { // pin it
			if arena.publishing {
				panic("cancelling a publishing arena")
			}
			// the refcount is taken over by the list
			arena.linkTo(b.arsRsv, true)
		} else {
			arena.decref()
		}

		act.arena = nil
		act.group = nil
	}
}

// Publish turns reservations into durable allocations inside the
// transaction: unpublished arenas and groups are published first, then
// each reserved bit moves to the durable unit bitmap through the redo
// log in one action chain.
func (tx *Tx) Publish(acts ...*ReservAct) error {
	for _, act := range acts {
		arena := act.arena
		grp := act.group
		gd := grp.df

		if arena.unpub && !arena.publishing {
			tx.log("publish", "publishing arena=%d", arena.id())
			if err := arena.txPublish(tx); err != nil {
				tx.log("publish", "failed to publish arena=%d: %v", arena.id(), err)
				return err
			}

			arena.publishing = true
			if arena.onList == nil {
				arena.addref()
				arena.linkTo(tx.arPub, false)
			} else {
				// still pinned on the blob, take over the refcount
				arena.linkTo(tx.arPub, false)
			}
		}
		act.arena = nil
		arena.decref()

		if grp.unpub && !grp.publishing {
			tx.log("publish", "publishing a new group, size=%d", gd.unit)
			if err := grp.txPublish(tx); err != nil {
				tx.log("publish", "failed to publish group, size=%d: %v", gd.unit, err)
				return err
			}

			grp.publishing = true
			if grp.onList == nil {
				grp.addref()
				grp.linkTo(tx.gpPub, false)
			} else {
				// still pinned on the blob, take over the refcount
				grp.linkTo(tx.gpPub, false)
			}
		}

		tx.log("publish", "publishing reserved bit=%d", act.bit)
		if err := tx.setBits(gd.bmap[:], uint32(act.bit), 1); err != nil {
			tx.log("publish", "failed to publish reserved bit=%d: %v", act.bit, err)
			return err
		}

		if gd.unitFree <= 0 {
			panic("publishing a unit in a full group")
		}
		gd.unitFree--
		err := tx.assignPtr(unsafe.Pointer(&gd.unitFree), 4, uint32(gd.unitFree), ActRedo|ActLogOnly)
		if err != nil {
			tx.log("publish", "failed to decrease free units: %v", err)
			return err
		}
		bits.Clr(grp.bmapRsv[:], act.bit)
		grp.unitRsv--

		act.group = nil
		oper := operatePool.Get()
		oper.group = grp
		tx.allocs = append(tx.allocs, oper)
	}
	return nil
}

// Alloc reserves and publishes in one self-contained transaction,
// returning 0 when the blob cannot serve the allocation.
func (h Handle) Alloc(atype int, size uint64, arenaID *uint32) uint64 {
	var act ReservAct

	addr, err := h.Reserve(atype, size, arenaID, &act)
	if err != nil {
		h.b.log("alloc", "reserve failed: %v", err)
		return 0
	}

	tx, err := Begin(h, nil)
	if err != nil {
		Cancel(&act)
		return 0
	}

	err = tx.Publish(&act)
	if err := tx.End(err); err != nil {
		return 0
	}

	return addr
}
