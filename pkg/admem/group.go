package admem

import (
	"container/list"
	"unsafe"

	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/xunsafe"
)

// group is the DRAM shadow of a durable group record. Shadows carry the
// reservation state that must not hit the durable image: the reserved
// bitmap and the reserved-unit count.
type group struct {
	arena *arena
	// the durable group record
	df *groupDF

	// unpublished group
	unpub bool
	// being published
	publishing bool
	// group emptied and being returned to the arena
	reset bool

	// tail padding bytes beyond unit * unitNr
	frags int
	ref   int
	// number of reserved units
	unitRsv int
	// bit offset of the group in the arena bitmap
	bitAt int
	// number of arena bits consumed by the group
	bitNr int

	// membership on the blob LRU / pinned list / tx publish list
	onList *list.List
	elem   *list.Element

	// reserved bits, DRAM only
	bmapRsv [grpUnitBmSz]uint64
}

func (grp *group) addref() { grp.ref++ }

func (grp *group) decref() {
	if grp.ref <= 0 {
		panic("group refcount underflow")
	}
	grp.ref--
	if grp.ref == 0 {
		groupFree(grp, false)
	}
}

func (grp *group) linkTo(l *list.List, front bool) {
	grp.unlink()
	if front {
		grp.elem = l.PushFront(grp)
	} else {
		grp.elem = l.PushBack(grp)
	}
	grp.onList = l
}

func (grp *group) unlink() {
	if grp.onList != nil {
		grp.onList.Remove(grp.elem)
		grp.onList, grp.elem = nil, nil
	}
}

// index returns the slot of the group record in the arena header.
func (grp *group) index() int {
	ad := grp.arena.df
	return int((uintptr(unsafe.Pointer(grp.df)) - uintptr(unsafe.Pointer(&ad.groups[0]))) / unsafe.Sizeof(groupDF{}))
}

// groupLoad returns the DRAM shadow of a group record, building one on a
// cache miss. The record incarnation guards stale handles after reopen.
func groupLoad(gd *groupDF, arena *arena) (*group, error) {
	b := arena.blob

	if gd.backPtr != 0 {
		if gd.incarnation == b.incarnation() {
			if grp := b.groupOf(gd); grp != nil {
				grp.ref++
				if grp.ref == 1 { // remove from LRU
					grp.unlink()
				}
				return grp, nil
			}
		}
		gd.backPtr = 0
	}

	grp := allocGroup(arena, false)

	gd.incarnation = b.incarnation()
	b.bindGroup(gd, grp)
	grp.ref = 1
	grp.df = gd

	grp.bitAt = int((gd.addr - arena.df.addr) >> grpSizeShift)
	grp.bitNr = gd.bits()

	return grp, nil
}

// reserveAddr reserves one unit in the group: the bit is set only in the
// DRAM reserved bitmap, the durable unit bitmap is untouched until the
// reservation is published. Returns 0 when the group is full.
func (grp *group) reserveAddr(act *ReservAct) uint64 {
	gd := grp.df

	run := bits.FindBits(gd.bmap[:], grp.bmapRsv[:], 1, 1)
	// NB: the bitmap may cover more bits than the number of units
	if run.IsNone() || run.Unwrap().At >= int(gd.unitNr) {
		return 0
	}
	at := run.Unwrap().At

	bits.Set(grp.bmapRsv[:], at)

	grp.addref()
	act.group = grp
	act.bit = at

	return gd.addr + uint64(at)*uint64(gd.unit)
}

// txPublish makes a reserved group durable: the arena bits it occupies
// and its record go to the redo log. The unit bitmap is deliberately
// left out of the snapshot; published units follow as bit actions in the
// same transaction.
func (grp *group) txPublish(tx *Tx) error {
	arena := grp.arena
	ad := arena.df
	gd := grp.df

	bitAt := int((gd.addr - ad.addr) >> grpSizeShift)
	bitNr := gd.bits()
	arena.log("publish", "publishing group %x, bit_at=%d, bits_nr=%d", gd.addr, bitAt, bitNr)

	if err := tx.setBits(ad.bmap[:], uint32(bitAt), uint16(bitNr)); err != nil {
		return err
	}

	err := tx.setPtr(unsafe.Pointer(gd), 0, uint64(unsafe.Sizeof(*gd)), ActRedo|ActLogOnly)
	if err != nil {
		return err
	}

	return tx.snap(unsafe.Pointer(gd), uint64(unsafe.Offsetof(gd.bmap)), ActRedo)
}

// txFreeAddr frees one unit inside the transaction: the durable bit is
// cleared through the redo log, while the DRAM reserved bit is set so
// the unit cannot be handed out again before commit.
func (grp *group) txFreeAddr(addr uint64, tx *Tx) error {
	gd := grp.df

	at := int((addr - gd.addr) / uint64(gd.unit))
	if err := tx.clrBits(gd.bmap[:], uint32(at), 1); err != nil {
		return err
	}

	gd.unitFree++
	err := tx.assignPtr(unsafe.Pointer(&gd.unitFree), 4, uint32(gd.unitFree), ActRedo|ActLogOnly)
	if err != nil {
		return err
	}

	// lock the bit, preventing reuse before commit
	// NB: the group weight is unchanged because unitFree grew as well
	grp.unitRsv++
	bits.Set(grp.bmapRsv[:], at)

	grp.addref()
	oper := operatePool.Get()
	oper.group, oper.at = grp, at
	tx.frees = append(tx.frees, oper)
	return nil
}

// txReset returns an emptied published group to its arena: the arena
// bits it occupies are cleared through the redo log and the group leaves
// the sorters, so the space can serve groups of other unit sizes after
// commit. The bits and the record slot stay reserved until then.
func (grp *group) txReset(tx *Tx) error {
	arena := grp.arena
	ad := arena.df
	gd := grp.df

	if grp.unpub || grp.reset {
		return nil
	}
	if gd.unitFree != gd.unitNr {
		return nil
	}

	// lock the bits, preventing reuse before commit
	bits.SetRange(arena.spaceRsv[:], grp.bitAt, grp.bitNr)
	bits.Set(arena.gpidRsv[:], grp.index())
	arena.log("reset", "resetting group %x, bit_at=%d, bits_nr=%d", gd.addr, grp.bitAt, grp.bitNr)

	if err := tx.clrBits(ad.bmap[:], uint32(grp.bitAt), uint16(grp.bitNr)); err != nil {
		return err
	}

	// the record is cleared in place so the image stays identical to a
	// WAL replay; the snapshot brings it back on abort
	if err := tx.snap(unsafe.Pointer(gd), uint64(unsafe.Sizeof(*gd)), ActUndo); err != nil {
		return err
	}

	grp.reset = true
	arena.removeGrp(grp)
	backPtr, incarnation := gd.backPtr, gd.incarnation
	clear(unsafe.Slice(xunsafe.Cast[byte](gd), unsafe.Sizeof(*gd)))
	// the DRAM handle survives until the shadow is dropped
	gd.backPtr, gd.incarnation = backPtr, incarnation
	err := tx.setPtr(unsafe.Pointer(gd), 0, uint64(unsafe.Sizeof(*gd)), ActRedo|ActLogOnly)
	if err != nil {
		return err
	}

	grp.addref()
	oper := operatePool.Get()
	oper.group = grp
	tx.gpReset = append(tx.gpReset, oper)
	return nil
}

// allocGroup returns a fresh group shadow, reusing one parked on the
// blob LRU unless force is set.
func allocGroup(arena *arena, force bool) *group {
	var grp *group

	if !force {
		b := arena.blob
		if e := b.gpsLRU.Front(); e != nil {
			grp = e.Value.(*group)
			grp.unlink()
		}
	}

	if grp == nil {
		grp = new(group)
	} else {
		grp.unbind(true)
	}

	if arena != nil {
		arena.addref()
		grp.arena = arena
	}
	return grp
}

// groupFree parks a group shadow on the blob LRU. The durable binding is
// dropped immediately; the LRU is a recycle list for the shadows.
func groupFree(grp *group, force bool) {
	if grp.ref != 0 {
		panic("freeing a referenced group")
	}
	if grp.onList != nil {
		panic("freeing a linked group")
	}

	if !force {
		arena := grp.arena
		if arena == nil || arena.blob == nil {
			panic("freeing an unbound group")
		}
		b := arena.blob

		grp.linkTo(b.gpsLRU, false)
		if b.gpsLRU.Len() <= b.gpsLRUCap {
			if grp.df != nil {
				b.bpGroups.Delete(grp.df.backPtr)
				grp.df.backPtr = 0
				grp.df = nil
			}
			return
		}
		// release an old one from the LRU
		grp = b.gpsLRU.Front().Value.(*group)
		grp.unlink()
	}
	grp.unbind(false)
}

// unbind detaches the shadow from its durable record and arena. With
// reset the shadow is cleared for reuse.
func (grp *group) unbind(reset bool) {
	if grp.df != nil {
		grp.arena.blob.bpGroups.Delete(grp.df.backPtr)
		grp.df.backPtr = 0
		grp.df = nil
	}
	if grp.arena != nil {
		grp.arena.decref()
		grp.arena = nil
	}

	if reset {
		*grp = group{}
	}
}
