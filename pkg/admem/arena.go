package admem

import (
	"container/list"
	"fmt"
	"sort"
	"unsafe"

	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/xunsafe"
)

// arena is the DRAM shadow of a durable arena header. Shadows are
// created on demand, ref-counted, and parked on the blob LRU at ref 0.
//
// The shadow owns two parallel sorter arrays over the arena's group
// records: one ordered by (unit size, weight, address) for allocation,
// one ordered by address for free. Any operation that changes a group's
// weight or membership fixes the sorters with local shifts only.
type arena struct {
	blob *blob
	// the durable arena header
	df *arenaDF

	// membership on the blob LRU / pinned list / tx publish list
	onList *list.List
	elem   *list.Element
	// queued for heap reordering at transaction completion
	onReorder bool

	atype int
	ref   int
	// number of groups
	grpNr int
	// all group slots before this index are used
	lastGrp  int
	sorterSz int

	// unpublished arena
	unpub bool
	// being published
	publishing bool

	// pointers for size binary search, DRAM mirror only
	sizeSorter []*groupDF
	// pointers for address binary search, DRAM mirror only
	addrSorter []*groupDF

	// reserved bits for group space
	spaceRsv [arenaGrpBmSz]uint64
	// reserved bits for group index slots
	gpidRsv [arenaGrpBmSz]uint64
}

func (a *arena) id() uint32 { return a.df.id }

func (a *arena) log(op, format string, args ...any) {
	a.blob.log(op, fmt.Sprintf("arena=%d: ", a.id())+format, args...)
}

func (a *arena) addref() { a.ref++ }

func (a *arena) decref() {
	if a.ref <= 0 {
		panic("arena refcount underflow")
	}
	a.ref--
	if a.ref == 0 {
		arenaFree(a, false)
	}
}

func (a *arena) linkTo(l *list.List, front bool) {
	a.unlink()
	if front {
		a.elem = l.PushFront(a)
	} else {
		a.elem = l.PushBack(a)
	}
	a.onList = l
}

func (a *arena) unlink() {
	if a.onList != nil {
		a.onList.Remove(a.elem)
		a.onList, a.elem = nil, nil
	}
}

func (a *arena) heapNode() *maxheapNode {
	return &a.blob.mhNodes[a.df.id]
}

// arenaInitWeight recomputes the free/frag byte counts of an arena from
// its group records.
func arenaInitWeight(ad *arenaDF, node *maxheapNode) {
	fragSize := 0
	freeSize := ArenaSize - ArenaHdrSize
	if ad.id == 0 {
		freeSize -= BlobHdrSize + RootObjSize
	}

	for i := 0; i < arenaGrpMax; i++ {
		gd := &ad.groups[i]
		if gd.addr == 0 {
			continue
		}

		nbits := gd.bits()
		freeSize -= int(gd.unitNr-gd.unitFree) * int(gd.unit)
		fragSize += (nbits << grpSizeShift) - int(gd.unitNr)*int(gd.unit)
	}

	node.freeSize = freeSize
	node.fragSize = fragSize
	node.weight = arenaWeight(node)
}

func (a *arena) freeSize() int {
	node := a.heapNode()
	return node.freeSize - node.fragSize
}

// size2gsp picks the smallest registered group spec whose unit covers
// size, nil when the size is beyond every spec of the type.
func (a *arena) size2gsp(size uint64) *GroupSpec {
	asp := &a.blob.df.asp[a.df.atype]
	var gsp *GroupSpec

	ln := int(asp.specsNr)
	if ln == 0 || ln > arenaGrpSpecMax {
		panic("arena type with no specs")
	}

	// check if there is a customized group for the size
	var cur int
	for start, end := 0, ln-1; start <= end; {
		cur = (start + end) / 2
		gsp = &asp.specs[cur]
		if uint64(gsp.Unit) < size {
			start = cur + 1
		} else if uint64(gsp.Unit) > size {
			end = cur - 1
		} else {
			break
		}
	}

	if uint64(gsp.Unit) < size {
		if cur == ln-1 {
			a.log("size2gsp", "size is too large: %d", size)
			return nil
		}
		cur++
		gsp = &asp.specs[cur]
	}

	a.log("size2gsp", "found spec: spec_unit=%d, size=%d", gsp.Unit, size)
	return gsp
}

// groupUnitAvail is the number of available units in a group; reserved
// units count as occupied.
func (b *blob) groupUnitAvail(gd *groupDF) int {
	units := int(gd.unitFree)
	if grp := b.groupOf(gd); grp != nil {
		units -= grp.unitRsv
	}
	return units
}

// groupWeight quantises the available units so that groups of 8 units or
// more do not reorder the sorter on every alloc/free.
func (b *blob) groupWeight(gd *groupDF) int {
	units := b.groupUnitAvail(gd)

	var shift uint
	switch {
	case gd.unitNr >= 128:
		shift = 5 // change weight after 32 allocations
	case gd.unitNr >= 32:
		shift = 3 // change weight after 8 allocations
	case gd.unitNr >= 8:
		shift = 1 // change weight after 2 allocations
	}

	if shift > 0 {
		return (units + (1 << shift) - 1) >> shift
	}
	return units
}

// findGrp binary-searches the size sorter for a group of the matching
// spec unit with free space, preferring the group with the least free
// units.
func (a *arena) findGrp(size uint64) (int, *group, error) {
	if a.grpNr == 0 { // no group, non-fatal
		return 0, nil, ErrNonExistent
	}

	gsp := a.size2gsp(size)
	if gsp == nil {
		return 0, nil, fmt.Errorf("no matched group spec for size=%d: %w", size, ErrInvalid)
	}

	if uint64(gsp.Unit) != size {
		// no customized size, use the generic one
		size = uint64(gsp.Unit)
	}

	b := a.blob
	var gd *groupDF
	var cur int
	for start, end := 0, a.grpNr-1; start <= end; {
		cur = (start + end) / 2
		gd = a.sizeSorter[cur]

		var less bool
		if uint64(gd.unit) == size {
			weight := b.groupWeight(gd)

			// always try to use the group with the least free units
			if weight == 1 {
				return a.loadGrpAt(cur, gd)
			}
			less = weight == 0
		} else {
			less = uint64(gd.unit) < size
		}

		if less {
			start = cur + 1
		} else {
			end = cur - 1
		}
	}
	a.log("find_grp", "matched unit=%d, size=%d", gd.unit, size)

	for uint64(gd.unit) <= size {
		if uint64(gd.unit) == size && b.groupWeight(gd) > 0 {
			return a.loadGrpAt(cur, gd)
		}

		cur++
		if cur == a.grpNr { // no more group
			break
		}
		gd = a.sizeSorter[cur]
	}
	return 0, nil, ErrNoSpace
}

func (a *arena) loadGrpAt(pos int, gd *groupDF) (int, *group, error) {
	grp, err := groupLoad(gd, a)
	if err != nil {
		return 0, nil, err
	}
	return pos, grp, nil
}

// addr2grp locates the group whose unit range contains addr via the
// address sorter.
func (a *arena) addr2grp(addr uint64) (*group, error) {
	var gd *groupDF
	found := false

	for start, end := 0, a.grpNr-1; start <= end; {
		cur := (start + end) / 2
		gd = a.addrSorter[cur]

		if gd.unitNr > GrpUnitNrMax || gd.unit > GrpUnitSzMax {
			return nil, fmt.Errorf("corrupted group unit %d x %d: %w", gd.unit, gd.unitNr, ErrInvalid)
		}

		size := uint64(gd.unitNr) * uint64(gd.unit)
		if gd.addr <= addr && gd.addr+size > addr {
			found = true
			break
		}

		if gd.addr+size <= addr {
			start = cur + 1
		} else {
			end = cur - 1
		}
	}
	if !found {
		return nil, fmt.Errorf("address %x in no group: %w", addr, ErrNonExistent)
	}

	grp, err := groupLoad(gd, a)
	if err != nil {
		return nil, err
	}

	// this can happen in a nested transaction
	if grp.unpub {
		a.log("addr2grp", "free space %x in unpublished group", addr)
	}

	return grp, nil
}

// locateGrp returns the position of a group in the size sorter.
func (a *arena) locateGrp(grp *group) int {
	b := a.blob
	gd := grp.df
	weight := b.groupWeight(gd)

	for start, end := 0, a.grpNr-1; start <= end; {
		cur := (start + end) / 2
		tmp := a.sizeSorter[cur]

		var less bool
		if tmp.unit == gd.unit {
			if tmp == gd { // found
				return cur
			}

			w := b.groupWeight(tmp)
			switch {
			case w < weight:
				less = true
			case w > weight:
				less = false
			default: // group address
				less = tmp.addr < gd.addr
			}
		} else {
			less = tmp.unit < gd.unit
		}

		if less {
			start = cur + 1
		} else {
			end = cur - 1
		}
	}
	a.dump()
	panic(fmt.Sprintf("cannot find group at %x in size sorter", gd.addr))
}

func (a *arena) assertSorted(cond bool) {
	if !cond {
		a.dump()
		panic("sorter out of order")
	}
}

const (
	grpOpRsv = iota
	// reservation cancelled
	grpOpRsvCancel
	// reservation aborted at transaction completion
	grpOpRsvAbort
	grpOpFreeCommit
	grpOpFreeAbort
)

// refreshWeight adjusts the bookkeeping of a group after a
// reserve/cancel/free and restores the size-sorter order by shifting the
// group left or right as far as needed.
func (grp *group) refreshWeight(pos int, opc int) {
	arena := grp.arena
	b := arena.blob
	sorter := arena.sizeSorter
	gd := grp.df
	decreased := false

	switch opc {
	default:
		panic("bad group op")
	case grpOpRsv:
		grp.unitRsv++
		decreased = true
	case grpOpRsvCancel, grpOpFreeCommit:
		grp.unitRsv--
	case grpOpRsvAbort:
		gd.unitFree++
	case grpOpFreeAbort:
		grp.unitRsv--
		gd.unitFree--
		return // weight is the same
	}
	if int(gd.unitFree) < grp.unitRsv {
		panic(fmt.Sprintf("free=%d < rsv=%d", gd.unitFree, grp.unitRsv))
	}

	if grp.reset {
		return // group has left the sorters
	}

	if pos < 0 {
		pos = arena.locateGrp(grp)
	} else if sorter[pos] != gd {
		panic("stale sorter position")
	}

	wCur := b.groupWeight(gd)
	if decreased { // weight decreased, shift left
		for i := pos; i > 0; {
			i--
			tmp := sorter[i]
			if tmp.unit != gd.unit {
				arena.assertSorted(tmp.unit < gd.unit)
				break
			}

			wTmp := b.groupWeight(tmp)
			if wTmp < wCur || (wTmp == wCur && tmp.addr < gd.addr) {
				break
			}

			sorter[pos], sorter[i] = tmp, gd
			pos = i
		}
	} else { // shift right
		for i := pos; i < arena.grpNr-1; {
			i++
			tmp := sorter[i]
			if tmp.unit != gd.unit {
				arena.assertSorted(tmp.unit > gd.unit)
				break
			}

			wTmp := b.groupWeight(tmp)
			if wTmp > wCur || (wTmp == wCur && tmp.addr > gd.addr) {
				break
			}

			sorter[pos], sorter[i] = tmp, gd
			pos = i
		}
	}
}

// locateByAddr returns the position of gd in the address sorter, or its
// insertion position when adding.
func (a *arena) locateByAddr(sorter []*groupDF, gd *groupDF, grpNr int, adding bool) int {
	var tmp *groupDF
	var cur int

	for start, end := 0, grpNr-1; start <= end; {
		cur = (start + end) / 2
		tmp = sorter[cur]
		if gd.addr == tmp.addr {
			a.assertSorted(gd == tmp && !adding)
			return cur
		}

		if tmp.addr < gd.addr {
			start = cur + 1
		} else {
			end = cur - 1
		}
	}
	a.assertSorted(adding)

	if tmp.addr < gd.addr {
		return cur + 1
	}
	return cur
}

// locateBySize returns the position of gd in the size sorter, or its
// insertion position when adding.
func (a *arena) locateBySize(sorter []*groupDF, gd *groupDF, grpNr int, adding bool) int {
	b := a.blob
	weight := b.groupWeight(gd)

	var tmp *groupDF
	var cur int
	for start, end := 0, grpNr-1; start <= end; {
		cur = (start + end) / 2
		tmp = sorter[cur]

		var less bool
		if tmp.unit == gd.unit {
			if tmp == gd {
				a.assertSorted(!adding)
				return cur
			}

			w := b.groupWeight(tmp)
			switch {
			case w < weight:
				less = true
			case w > weight:
				less = false
			default:
				less = tmp.addr < gd.addr
			}
		} else {
			less = tmp.unit < gd.unit
		}

		if less {
			start = cur + 1
		} else {
			end = cur - 1
		}
	}
	a.assertSorted(adding)

	if tmp.unit < gd.unit {
		cur++
	} else if tmp.unit == gd.unit {
		w := b.groupWeight(tmp)
		if w < weight || (w == weight && tmp.addr < gd.addr) {
			cur++
		}
	}
	return cur
}

// addGrp inserts a new group into both sorter arrays.
func (a *arena) addGrp(grp *group) int {
	// no WAL, in DRAM
	ln := a.grpNr
	a.grpNr++
	if a.grpNr > arenaGrpMax {
		panic("too many groups in arena")
	}
	if ln == 0 {
		a.addrSorter[0] = grp.df
		a.sizeSorter[0] = grp.df
		return 0
	}

	if a.grpNr > a.sorterSz {
		// unlikely, unless the caller always allocates tiny units
		a.initSorters(arenaGrpMax)
	}

	a.log("add_grp", "adding group %x to address sorter", grp.df.addr)
	cur := a.locateByAddr(a.addrSorter, grp.df, ln, true)
	copy(a.addrSorter[cur+1:ln+1], a.addrSorter[cur:ln])
	a.addrSorter[cur] = grp.df

	a.log("add_grp", "adding group %x to size sorter", grp.df.addr)
	cur = a.locateBySize(a.sizeSorter, grp.df, ln, true)
	copy(a.sizeSorter[cur+1:ln+1], a.sizeSorter[cur:ln])
	a.sizeSorter[cur] = grp.df

	return cur
}

// removeGrp removes a group from both sorter arrays.
func (a *arena) removeGrp(grp *group) {
	cur := a.locateByAddr(a.addrSorter, grp.df, a.grpNr, false)
	copy(a.addrSorter[cur:], a.addrSorter[cur+1:a.grpNr])

	cur = a.locateBySize(a.sizeSorter, grp.df, a.grpNr, false)
	copy(a.sizeSorter[cur:], a.sizeSorter[cur+1:a.grpNr])

	a.grpNr--
}

// reserveGrp reserves a fresh group for the given size within the arena:
// find free arena bits, claim a free slot in the group record array, and
// insert the new group into the sorters. Everything is DRAM-only until
// the group is published.
func (a *arena) reserveGrp(size uint64) (int, *group, error) {
	b := a.blob
	ad := a.df

	gsp := a.size2gsp(size)
	if gsp == nil {
		return 0, nil, fmt.Errorf("no matched group spec for size=%d: %w", size, ErrInvalid)
	}

	if a.grpNr == arenaGrpMax {
		// too many small groups, cannot store more metadata
		a.log("reserve_grp", "too many groups")
		return 0, nil, fmt.Errorf("group records exhausted: %w", ErrNoSpace)
	}

	nbits := groupU2B(int32(gsp.Unit), int32(gsp.Count))

	// at least 2 units within a group
	bitsMin := int(gsp.Unit*2) >> grpSizeShift
	if bitsMin == 0 {
		bitsMin = 1
	}
	if bitsMin > nbits {
		bitsMin = nbits
	}

	run := bits.FindBits(ad.bmap[:], a.spaceRsv[:], bitsMin, nbits)
	if run.IsNone() {
		return 0, nil, fmt.Errorf("no free extent for %d bits: %w", nbits, ErrNoSpace)
	}
	bitAt, nbits := run.Unwrap().At, run.Unwrap().Nr

	grp := allocGroup(a, false)

	// find an unused record slot
	grpIdx := a.lastGrp
	for ; grpIdx < arenaGrpMax; grpIdx++ {
		gd := &ad.groups[grpIdx]
		if gd.addr != 0 {
			continue
		}
		if !bits.IsSet(a.gpidRsv[:], grpIdx) {
			break
		}
	}
	// run out of group records
	if grpIdx == arenaGrpMax {
		a.log("reserve_grp", "no group slot found")
		grp.decref()
		return 0, nil, fmt.Errorf("group slots exhausted: %w", ErrNoSpace)
	}
	a.lastGrp = max(a.lastGrp, grpIdx)

	gd := &ad.groups[grpIdx]
	gd.addr = ad.addr + uint64(bitAt)<<grpSizeShift
	gd.unit = int32(gsp.Unit)
	gd.unitNr = int32((nbits << grpSizeShift) / int(gsp.Unit))
	gd.unitFree = gd.unitNr
	gd.incarnation = b.incarnation()
	b.bindGroup(gd, grp)

	grp.unpub = true
	grp.ref = 1
	grp.df = gd
	grp.bitAt = bitAt
	grp.bitNr = nbits
	grp.frags = (nbits << grpSizeShift) - int(gd.unitNr)*int(gd.unit)

	a.log("reserve_grp", "reserved a new group (bit_at=%d, bits=%d, size=%d)", bitAt, nbits, size)

	bits.SetRange(a.spaceRsv[:], bitAt, nbits)
	pos := a.addGrp(grp)

	return pos, grp, nil
}

// txPublish makes a reserved arena durable: its allocation bit, the
// last-used index of its type, and the header record all go to the redo
// log.
func (a *arena) txPublish(tx *Tx) error {
	b := a.blob
	bd := b.df
	ad := a.df
	spec := &bd.asp[ad.atype]

	a.log("publish", "publishing arena")
	if err := tx.setBits(bd.bmap(b.bmapSize()), uint32(ad.id), 1); err != nil {
		return err
	}

	err := tx.assignPtr(unsafe.Pointer(&spec.lastUsed), 4, ad.id, ActRedo|ActUndo)
	if err != nil {
		return err
	}

	a.log("publish", "published arena type=%d, last_used=%d", ad.atype, spec.lastUsed)

	err = tx.setPtr(unsafe.Pointer(ad), 0, uint64(unsafe.Sizeof(*ad)), ActRedo|ActLogOnly)
	if err != nil {
		return err
	}

	// the snapshot covers the header prefix and the arena bitmap, so a
	// WAL replay restores the pre-marked header bits as well
	return tx.snap(unsafe.Pointer(ad), uint64(unsafe.Offsetof(ad.backPtr)), ActRedo)
}

// reserveAddr reserves one unit for the given size, growing a new group
// when every matching group is full. A full arena is flagged inactive
// and stays out of the free heap.
func (a *arena) reserveAddr(size uint64, act *ReservAct) (uint64, error) {
	var grp *group
	grpAt := 0

	pos, found, err := a.findGrp(size)
	switch {
	case err == nil:
		grpAt, grp = pos, found
	case errIs(err, ErrNonExistent) || errIs(err, ErrNoSpace):
		// no group yet, or no space in the existing ones; fall through
	default:
		a.log("reserve_addr", "failed to find group, size=%d: %v", size, err)
		return 0, err
	}

	var addr uint64
	tried := false
	for {
		if grp == nil { // full group
			a.log("reserve_addr", "no group(size=%d), reserve a new one", size)

			node := a.heapNode()
			grpAt, grp, err = a.reserveGrp(size)
			if errIs(err, ErrNoSpace) {
				// cannot create a new group, full arena
				// XXX: other sized groups may have space.
				a.log("reserve_addr", "full arena, grp_nr=%d", a.grpNr)
				node.weight = arenaWeight(node)
				node.inactive = true
				return 0, err
			}
			if err != nil {
				a.log("reserve_addr", "failed to reserve group, size=%d: %v", size, err)
				return 0, err
			}
		}
		a.log("reserve_addr", "found group %x [r=%d, f=%d] for size=%d",
			grp.df.addr, grp.unitRsv, grp.df.unitFree, size)

		addr = grp.reserveAddr(act)
		if addr != 0 {
			break
		}

		if tried {
			panic("fresh group with no free unit")
		}
		tried = true

		grp.decref()
		grp = nil
	}
	grp.refreshWeight(grpAt, grpOpRsv)
	// the arena is out of the heap while in use, so its position does
	// not need to be updated on every reservation
	if a.heapNode().inTree {
		panic("reserving in a heap-resident arena")
	}
	grp.decref()

	a.addref()
	act.arena = a
	return addr, nil
}

// txFreeAddr frees one unit at addr inside the transaction.
func (a *arena) txFreeAddr(addr uint64, tx *Tx) error {
	// convert the address to the group it belongs to
	grp, err := a.addr2grp(addr)
	if err != nil {
		// ignore an invalid address
		if errIs(err, ErrNonExistent) {
			return nil
		}
		return err
	}
	defer grp.decref()

	if err := grp.txFreeAddr(addr, tx); err != nil {
		return err
	}

	if err := grp.txReset(tx); err != nil {
		a.log("free", "failed to reset group: %v", err)
		return err
	}
	return nil
}

const (
	arOpGrpReset = iota
	arOpGrpCommit
	arOpRsvCommit
	arOpFreeCommit
)

// trackChange credits a committed group operation to the arena's
// free-space bookkeeping and queues the arena for heap reordering.
func (a *arena) trackChange(grp *group, opc int, reorder *[]*arena) {
	node := a.heapNode()

	switch opc {
	default:
		panic("bad arena op")
	case arOpGrpCommit:
		node.fragSize += grp.frags
	case arOpGrpReset:
		node.fragSize -= grp.frags
	case arOpRsvCommit:
		node.freeSize -= int(grp.df.unit)
	case arOpFreeCommit:
		node.freeSize += int(grp.df.unit)
	}
	if node.freeSize < 0 || node.fragSize < 0 {
		panic("arena free-space accounting underflow")
	}

	if !a.onReorder {
		a.addref()
		a.onReorder = true
		*reorder = append(*reorder, a)
	}
}

// reorderIfNeeded fixes the arena position in the free heap after its
// weight changed at transaction completion. An inactive arena re-enters
// the heap once its free size rises above a quarter of the arena size
// and its weight improves.
func (a *arena) reorderIfNeeded() {
	b := a.blob
	node := a.heapNode()

	newWeight := arenaWeight(node)
	if node.inTree {
		if newWeight == node.weight {
			return
		}
		b.freeHeap.remove(node)
		node.weight = newWeight
		b.freeHeap.insert(node)
	} else {
		if node.inactive {
			if a.freeSize() < ArenaSize>>2 {
				return
			}

			if node.weight >= newWeight {
				node.weight = newWeight
				return
			}
			// bring the arena back, free space is above 1/4 of the
			// total and the weight improved
			node.inactive = false
		}
		node.weight = newWeight
		node.arenaID = a.df.id
		b.freeHeap.insert(node)
	}
}

// reorderAll drains the reorder list collected during transaction
// completion.
func reorderAll(reorder []*arena) {
	for _, arena := range reorder {
		// reorder only does the minimum amount of work most of the time
		arena.onReorder = false
		arena.reorderIfNeeded()
		arena.decref()
	}
}

// arenaReserve reserves a fresh arena of the given type: pick a free
// page, format the header in place, and mark the reservation bit. The
// durable publish happens via the transaction.
func (b *blob) arenaReserve(atype uint32) (*arena, error) {
	bd := b.df

	if atype >= arenaSpecMax {
		return nil, fmt.Errorf("arena type %d: %w", atype, ErrInvalid)
	}

	if bd.asp[atype].specsNr == 0 {
		return nil, fmt.Errorf("unregistered arena type %d: %w", atype, ErrNonExistent)
	}

	id := ArenaAny
	ad, err := b.arenaFind(&id)
	if err != nil {
		b.log("arena_reserve", "failed to find available arena: %v", err)
		return nil, err
	}

	b.log("arena_reserve", "reserved a new arena: type=%d, id=%d", atype, id)
	b.arenaLast[atype] = id

	// fresh memory, no undo needed; txPublish adds it to the WAL
	clear(unsafe.Slice(xunsafe.Cast[byte](ad), unsafe.Sizeof(*ad)))
	ad.id = id
	ad.atype = uint16(atype)
	ad.magic = arenaMagic
	ad.size = ArenaSize
	ad.unit = ArenaUnitSize
	ad.addr = blobAddr(b) + uint64(id)*ArenaSize
	ad.incarnation = b.incarnation()

	// the first two bits (the arena header) are never handed out
	bits.SetRange(ad.bmap[:], 0, 2)

	if id == 0 {
		// Arena 0 reserves 128KB in total: the arena header, the blob
		// superblock and the root object. The first arena is written
		// straight away, no WAL.
		bits.Set(ad.bmap[:], 2) // blob header
		bits.Set(ad.bmap[:], 3) // root object
	}

	// DRAM only, mark the arena reserved
	if bits.IsSet(b.bmapRsv, int(id)) {
		panic("arena already reserved")
	}
	bits.Set(b.bmapRsv, int(id))

	arena, err := b.arenaLoad(id)
	if err != nil {
		return nil, err
	}

	arena.unpub = true
	return arena, nil
}

// arenaLoad returns the DRAM shadow of an arena, building it (and its
// sorters) from the durable records on a cache miss.
func (b *blob) arenaLoad(id uint32) (*arena, error) {
	if id == ArenaAny {
		panic("loading an unspecified arena")
	}

	ad, err := b.arenaFind(&id)
	if err != nil {
		b.log("arena_load", "no available arena, id=%d: %v", id, err)
		return nil, err
	}

	if ad.magic != arenaMagic {
		return nil, fmt.Errorf("invalid arena magic: %x/%x: %w", ad.magic, arenaMagic, ErrProtocol)
	}

	if ad.incarnation != b.incarnation() {
		ad.incarnation = b.incarnation()
		ad.backPtr = 0 // clear the stale back-pointer
	}

	if arena := b.arenaOf(ad); arena != nil {
		if arena.df != ad {
			panic("arena back-pointer mismatch")
		}
		arena.ref++
		if arena.ref == 1 { // remove from LRU
			arena.unlink()
		}
		return arena, nil
	}
	// no cached arena, build it now

	arena := arenaAlloc(b, false, arenaGrpAvg)

	// NB: a stale handle is detected by the incarnation
	b.bindArena(ad, arena)

	arena.ref = 1 // for the caller
	arena.df = ad
	arena.atype = int(ad.atype)

	grpNr := 0
	for i := 0; i < arenaGrpMax; i++ {
		gd := &ad.groups[i]
		if gd.addr == 0 {
			continue
		}
		if gd.incarnation != b.incarnation() {
			// reset the stale back-pointer
			gd.incarnation = b.incarnation()
			gd.backPtr = 0
		}

		if grpNr == arenaGrpAvg {
			arena.initSorters(arenaGrpMax)
		}
		arena.sizeSorter[grpNr] = gd
		arena.addrSorter[grpNr] = gd
		grpNr++
	}
	arena.grpNr = grpNr

	if grpNr > 0 {
		sort.Slice(arena.sizeSorter[:grpNr], func(i, j int) bool {
			return groupSizeLess(b, arena.sizeSorter[i], arena.sizeSorter[j])
		})
		sort.Slice(arena.addrSorter[:grpNr], func(i, j int) bool {
			return arena.addrSorter[i].addr < arena.addrSorter[j].addr
		})
	}

	node := arena.heapNode()
	if !node.inTree {
		arenaInitWeight(ad, node)
	}

	return arena, nil
}

// groupSizeLess orders group records by (unit size, weight, address).
func groupSizeLess(b *blob, gd1, gd2 *groupDF) bool {
	if gd1.unit != gd2.unit {
		return gd1.unit < gd2.unit
	}

	w1, w2 := b.groupWeight(gd1), b.groupWeight(gd2)
	if w1 != w2 {
		return w1 < w2
	}

	// the address identifies the group
	return gd1.addr < gd2.addr
}

func (a *arena) initSorters(sorterSz int) {
	if a.sorterSz >= sorterSz {
		return
	}

	sizeSorter := make([]*groupDF, sorterSz)
	addrSorter := make([]*groupDF, sorterSz)
	copy(sizeSorter, a.sizeSorter)
	copy(addrSorter, a.addrSorter)

	a.sizeSorter = sizeSorter
	a.addrSorter = addrSorter
	a.sorterSz = sorterSz
}

// arenaAlloc returns a fresh arena shadow, reusing one parked on the
// blob LRU unless force is set.
func arenaAlloc(b *blob, force bool, sorterSz int) *arena {
	var arena *arena

	if sorterSz > arenaGrpAvg {
		sorterSz = arenaGrpMax
	} else {
		sorterSz = arenaGrpAvg
	}

	if !force {
		if e := b.arsLRU.Front(); e != nil {
			arena = e.Value.(*arena)
			arena.unlink()
		}
	}

	if arena != nil {
		arena.unbind(true)
	} else {
		arena = new(arena)
	}

	if arena.sorterSz < sorterSz {
		arena.initSorters(sorterSz)
	}

	if b != nil {
		b.addref()
		arena.blob = b
	}
	return arena
}

// arenaFree parks an arena shadow on the blob LRU, evicting the oldest
// entry when the LRU is full. With force the shadow is discarded.
func arenaFree(a *arena, force bool) {
	if a.ref != 0 {
		panic("freeing a referenced arena")
	}
	if a.onList != nil || a.onReorder {
		panic("freeing a linked arena")
	}

	if !force {
		b := a.blob
		a.linkTo(b.arsLRU, false)
		if b.arsLRU.Len() <= b.arsLRUCap {
			return
		}
		// release an old one from the LRU
		a = b.arsLRU.Front().Value.(*arena)
		a.unlink()
	}

	a.sizeSorter = nil
	a.addrSorter = nil
	a.sorterSz = 0
	a.unbind(false)
}

// unbind detaches the shadow from its durable record and blob. With
// reset the shadow is cleared for reuse, keeping its sorter arrays.
func (a *arena) unbind(reset bool) {
	if a.df != nil {
		a.blob.bpArenas.Delete(a.df.backPtr)
		a.df.backPtr = 0
		a.df = nil
	}
	if a.blob != nil {
		a.blob.decref()
		a.blob = nil
	}

	if reset {
		sizeSorter, addrSorter, sz := a.sizeSorter, a.addrSorter, a.sorterSz
		*a = arena{
			sizeSorter: sizeSorter,
			addrSorter: addrSorter,
			sorterSz:   sz,
		}
		clear(sizeSorter)
		clear(addrSorter)
	}
}

// dump prints the sorters for debugging sorter-order assertions.
func (a *arena) dump() {
	b := a.blob

	a.log("dump", "groups=%d, free_size=%d", a.grpNr, a.freeSize())
	for i := 0; i < arenaGrpBmSz; i++ {
		a.log("dump", "used=%x, reserved=%x", a.df.bmap[i], a.spaceRsv[i])
	}

	a.log("dump", "groups sorted by size and weight:")
	for i := 0; i < a.grpNr; i++ {
		gd := a.sizeSorter[i]
		grp := b.groupOf(gd)
		a.log("dump", "\t%d: size=%d, addr=%x, weight=%d, avail=%d, pub=%v",
			i, gd.unit, gd.addr, b.groupWeight(gd), b.groupUnitAvail(gd),
			grp == nil || !grp.unpub)
	}

	a.log("dump", "groups sorted by address:")
	for i := 0; i < a.grpNr; i++ {
		gd := a.addrSorter[i]
		grp := b.groupOf(gd)
		a.log("dump", "\t%d: size=%d, addr=%x, weight=%d, avail=%d, pub=%v",
			i, gd.unit, gd.addr, b.groupWeight(gd), b.groupUnitAvail(gd),
			grp == nil || !grp.unpub)
	}
}
