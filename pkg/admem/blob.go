// Package admem implements an ad-hoc persistent memory allocator over a
// single backing file (or an in-DRAM region for dummy blobs).
//
// The space management is hierarchical: the blob owns fixed-size arenas,
// an arena hosts groups, and a group is a run of equally sized units,
// the allocation grain. Reservations are DRAM-only until published
// inside a transaction; committed transactions stream their redo actions
// to the write-ahead log of the backing [store.Store].
//
// # Concurrency
//
// The allocator runs on a cooperative, single-threaded-per-blob
// scheduler. None of the DRAM structures are synchronised; the only
// suspension points are the WAL calls in transaction begin and commit.
package admem

import (
	"container/list"
	"fmt"
	"time"
	"unsafe"

	"github.com/flier/admem/internal/debug"
	"github.com/flier/admem/internal/swiss"
	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/store"
	"github.com/flier/admem/pkg/xunsafe"
)

// DummyBlob is the reserved path of the in-DRAM test blob.
const DummyBlob = "dummy.blob"

// the dummy blob singleton, shared by every opener
var dummyBlob *blob

// blob is the open handle state of one backing region.
type blob struct {
	store store.Store
	path  string
	cap   uint64
	// is dummy blob, for unit test
	dummy bool
	// file descriptor of the backing file
	fd int
	// stat size of the backing file
	statSz uint64

	// the mapped image; every durable record is a view into it
	mmap []byte
	// the superblock, stored right after the header of arena 0
	df *blobDF

	ref    int
	opened int
	// number of arenas
	pgsNr uint32

	// last used arena per type
	arenaLast [arenaSpecMax]uint32

	// reserved bits for arena allocation
	bmapRsv []uint64

	// free-space bookkeeping, indexed by arena id
	mhNodes  []maxheapNode
	freeHeap arenaHeap

	// DRAM shadows, indexed by the back-pointer handles baked into the
	// durable records
	bpSeq    uint64
	bpArenas *swiss.Map[uint64, *arena]
	bpGroups *swiss.Map[uint64, *group]

	// arenas being reserved (not published), pinned here
	arsRsv *list.List
	// unused arena LRU
	arsLRU *list.List
	// groups being reserved (not published), pinned here
	gpsRsv *list.List
	// unused group LRU
	gpsLRU *list.List

	arsLRUCap int
	gpsLRUCap int
}

func (b *blob) log(op, format string, args ...any) {
	debug.Log([]any{"blob %s", b.path}, op, format, args...)
}

func (b *blob) addref() { b.ref++ }

func (b *blob) decref() {
	if b.ref <= 0 {
		panic("blob refcount underflow")
	}
	b.ref--
	if b.ref == 0 {
		b.fini()
	}
}

func (b *blob) size() uint64 { return b.cap }

// blobAddr is the base address of the blob within the store.
func blobAddr(b *blob) uint64 { return 0 }

func (b *blob) bmapSize() int { return (int(b.pgsNr) + 63) >> 6 }

// blobDFSize is the superblock size including the trailing arena bitmap.
func (b *blob) blobDFSize() int {
	return int(unsafe.Sizeof(blobDF{})) + b.bmapSize()*8
}

// ptr returns the mapped byte of a blob address.
func (b *blob) ptr(addr uint64) *byte { return &b.mmap[addr] }

// base returns the mapped base address.
func (b *blob) base() *byte { return &b.mmap[0] }

// addrOf converts a pointer into the mapped image back to a blob address.
func addrOf[T any](b *blob, p *T) uint64 {
	return uint64(xunsafe.AddrOf(xunsafe.Cast[byte](p)).Sub(xunsafe.AddrOf(b.base())))
}

// arenaDFAt returns the durable arena header at the start of page id.
func (b *blob) arenaDFAt(id uint32) *arenaDF {
	return xunsafe.Cast[arenaDF](b.ptr(uint64(id) << arenaSizeBits))
}

func (b *blob) incarnation() uint64 { return b.df.incarnation }

// bind installs a DRAM back-pointer handle for the given durable record.
func (b *blob) bindArena(ad *arenaDF, ar *arena) {
	b.bpSeq++
	ad.backPtr = b.bpSeq
	b.bpArenas.Put(b.bpSeq, ar)
}

func (b *blob) bindGroup(gd *groupDF, grp *group) {
	b.bpSeq++
	gd.backPtr = b.bpSeq
	b.bpGroups.Put(b.bpSeq, grp)
}

// arenaOf resolves the DRAM shadow of an arena record, nil when unbound.
// Callers must have validated the record incarnation first.
func (b *blob) arenaOf(ad *arenaDF) *arena {
	if ad.backPtr == 0 {
		return nil
	}

	ar, _ := b.bpArenas.Get(ad.backPtr)
	return ar
}

func (b *blob) groupOf(gd *groupDF) *group {
	if gd.backPtr == 0 {
		return nil
	}

	grp, _ := b.bpGroups.Get(gd.backPtr)
	return grp
}

func (b *blob) init() error {
	if b.pgsNr == 0 {
		return fmt.Errorf("empty blob: %w", ErrInvalid)
	}

	b.arsRsv = list.New()
	b.arsLRU = list.New()
	b.gpsRsv = list.New()
	b.gpsLRU = list.New()

	b.mhNodes = make([]maxheapNode, b.pgsNr)
	b.freeHeap = make(arenaHeap, 0, b.pgsNr)

	for i := range b.arenaLast {
		b.arenaLast[i] = ArenaAny
	}

	if b.mmap == nil { // dummy blob
		b.mmap = make([]byte, uint64(b.pgsNr)<<arenaSizeBits)
	}

	// NB: the superblock is stored right after the header of arena 0, so
	// it needs no special code on the checkpoint path.
	b.df = xunsafe.Cast[blobDF](b.ptr(ArenaHdrSize))
	if b.blobDFSize() > ArenaUnitSize {
		return fmt.Errorf("bad superblock size %d: %w", b.blobDFSize(), ErrInvalid)
	}

	b.bmapRsv = make([]uint64, b.bmapSize())

	b.bpArenas = swiss.NewMap[uint64, *arena](uint32(min(int(b.pgsNr), arenaLRUMax)))
	b.bpGroups = swiss.NewMap[uint64, *group](arenaGrpAvg)

	b.arsLRUCap = min(int(b.pgsNr), arenaLRUMax)
	b.gpsLRUCap = min(int(b.pgsNr)*256, groupLRUMax)

	for i := 0; i < b.arsLRUCap; i++ {
		arena := arenaAlloc(nil, true, arenaGrpAvg)
		arena.linkTo(b.arsLRU, false)
	}

	for i := 0; i < b.gpsLRUCap; i++ {
		grp := allocGroup(nil, true)
		grp.linkTo(b.gpsLRU, false)
	}

	return nil
}

func (b *blob) fini() {
	b.log("fini", "finalizing blob")
	if b.gpsRsv.Len() != 0 || b.arsRsv.Len() != 0 {
		panic("finalizing blob with pinned reservations")
	}

	for e := b.gpsLRU.Front(); e != nil; e = b.gpsLRU.Front() {
		grp := e.Value.(*group)
		grp.unlink()
		groupFree(grp, true)
	}
	for e := b.arsLRU.Front(); e != nil; e = b.arsLRU.Front() {
		arena := e.Value.(*arena)
		arena.unlink()
		arenaFree(arena, true)
	}

	b.freeHeap = nil
	b.mhNodes = nil
	b.bmapRsv = nil

	if b.dummy {
		b.mmap = nil
	} else if b.mmap != nil {
		_ = munmapBacking(b.mmap)
		b.mmap = nil
		if b.fd >= 0 {
			_ = closeBacking(b.fd)
			b.fd = -1
		}
	}
}

// load brings in every arena page from the store and indexes the
// allocated ones in the free heap.
func (b *blob) load() error {
	bd := b.df

	for i := uint32(0); i < b.pgsNr; i++ {
		page := b.mmap[uint64(i)<<arenaSizeBits : uint64(i+1)<<arenaSizeBits]

		// XXX: submit multiple pages, otherwise it's too slow
		err := b.store.Read(store.Region{Addr: blobAddr(b) + uint64(i)*ArenaSize, Size: ArenaSize}, page)
		if err != nil {
			return fmt.Errorf("load arena %d: %w", i, err)
		}

		if bits.IsSet(bd.bmap(b.bmapSize()), int(i)) {
			ad := b.arenaDFAt(i)
			if ad.id != i {
				return fmt.Errorf("arena %d has id %d: %w", i, ad.id, ErrProtocol)
			}
			b.arenaInsertFreeEntry(ad)
		}
	}

	// overwrite the old incarnation
	bd.incarnation = uint64(time.Now().UnixMicro())
	for i := 0; i < arenaSpecMax; i++ {
		if bd.asp[i].specsNr > 0 {
			b.arenaLast[i] = bd.asp[i].lastUsed
		}
	}

	return nil
}

func (b *blob) arenaInsertFreeEntry(ad *arenaDF) {
	node := &b.mhNodes[ad.id]

	arenaInitWeight(ad, node)
	node.arenaID = ad.id
	b.freeHeap.insert(node)
}

func (b *blob) arenaRemoveFreeEntry(id uint32) {
	node := &b.mhNodes[id]
	if node.inTree {
		b.freeHeap.remove(node)
	}
}

func (b *blob) setOpened() {
	b.bpSeq++
	b.df.backPtr = b.bpSeq
	b.opened = 1
	if b.dummy {
		if dummyBlob != nil {
			panic("dummy blob registered twice")
		}
		dummyBlob = b
	}
	tlsCacheOpen()
}

func (b *blob) close() {
	b.log("close", "openers=%d", b.opened)
	if b.opened <= 0 {
		panic("closing a closed blob")
	}
	b.opened--
	if b.opened > 0 {
		return
	}

	b.log("close", "evict unpublished groups and arenas")
	for e := b.gpsRsv.Front(); e != nil; e = b.gpsRsv.Front() {
		grp := e.Value.(*group)
		grp.unlink()
		grp.decref()
	}
	for e := b.arsRsv.Front(); e != nil; e = b.arsRsv.Front() {
		arena := e.Value.(*arena)
		arena.unlink()
		arena.decref()
	}

	b.log("close", "unbind groups and arenas in LRU")
	for e := b.gpsLRU.Front(); e != nil; e = e.Next() {
		e.Value.(*group).unbind(false)
	}
	for e := b.arsLRU.Front(); e != nil; e = e.Next() {
		e.Value.(*arena).unbind(false)
	}

	if b.dummy {
		if dummyBlob != b {
			panic("dummy blob registry corrupted")
		}
		dummyBlob = nil
	}
	tlsCacheClose()
}

// arenaFind locates the durable record of an arena. With id == ArenaAny
// it reserves the first arena free in both the allocation bitmap and the
// reservation bitmap, returning the picked id through idp.
func (b *blob) arenaFind(idp *uint32) (*arenaDF, error) {
	bd := b.df
	reserving := false
	id := *idp

	if id == ArenaAny {
		run := bits.FindBits(bd.bmap(b.bmapSize()), b.bmapRsv, 1, 1)
		if run.IsNone() {
			b.log("arena_find", "blob is full, cannot create more arena")
			return nil, fmt.Errorf("blob %s is full: %w", b.path, ErrNoSpace)
		}
		id = uint32(run.Unwrap().At)
		reserving = true
	}

	if (uint64(id)+1)<<arenaSizeBits > b.size() {
		err := ErrInvalid
		if reserving {
			err = ErrNoSpace
		}
		return nil, fmt.Errorf("arena id %d beyond blob size %d: %w", id, b.size(), err)
	}

	if !reserving &&
		!bits.IsSet(bd.bmap(b.bmapSize()), int(id)) &&
		!bits.IsSet(b.bmapRsv, int(id)) {
		return nil, fmt.Errorf("arena id %d not allocated or reserved: %w", id, ErrNonExistent)
	}

	if reserving {
		*idp = id
	}

	// the arena header is the page header
	return b.arenaDFAt(id), nil
}

// registerArena installs the group specs of an arena type in the
// superblock. The spec entry is snapshotted into the redo log when a
// transaction is given.
func (b *blob) registerArena(atype uint32, specs []GroupSpec, tx *Tx) error {
	bd := b.df

	if atype >= arenaSpecMax {
		return fmt.Errorf("arena type %d: %w", atype, ErrInvalid)
	}

	if len(specs) >= arenaGrpSpecMax {
		return fmt.Errorf("%d group specs: %w", len(specs), ErrInvalid)
	}

	spec := &bd.asp[atype]
	if spec.specsNr != 0 {
		return fmt.Errorf("arena type %d: %w", atype, ErrExists)
	}

	spec.atype = atype
	spec.specsNr = uint32(len(specs))
	spec.lastUsed = ArenaAny
	copy(spec.specs[:], specs)

	b.arenaLast[atype] = ArenaAny
	return tx.snap(unsafe.Pointer(spec), uint64(unsafe.Sizeof(*spec)), ActRedo)
}

const (
	arenaSelReuse = iota
	arenaSelNew
	arenaSelMax
)

func (b *blob) arenaSelect(sel, atype int) (*arena, error) {
	switch sel {
	default:
		panic("bad arena selector")

	case arenaSelNew:
		arena, err := b.arenaReserve(uint32(atype))
		if err != nil {
			b.log("arena_select", "failed to reserve new arena: %v", err)
			return nil, err
		}
		return arena, nil

	case arenaSelReuse:
		node := b.freeHeap.popRoot()
		if node == nil {
			return nil, ErrNoSpace
		}

		arena, err := b.arenaLoad(node.arenaID)
		if err != nil {
			b.log("arena_select", "failed to load arena %d: %v", node.arenaID, err)
			return nil, err
		}
		return arena, nil
	}
}

// reserveAddr picks an arena and reserves space in it. Selectors are
// tried in order: the last used arena of the type, the root of the free
// heap, then a freshly reserved arena.
func (b *blob) reserveAddr(atype int, size uint64, arenaID *uint32, act *ReservAct) (uint64, error) {
	var arena *arena
	var err error

	id := b.arenaLast[atype]
	if arenaID != nil && *arenaID != ArenaAny {
		id = *arenaID
	}

	if id != ArenaAny {
		b.log("reserve", "loading arena=%d", id)
		arena, err = b.arenaLoad(id)
		if err != nil {
			b.log("reserve", "failed to load arena %d: %v", id, err)
			arena = nil // fall through and create a new one
		} else if arena.heapNode().inactive {
			b.log("reserve", "arena %d is full, create a new one", id)
			arena.decref()
			arena = nil
		} else {
			// remove it from the heap
			b.arenaRemoveFreeEntry(id)
		}
	}

	sel := arenaSelReuse
	for {
		if arena == nil {
			arena, err = b.arenaSelect(sel, atype)
			sel++
			if err != nil {
				if sel == arenaSelMax || !errIs(err, ErrNoSpace) {
					return 0, err
				}
				continue
			}

			// the free heap is shared by every arena type, so reuse may
			// hand out an arena of another type; put it back and fall
			// to the next selector
			if arena.atype != atype {
				node := arena.heapNode()
				if !node.inTree && !node.inactive {
					node.weight = arenaWeight(node)
					b.freeHeap.insert(node)
				}
				arena.decref()
				if sel == arenaSelMax {
					return 0, ErrNoSpace
				}
				arena = nil
				continue
			}
		}

		b.log("reserve", "reserve space in arena=%d", arena.id())
		var addr uint64
		addr, err = arena.reserveAddr(size, act)
		if err != nil {
			node := arena.heapNode()
			b.log("reserve", "failed to reserve size=%d from arena=%d (%v), grps=%d, sel=%d, active=%v, weight=%d, free=%d, frag=%d",
				size, arena.id(), err, arena.grpNr, sel,
				!node.inactive, node.weight, node.freeSize, node.fragSize)
			arena.decref()
			if sel == arenaSelMax || !errIs(err, ErrNoSpace) {
				return 0, err
			}

			arena = nil
			continue
		}

		// completed
		b.arenaLast[atype] = arena.id()
		if arenaID != nil {
			*arenaID = b.arenaLast[atype]
		}

		arena.decref()
		return addr, nil
	}
}
