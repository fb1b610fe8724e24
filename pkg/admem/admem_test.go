package admem

import (
	"errors"
	"math/rand"
	mbits "math/bits"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/admem/internal/debug"
	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/store"
)

const testBlobSize = 384 << 20

func newDummy() (Handle, *store.Mem, error) {
	st := store.NewMem(testBlobSize)
	h, err := Create(DummyBlob, st)
	return h, st, err
}

// popBits counts the set bits among the first n bits of bm.
func popBits(bm []uint64, n int) int {
	total := 0
	for i := 0; n > 0; i++ {
		w := bm[i]
		if n < 64 {
			w &= 1<<uint(n) - 1
		}
		total += mbits.OnesCount64(w)
		n -= 64
	}
	return total
}

// usedUnits walks every published arena and counts the used units of its
// groups.
func usedUnits(b *blob) int {
	total := 0
	for i := uint32(0); i < b.pgsNr; i++ {
		if !bits.IsSet(b.df.bmap(b.bmapSize()), int(i)) {
			continue
		}
		ad := b.arenaDFAt(i)
		for g := 0; g < arenaGrpMax; g++ {
			gd := &ad.groups[g]
			if gd.addr == 0 {
				continue
			}
			total += popBits(gd.bmap[:], int(gd.unitNr))
		}
	}
	return total
}

// checkArena loads one arena and validates the sorter and bitmap
// invariants of its groups.
func checkArena(b *blob, id uint32) {
	arena, err := b.arenaLoad(id)
	So(err, ShouldBeNil)
	defer arena.decref()

	ad := arena.df
	records := 0
	for g := 0; g < arenaGrpMax; g++ {
		if ad.groups[g].addr != 0 {
			records++
		}
	}
	So(arena.grpNr, ShouldEqual, records)

	covered := 0
	for i := 0; i < arena.grpNr; i++ {
		gd := arena.addrSorter[i]

		// no two groups overlap, and every slice of a group is marked
		bitAt := int((gd.addr - ad.addr) >> grpSizeShift)
		So(bits.IsSetRange(ad.bmap[:], bitAt, gd.bits()), ShouldBeTrue)
		covered += gd.bits()

		if i > 0 {
			prev := arena.addrSorter[i-1]
			So(prev.addr, ShouldBeLessThan, gd.addr)
			So(prev.addr+uint64(prev.unitNr)*uint64(prev.unit), ShouldBeLessThanOrEqualTo, gd.addr)
		}

		// unit accounting
		used := popBits(gd.bmap[:], int(gd.unitNr))
		So(used+int(gd.unitFree), ShouldEqual, int(gd.unitNr))
		if grp := b.groupOf(gd); grp != nil {
			So(int(gd.unitFree), ShouldBeGreaterThanOrEqualTo, grp.unitRsv)
		}
	}

	hdr := 2
	if id == 0 {
		hdr = 4
	}
	So(covered+hdr, ShouldEqual, popBits(ad.bmap[:], 512))

	for i := 1; i < arena.grpNr; i++ {
		So(groupSizeLess(b, arena.sizeSorter[i], arena.sizeSorter[i-1]), ShouldBeFalse)
	}
}

// checkHeap validates that the heap root dominates the in-tree weights.
func checkHeap(b *blob) {
	if len(b.freeHeap) == 0 {
		return
	}
	root := b.freeHeap[0]
	for _, node := range b.freeHeap {
		So(node.inTree, ShouldBeTrue)
		So(root.weight, ShouldBeGreaterThanOrEqualTo, node.weight)
	}
}

func TestCreateOpenClose(t *testing.T) {
	Convey("Given a fresh dummy blob", t, func() {
		h, st, err := newDummy()
		So(err, ShouldBeNil)

		Convey("Creating it twice fails", func() {
			_, err := Create(DummyBlob, st)
			So(errIs(err, ErrExists), ShouldBeTrue)
		})

		Convey("The superblock is formatted", func() {
			So(h.b.df.magic, ShouldEqual, uint32(BlobMagic))
			So(h.b.df.version, ShouldEqual, uint32(Version))
			So(h.b.df.size, ShouldEqual, uint64(testBlobSize))
			So(h.b.df.arenaSize, ShouldEqual, uint64(ArenaSize))
			So(h.Size(), ShouldEqual, uint64(testBlobSize))
		})

		Convey("The root object is usable", func() {
			root := h.Root(RootObjSize)
			So(len(root), ShouldEqual, RootObjSize)
			So(h.Addr(&root[0]), ShouldEqual, uint64(rootObjOff))
		})

		Convey("Address translation round-trips", func() {
			for _, addr := range []uint64{0, 1, ArenaHdrSize, ArenaSize + 12345, testBlobSize - 1} {
				So(h.Addr(h.Ptr(addr)), ShouldEqual, addr)
			}
			So(h.Ptr(0), ShouldEqual, h.Base())
		})

		Convey("Reopening while open shares the blob", func() {
			h2, err := Open(DummyBlob, st)
			So(err, ShouldBeNil)
			So(h2.b, ShouldEqual, h.b)
			So(h2.b.opened, ShouldEqual, 2)

			So(h.Destroy(), ShouldNotBeNil) // still busy
			So(h2.Close(), ShouldBeNil)
		})

		Reset(func() {
			_ = h.Destroy()
		})
	})
}

func TestUndoRestoresWrites(t *testing.T) {
	defer debug.WithTesting(t)()

	Convey("Given a reserved span", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		var act ReservAct
		addr, err := h.Reserve(TypeDefault, 64, nil, &act)
		So(err, ShouldBeNil)
		So(addr, ShouldNotEqual, 0)

		span := h.Bytes(addr, 72)
		for i := range span {
			span[i] = 0x11
		}

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)

		So(tx.Set(addr, 0, 1, ActUndo), ShouldBeNil)
		So(span[0], ShouldEqual, 0)

		So(tx.Assign(addr+2, 2, 0xcafe, ActUndo), ShouldBeNil)
		So(span[2], ShouldEqual, 0xfe)
		So(span[3], ShouldEqual, 0xca)

		for i := 8; i < 72; i++ {
			span[i] = 0x5a
		}
		So(tx.Snap(addr+8, 64, ActUndo), ShouldBeNil)
		for i := 8; i < 72; i++ {
			span[i] = 0xff
		}

		So(tx.End(errBoom), ShouldEqual, errBoom)

		Convey("The abort replays the undo log bottom-up", func() {
			for i := 0; i < 8; i++ {
				So(span[i], ShouldEqual, 0x11)
			}
			for i := 8; i < 72; i++ {
				So(span[i], ShouldEqual, 0x5a)
			}
		})

		Cancel(&act)
	})
}

func TestReserveCancelDeterministic(t *testing.T) {
	Convey("Reserve then cancel places the next reserve at the same address", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		var act ReservAct
		addr1, err := h.Reserve(TypeDefault, 128, nil, &act)
		So(err, ShouldBeNil)
		Cancel(&act)

		addr2, err := h.Reserve(TypeDefault, 128, nil, &act)
		So(err, ShouldBeNil)
		So(addr2, ShouldEqual, addr1)
		Cancel(&act)
	})
}

func TestReservePublishAtScale(t *testing.T) {
	Convey("Mixed reserve and cancel, then publish in one transaction", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		var acts []*ReservAct
		for i := 1; i <= 1024; i++ {
			act := new(ReservAct)
			addr, err := h.Reserve(TypeDefault, 64, nil, act)
			So(err, ShouldBeNil)
			So(addr, ShouldNotEqual, 0)

			if i%3 == 0 {
				Cancel(act)
			} else {
				acts = append(acts, act)
			}
		}
		So(len(acts), ShouldEqual, 683)

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)
		So(tx.Publish(acts...), ShouldBeNil)
		So(tx.Commit(), ShouldBeNil)

		So(usedUnits(h.b), ShouldEqual, 683)
		checkArena(h.b, 0)
		checkHeap(h.b)
	})
}

func TestCrossArenaAllocation(t *testing.T) {
	Convey("Six thousand 4K allocations span several arenas", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		arenas := map[uint64]struct{}{}
		for i := 0; i < 6*1024; i++ {
			off := h.Alloc(TypeDefault, 4096, nil)
			So(off, ShouldNotEqual, 0)
			arenas[off>>arenaSizeBits] = struct{}{}
		}

		So(len(arenas), ShouldBeGreaterThanOrEqualTo, 2)
		So(h.b.arenaLast[TypeDefault], ShouldBeGreaterThan, 0)

		for id := range arenas {
			checkArena(h.b, uint32(id))
		}
		checkHeap(h.b)
	})
}

func TestFreeAndReallocate(t *testing.T) {
	Convey("Freeing in random order inside one transaction frees the space", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		const count = 1024

		addrs := make([]uint64, count)
		for i := range addrs {
			addrs[i] = h.Alloc(TypeDefault, 96, nil)
			So(addrs[i], ShouldNotEqual, 0)
		}

		rng := rand.New(rand.NewSource(42))
		rng.Shuffle(count, func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)
		for _, addr := range addrs {
			So(tx.Free(addr), ShouldBeNil)
		}
		So(tx.Commit(), ShouldBeNil)

		for i := range addrs {
			addr := h.Alloc(TypeDefault, 96, nil)
			So(addr, ShouldNotEqual, 0)
			addrs[i] = addr
		}
		checkHeap(h.b)
	})
}

func TestFreeRestoresArenaSize(t *testing.T) {
	Convey("Reserve, publish, commit, free, commit round-trips the free size", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		// settle arena 0 with a first allocation so the group exists
		So(h.Alloc(TypeDefault, 256, nil), ShouldNotEqual, 0)
		before := h.b.mhNodes[0].freeSize

		addr := h.Alloc(TypeDefault, 256, nil)
		So(addr, ShouldNotEqual, 0)
		So(h.b.mhNodes[0].freeSize, ShouldEqual, before-256)

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)
		So(tx.Free(addr), ShouldBeNil)
		So(tx.Commit(), ShouldBeNil)

		So(h.b.mhNodes[0].freeSize, ShouldEqual, before)
	})
}

func TestNoSpaceOnExhaustion(t *testing.T) {
	defer debug.WithTesting(t)()

	if testing.Short() {
		t.Skip("exhausts a 384 MiB blob")
	}

	Convey("Exhaust with 4K units, free all, refill with 512B units", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		addrs := make([]uint64, 0, testBlobSize/4096)
		for {
			off := h.Alloc(TypeDefault, 4096, nil)
			if off == 0 {
				break
			}
			addrs = append(addrs, off)
		}
		count1 := len(addrs)
		So(count1, ShouldBeGreaterThan, 0)

		rng := rand.New(rand.NewSource(7))
		rng.Shuffle(count1, func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)
		for _, addr := range addrs {
			So(tx.Free(addr), ShouldBeNil)
		}
		So(tx.Commit(), ShouldBeNil)

		count2 := 0
		for {
			off := h.Alloc(TypeDefault, 512, nil)
			if off == 0 {
				break
			}
			count2++
		}

		So(count2, ShouldBeGreaterThanOrEqualTo, count1*(4096/512))
	})
}

func TestReopen(t *testing.T) {
	Convey("Reopening a blob reproduces every arena header", t, func() {
		h, st, err := newDummy()
		So(err, ShouldBeNil)

		for i := 0; i < 300; i++ {
			So(h.Alloc(TypeDefault, 64, nil), ShouldNotEqual, 0)
		}
		for i := 0; i < 10; i++ {
			So(h.Alloc(TypeLarge, 64<<10, nil), ShouldNotEqual, 0)
		}
		victim := h.Alloc(TypeDefault, 1024, nil)
		So(victim, ShouldNotEqual, 0)

		tx, err := Begin(h, nil)
		So(err, ShouldBeNil)
		So(tx.Free(victim), ShouldBeNil)
		So(tx.Commit(), ShouldBeNil)

		type groupState struct {
			addr     uint64
			unit     int32
			unitNr   int32
			unitFree int32
			bmap     [grpUnitBmSz]uint64
		}
		type arenaState struct {
			bmap   [arenaGrpBmSz]uint64
			groups []groupState
		}

		snapshot := func(b *blob) map[uint32]arenaState {
			out := map[uint32]arenaState{}
			for i := uint32(0); i < b.pgsNr; i++ {
				if !bits.IsSet(b.df.bmap(b.bmapSize()), int(i)) {
					continue
				}
				ad := b.arenaDFAt(i)
				state := arenaState{bmap: ad.bmap}
				for g := 0; g < arenaGrpMax; g++ {
					gd := &ad.groups[g]
					state.groups = append(state.groups, groupState{
						addr:     gd.addr,
						unit:     gd.unit,
						unitNr:   gd.unitNr,
						unitFree: gd.unitFree,
						bmap:     gd.bmap,
					})
				}
				out[i] = state
			}
			return out
		}

		before := snapshot(h.b)
		So(h.Close(), ShouldBeNil)

		h, err = Open(DummyBlob, st)
		So(err, ShouldBeNil)
		defer h.Destroy()

		after := snapshot(h.b)
		So(after, ShouldResemble, before)

		Convey("And the reloaded blob still allocates", func() {
			So(h.Alloc(TypeDefault, 64, nil), ShouldNotEqual, 0)
			checkHeap(h.b)
		})
	})
}

func TestBoundaries(t *testing.T) {
	Convey("Given a dummy blob", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		Convey("A size with no matching spec is invalid", func() {
			var act ReservAct
			_, err := h.Reserve(TypeDefault, 8<<10, nil, &act)
			So(errIs(err, ErrInvalid), ShouldBeTrue)
		})

		Convey("A zero-spec arena type does not exist", func() {
			var act ReservAct
			_, err := h.Reserve(TypeBase, 64, nil, &act)
			So(errIs(err, ErrNonExistent), ShouldBeTrue)
		})

		Convey("A bad explicit arena id falls back to the policy", func() {
			var act ReservAct
			id := uint32(10000) // beyond the blob
			addr, err := h.Reserve(TypeDefault, 64, &id, &act)
			So(err, ShouldBeNil)
			So(addr, ShouldNotEqual, 0)
			So(id, ShouldBeLessThan, h.b.pgsNr)
			Cancel(&act)

			id = 5 // unallocated
			addr, err = h.Reserve(TypeDefault, 64, &id, &act)
			So(err, ShouldBeNil)
			So(addr, ShouldNotEqual, 0)
			So(id, ShouldNotEqual, 5)
			Cancel(&act)
		})

		Convey("Registering a custom type works once", func() {
			specs := []GroupSpec{{Unit: 512, Count: 64}, {Unit: 8192, Count: 32}}
			So(ArenaRegister(h, TypeBase, specs), ShouldBeNil)
			So(errIs(ArenaRegister(h, TypeBase, specs), ErrExists), ShouldBeTrue)
			So(errIs(ArenaRegister(h, TypeDefault, specs), ErrNoPermission), ShouldBeTrue)
			So(errIs(ArenaRegister(h, TypeLarge, specs), ErrNoPermission), ShouldBeTrue)

			off := h.Alloc(TypeBase, 8192, nil)
			So(off, ShouldNotEqual, 0)
			So(off>>arenaSizeBits, ShouldBeGreaterThan, 0) // not arena 0
		})
	})
}

var errBoom = errors.New("boom")
