package admem

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/admem/pkg/store"
)

// readStore fetches committed bytes back from the backing store.
func readStore(st *store.Mem, addr, size uint64) []byte {
	buf := make([]byte, size)
	So(st.Read(store.Region{Addr: addr, Size: size}, buf), ShouldBeNil)
	return buf
}

func TestTxAdd(t *testing.T) {
	Convey("Given an allocated span", t, func() {
		h, st, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		u := Ops(h)
		off := h.Alloc(TypeDefault, 128, nil)
		So(off, ShouldNotEqual, 0)
		span := h.Bytes(off, 128)

		Convey("Mutations between add and commit are captured", func() {
			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxAdd(off, 128), ShouldBeNil)

			for i := range span {
				span[i] = byte(i)
			}
			So(u.TxCommit(), ShouldBeNil)

			committed := readStore(st, off, 128)
			for i := range committed {
				So(committed[i], ShouldEqual, byte(i))
			}
		})

		Convey("The undo copy restores the span on abort", func() {
			for i := range span {
				span[i] = 0x33
			}

			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxAdd(off, 128), ShouldBeNil)
			for i := range span {
				span[i] = 0x44
			}
			So(u.TxAbort(errBoom), ShouldEqual, errBoom)

			for i := range span {
				So(span[i], ShouldEqual, 0x33)
			}
		})

		Convey("XaddNoSnapshot suppresses the undo copy", func() {
			for i := range span {
				span[i] = 0x33
			}

			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxXadd(off, 128, XaddNoSnapshot), ShouldBeNil)
			for i := range span {
				span[i] = 0x44
			}
			So(u.TxAbort(errBoom), ShouldEqual, errBoom)

			for i := range span {
				So(span[i], ShouldEqual, 0x44)
			}
		})

		Convey("Adjacent adds coalesce into one redo range", func() {
			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxAdd(off, 16), ShouldBeNil)
			So(u.TxAdd(off+16, 16), ShouldBeNil)
			So(u.TxAdd(off+64, 8), ShouldBeNil)

			tx := Current()
			So(len(tx.ranges), ShouldEqual, 2)
			So(tx.ranges[0].off, ShouldEqual, off)
			So(tx.ranges[0].size, ShouldEqual, 32)
			So(u.TxCommit(), ShouldBeNil)
		})

		Convey("No-flush adds are rejected", func() {
			So(u.TxBegin(nil), ShouldBeNil)
			err := u.TxXadd(off, 16, FlagNoFlush)
			So(errIs(err, ErrInvalid), ShouldBeTrue)
			So(u.TxCommit(), ShouldBeNil)
		})
	})
}

func TestTxTypedActions(t *testing.T) {
	Convey("Given an allocated span", t, func() {
		h, st, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		off := h.Alloc(TypeDefault, 256, nil)
		So(off, ShouldNotEqual, 0)
		span := h.Bytes(off, 256)

		Convey("Assign writes the integer in place and a bad size is sticky", func() {
			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)

			So(tx.Assign(off, 1, 0xaa, ActRedo|ActUndo), ShouldBeNil)
			So(tx.Assign(off+4, 2, 0xbbcc, ActRedo|ActUndo), ShouldBeNil)
			So(tx.Assign(off+8, 4, 0xdeadbeef, ActRedo|ActUndo), ShouldBeNil)
			So(errIs(tx.Assign(off, 3, 1, ActRedo), ErrInvalid), ShouldBeTrue)

			So(span[0], ShouldEqual, 0xaa)
			So(tx.Commit(), ShouldNotBeNil) // the size-3 assign is sticky
		})

		Convey("A sticky error aborts the commit and undoes the writes", func() {
			span[0] = 0x77
			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)

			So(tx.Assign(off, 1, 0x99, ActRedo|ActUndo), ShouldBeNil)
			So(errIs(tx.Assign(off, 0, 0, ActRedo), ErrInvalid), ShouldBeTrue)
			So(tx.End(tx.lastErr), ShouldNotBeNil)

			So(span[0], ShouldEqual, 0x77)
		})

		Convey("Set fills and Move shifts a region", func() {
			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)

			So(tx.Set(off, 0x5a, 16, ActRedo|ActUndo), ShouldBeNil)
			So(tx.Move(off+32, off, 16), ShouldBeNil)
			So(tx.Commit(), ShouldBeNil)

			for i := 0; i < 16; i++ {
				So(span[i], ShouldEqual, 0x5a)
				So(span[32+i], ShouldEqual, 0x5a)
			}

			committed := readStore(st, off+32, 16)
			for i := range committed {
				So(committed[i], ShouldEqual, 0x5a)
			}
		})

		Convey("Copy with a referenced buffer is captured at commit", func() {
			buf := make([]byte, 32)
			for i := range buf {
				buf[i] = 0xe1
			}

			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)
			So(tx.Copy(off+64, buf, ActRedo|ActCopyRef), ShouldBeNil)
			So(tx.Commit(), ShouldBeNil)

			committed := readStore(st, off+64, 32)
			for i := range committed {
				So(committed[i], ShouldEqual, 0xe1)
			}
		})

		Convey("Bit operations require the inverse state", func() {
			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)

			So(tx.SetBits(off+128, 3, 4), ShouldBeNil)
			So(errIs(tx.SetBits(off+128, 5, 2), ErrInvalid), ShouldBeTrue)
			So(errIs(tx.ClrBits(off+128, 0, 2), ErrInvalid), ShouldBeTrue)
			So(tx.ClrBits(off+128, 3, 4), ShouldBeNil)

			// the failed operations are sticky
			So(tx.Commit(), ShouldNotBeNil)
		})

		Convey("Snap rejects empty, oversized and doubly flagged regions", func() {
			tx, err := Begin(h, nil)
			So(err, ShouldBeNil)

			So(errIs(tx.Snap(off, 0, ActUndo), ErrInvalid), ShouldBeTrue)
			So(errIs(tx.Snap(off, store.ActPayloadMaxLen+1, ActUndo), ErrInvalid), ShouldBeTrue)
			So(errIs(tx.Snap(off, 16, ActUndo|ActRedo), ErrInvalid), ShouldBeTrue)
			So(tx.End(ErrCanceled), ShouldNotBeNil)
		})
	})
}

func TestTxNesting(t *testing.T) {
	Convey("Given a dummy blob", t, func() {
		h, _, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		Convey("Nested begins only bump the layer", func() {
			outer, err := Begin(h, nil)
			So(err, ShouldBeNil)
			So(outer.layer, ShouldEqual, 1)

			inner, err := Begin(h, nil)
			So(err, ShouldBeNil)
			So(inner, ShouldEqual, outer)
			So(inner.layer, ShouldEqual, 2)

			So(inner.End(nil), ShouldBeNil)
			So(Current(), ShouldEqual, outer)
			So(outer.End(nil), ShouldBeNil)
			So(Current(), ShouldBeNil)
		})

		Convey("An inner error is sticky for the outer commit", func() {
			off := h.Alloc(TypeDefault, 64, nil)
			So(off, ShouldNotEqual, 0)
			span := h.Bytes(off, 8)
			span[0] = 0x10

			outer, err := Begin(h, nil)
			So(err, ShouldBeNil)
			So(outer.Set(off, 0x20, 1, ActRedo|ActUndo), ShouldBeNil)

			inner, err := Begin(h, nil)
			So(err, ShouldBeNil)
			So(inner.End(errBoom), ShouldBeNil) // the inner layer only records it

			So(outer.End(nil), ShouldEqual, errBoom)
			So(span[0], ShouldEqual, 0x10)
		})

		Convey("The stage callback sees the transitions", func() {
			var stages []Stage
			txd := &StageData{
				Callback: func(stage Stage, arg any) {
					So(arg, ShouldEqual, "txd")
					stages = append(stages, stage)
				},
				Arg: "txd",
			}

			tx, err := Begin(h, txd)
			So(err, ShouldBeNil)
			So(tx.Commit(), ShouldBeNil)
			So(stages, ShouldResemble, []Stage{StageOnCommit, StageNone})

			stages = nil
			tx, err = Begin(h, txd)
			So(err, ShouldBeNil)
			So(tx.Abort(nil), ShouldEqual, ErrCanceled)
			So(stages, ShouldResemble, []Stage{StageOnAbort, StageNone})
		})
	})
}

func TestUmemOps(t *testing.T) {
	Convey("Given the umem vtable", t, func() {
		h, st, err := newDummy()
		So(err, ShouldBeNil)
		defer h.Destroy()

		u := Ops(h)

		Convey("TxAlloc zeroes on request and routes large sizes", func() {
			So(u.TxBegin(nil), ShouldBeNil)

			off := u.TxAlloc(100, FlagZero)
			So(off, ShouldNotEqual, 0)
			for _, c := range h.Bytes(off, 100) {
				So(c, ShouldEqual, 0)
			}

			large := u.TxAlloc(16<<10, 0)
			So(large, ShouldNotEqual, 0)
			So(large>>arenaSizeBits, ShouldNotEqual, off>>arenaSizeBits)

			So(u.TxCommit(), ShouldBeNil)
		})

		Convey("TxFree tolerates a zero offset", func() {
			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxFree(0), ShouldBeNil)
			So(u.TxCommit(), ShouldBeNil)
		})

		Convey("Reserve, publish and cancel round-trip", func() {
			var acts [2]ReservAct
			off0 := u.Reserve(&acts[0], 64)
			So(off0, ShouldNotEqual, 0)
			off1 := u.Reserve(&acts[1], 64)
			So(off1, ShouldNotEqual, off0)

			u.Cancel(&acts[1])

			So(u.TxBegin(nil), ShouldBeNil)
			So(u.TxPublish(&acts[0]), ShouldBeNil)
			So(u.TxCommit(), ShouldBeNil)

			So(usedUnits(h.b), ShouldEqual, 1)
		})

		Convey("AtomicCopy commits in one call", func() {
			off := u.AtomicAlloc(64)
			So(off, ShouldNotEqual, 0)

			data := []byte("persistent metadata record")
			So(u.AtomicCopy(off, data), ShouldBeNil)
			So(string(h.Bytes(off, uint64(len(data)))), ShouldEqual, string(data))
			So(string(readStore(st, off, uint64(len(data)))), ShouldEqual, string(data))

			So(u.AtomicFree(off), ShouldBeNil)
		})
	})
}
