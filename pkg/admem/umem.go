package admem

import (
	"fmt"
	"unsafe"
)

// AllocFlag adjusts the umem allocation and add operations.
type AllocFlag uint64

const (
	// FlagZero zeroes the allocated span after reservation.
	FlagZero AllocFlag = 1 << iota
	// FlagNoFlush is not supported by this allocator and is rejected.
	FlagNoFlush
	// XaddNoSnapshot suppresses the undo portion of a TxXadd.
	XaddNoSnapshot
)

// largeThreshold routes allocations above it to the large arena type.
const largeThreshold = 4096

// Umem is the allocator operations vtable consumed by the rest of the
// system. Every transactional operation applies to the calling
// goroutine's transaction.
type Umem struct {
	h Handle
}

// Ops returns the umem operations over the handle.
func Ops(h Handle) Umem { return Umem{h} }

func sizeType(size uint64) int {
	if size > largeThreshold {
		return TypeLarge
	}
	return TypeDefault
}

// TxBegin opens (or nests) a transaction with an optional stage callback.
func (u Umem) TxBegin(txd *StageData) error {
	_, err := Begin(u.h, txd)
	return err
}

// TxCommit completes the current transaction layer successfully.
func (u Umem) TxCommit() error {
	tx := Current()
	if tx == nil || tx.layer <= 0 {
		panic("commit without a transaction")
	}
	return tx.End(nil)
}

// TxAbort completes the current transaction layer with err.
func (u Umem) TxAbort(err error) error {
	tx := Current()
	if tx == nil || tx.layer <= 0 {
		panic("abort without a transaction")
	}
	return tx.abort(err)
}

// TxStage returns the stage of the calling goroutine's transaction.
func (u Umem) TxStage() Stage {
	// XXX may return StageNone with a transaction committing elsewhere
	return Current().Stage()
}

// TxAlloc allocates size bytes inside the current transaction; the arena
// type is picked from the size. Returns 0 when out of space.
func (u Umem) TxAlloc(size uint64, flags AllocFlag) uint64 {
	tx := Current()

	if flags&FlagNoFlush != 0 {
		u.h.b.log("tx_alloc", "no-flush allocations are not supported")
		return 0
	}

	off := u.h.Alloc(sizeType(size), size, nil)
	if off == 0 {
		return 0
	}

	if err := tx.rangeAdd(off, size, true); err != nil {
		u.h.b.log("tx_alloc", "range add failed: %v", err)
		if err = tx.Free(off); err != nil {
			u.h.b.log("tx_alloc", "free failed: %v", err)
		}
		return 0
	}

	if flags&FlagZero != 0 {
		clear(u.h.Bytes(off, size))
	}

	return off
}

// TxFree frees an offset inside the current transaction. A zero offset
// is tolerated, and the call is a no-op while the transaction is
// aborting.
func (u Umem) TxFree(off uint64) error {
	tx := Current()

	tx.rangeDel(off)

	// This free may run on an error cleanup path where the transaction
	// has already aborted; the caller may share that path with
	// non-transactional allocators, so just skip it here.
	if tx.Stage() == StageOnAbort {
		return nil
	}

	if off == 0 {
		return nil
	}
	return tx.Free(off)
}

func (u Umem) txAddInternal(tx *Tx, p *byte, size uint64, flags ActFlag) error {
	if tx.Stage() != StageWork {
		panic(fmt.Sprintf("tx add in stage %d", tx.Stage()))
	}

	if flags&ActRedo != 0 {
		if err := tx.rangeAdd(addrOf(u.h.b, p), size, false); err != nil {
			return err
		}
	}

	if flags&ActUndo != 0 {
		return tx.snap(unsafe.Pointer(p), size, ActUndo)
	}

	return nil
}

// TxAdd logs [off, off+size) for redo and undo: the range is copied into
// the undo log now, and one coalesced redo copy is emitted at commit.
func (u Umem) TxAdd(off, size uint64) error {
	return u.txAddInternal(Current(), u.h.Ptr(off), size, ActRedo|ActUndo)
}

// TxXadd is TxAdd with flags; XaddNoSnapshot suppresses the undo copy.
func (u Umem) TxXadd(off, size uint64, flags AllocFlag) error {
	if flags&FlagNoFlush != 0 {
		return fmt.Errorf("no-flush adds are not supported: %w", ErrInvalid)
	}

	af := ActRedo
	if flags&XaddNoSnapshot == 0 {
		af |= ActUndo
	}

	return u.txAddInternal(Current(), u.h.Ptr(off), size, af)
}

// TxAddPtr is TxAdd over a mapped pointer.
func (u Umem) TxAddPtr(p *byte, size uint64) error {
	return u.txAddInternal(Current(), p, size, ActRedo|ActUndo)
}

// Reserve reserves size bytes without touching durable state; the arena
// type is picked from the size. Returns 0 when out of space.
func (u Umem) Reserve(act *ReservAct, size uint64) uint64 {
	off, err := u.h.Reserve(sizeType(size), size, nil, act)
	if err != nil {
		u.h.b.log("reserve", "failed: %v", err)
		return 0
	}
	return off
}

// Cancel drops reservations.
func (u Umem) Cancel(acts ...*ReservAct) {
	Cancel(acts...)
}

// TxPublish publishes reservations in the current transaction and logs
// their ranges for redo.
func (u Umem) TxPublish(acts ...*ReservAct) error {
	tx := Current()
	if tx.Stage() != StageWork {
		panic(fmt.Sprintf("publish in stage %d", tx.Stage()))
	}

	if err := tx.Publish(acts...); err != nil {
		return err
	}

	for _, act := range acts {
		if err := tx.rangeAdd(act.Off, act.Size, true); err != nil {
			u.h.b.log("tx_publish", "range add failed: %v", err)
			return err
		}
	}

	return nil
}

// AtomicCopy copies src over the region at dest inside a self-contained
// transaction: undo snapshot, in-place copy, redo copy, commit.
func (u Umem) AtomicCopy(dest uint64, src []byte) error {
	if err := u.TxBegin(nil); err != nil {
		return err
	}
	tx := Current()

	if err := tx.Copy(dest, src, ActUndo); err != nil {
		return tx.abort(err)
	}

	copy(u.h.Bytes(dest, uint64(len(src))), src)

	if err := tx.Copy(dest, src, ActRedo); err != nil {
		return tx.abort(err)
	}

	return tx.Commit()
}

// AtomicAlloc allocates in a self-contained transaction.
func (u Umem) AtomicAlloc(size uint64) uint64 {
	if err := u.TxBegin(nil); err != nil {
		return 0
	}

	off := u.TxAlloc(size, 0)
	if err := Current().Commit(); err != nil {
		return 0
	}
	return off
}

// AtomicFree frees in a self-contained transaction.
func (u Umem) AtomicFree(off uint64) error {
	if err := u.TxBegin(nil); err != nil {
		return err
	}
	tx := Current()

	tx.rangeDel(off)

	if err := tx.Free(off); err != nil {
		return tx.abort(err)
	}

	return tx.Commit()
}
