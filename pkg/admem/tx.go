package admem

import (
	"container/list"
	"fmt"
	"unsafe"

	"github.com/timandy/routine"

	"github.com/flier/admem/internal/debug"
	"github.com/flier/admem/internal/xsync"
	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/store"
	"github.com/flier/admem/pkg/xunsafe"
)

// ActFlag selects how a typed transaction operation is logged.
type ActFlag uint32

const (
	// ActRedo logs the operation for redo.
	ActRedo ActFlag = 1 << iota
	// ActUndo logs the previous content for undo.
	ActUndo
	// ActLogOnly suppresses the in-place write; the caller has already
	// applied the mutation to the image.
	ActLogOnly
	// ActCopyRef makes a redo copy reference the caller's buffer instead
	// of snapshotting it. Only valid when the buffer is stable till
	// commit.
	ActCopyRef
)

// Stage of a transaction.
type Stage int32

const (
	// StageNone means no transaction is running.
	StageNone Stage = iota
	// StageWork is an open transaction accepting operations.
	StageWork
	// StageOnCommit is entered after a successful commit.
	StageOnCommit
	// StageOnAbort is entered after an abort or failed commit.
	StageOnAbort
)

// StageData carries a callback invoked at the stage transitions of the
// outermost transaction layer.
type StageData struct {
	Callback func(stage Stage, arg any)
	Arg      any
}

// act is one pooled redo/undo record.
type act struct {
	action store.Action
	// retained payload storage for pooled copy records
	buf []byte
}

// Per-goroutine action cache. Hot-path action allocation goes through
// three pools: generic records, copy records with a small payload, and
// transaction handles.
const (
	tlsActNum      = 64
	tlsActMax      = 512
	tlsTxNum       = 16
	tlsActCopyNum  = 64
	tlsActCopyMax  = 256
	tlsActCopySize = 512
)

type tlsCache struct {
	openNr int
	acts   []*act
	copies []*act
	txs    []*Tx
}

var (
	tlsCacheSlot = routine.NewThreadLocal[*tlsCache]()
	tlsTx        = routine.NewThreadLocal[*Tx]()
)

func cache() *tlsCache {
	c := tlsCacheSlot.Get()
	if c == nil {
		c = &tlsCache{}
		tlsCacheSlot.Set(c)
	}
	return c
}

func tlsCacheOpen() {
	c := cache()
	if c.openNr == 0 {
		for i := 0; i < tlsActNum; i++ {
			c.acts = append(c.acts, &act{})
		}
		for i := 0; i < tlsActCopyNum; i++ {
			c.copies = append(c.copies, &act{buf: make([]byte, tlsActCopySize)})
		}
		for i := 0; i < tlsTxNum; i++ {
			c.txs = append(c.txs, new(Tx))
		}
	}
	c.openNr++
}

func tlsCacheClose() {
	c := cache()
	c.openNr--
	if c.openNr == 0 {
		c.acts = nil
		c.copies = nil
		c.txs = nil
	}
}

func actGet(kind store.ActKind, size uint64) *act {
	c := cache()

	var a *act
	switch {
	case kind != store.ActCopy && len(c.acts) > 0:
		a, c.acts = c.acts[len(c.acts)-1], c.acts[:len(c.acts)-1]
	case kind == store.ActCopy && size <= tlsActCopySize && len(c.copies) > 0:
		a, c.copies = c.copies[len(c.copies)-1], c.copies[:len(c.copies)-1]
	default:
		a = &act{}
		if kind == store.ActCopy {
			a.buf = make([]byte, max(size, tlsActCopySize))
		}
	}

	buf := a.buf
	a.action = store.Action{Kind: kind}
	a.buf = buf
	return a
}

func actPut(a *act) {
	c := cache()

	switch {
	case a.action.Kind == store.ActCopy && uint64(cap(a.buf)) <= tlsActCopySize &&
		len(c.copies) < tlsActCopyMax:
		c.copies = append(c.copies, a)
	case a.action.Kind != store.ActCopy && len(c.acts) < tlsActMax:
		c.acts = append(c.acts, a)
	}
}

func txGet() *Tx {
	c := cache()
	if n := len(c.txs); n > 0 {
		tx := c.txs[n-1]
		c.txs = c.txs[:n-1]
		return tx
	}
	return new(Tx)
}

func txPut(tx *Tx) {
	*tx = Tx{}
	c := cache()
	if len(c.txs) < tlsTxNum {
		c.txs = append(c.txs, tx)
	}
}

// operate is one pending allocate/free/reset of a transaction.
type operate struct {
	at    int
	group *group
}

var operatePool = xsync.Pool[operate]{
	Reset: func(op *operate) { *op = operate{} },
}

// txRange is one coalesced tx-add range, turned into a single copy redo
// at commit.
type txRange struct {
	off   uint64
	size  uint64
	alloc bool
}

func (r *txRange) end() uint64 { return r.off + r.size }

func (r *txRange) canMerge(that *txRange) bool {
	return (r.off < that.end() && that.off < r.end()) ||
		r.off == that.end() || that.off == r.end()
}

// merge that into r
func (r *txRange) merge(that *txRange) {
	end := max(r.end(), that.end())
	r.off = min(r.off, that.off)
	r.size = end - r.off
}

// Tx is an open allocator transaction: a scoped container of redo/undo
// actions, pinned reservations, pending frees and coalesced add ranges.
// Transactions are re-entrant; nested begins only bump the layer.
type Tx struct {
	blob *blob
	id   uint64

	stage Stage
	// nesting depth, the outermost layer is 1
	layer   int
	lastErr error

	undo []*act
	redo []*act

	redoActNr      uint32
	redoPayloadLen uint32
	redoPos        int

	// outstanding publishes, pinned until completion
	arPub *list.List
	gpPub *list.List

	// in-flight frees, allocations and group resets
	frees   []*operate
	allocs  []*operate
	gpReset []*operate

	// tx-add ranges to redo at commit, ordered by offset
	ranges []*txRange

	// reset groups to return to their sorters once the undo replay has
	// restored their records
	resetReadd []*group

	stageData *StageData
}

var _ store.Tx = (*Tx)(nil)

func (tx *Tx) log(op, format string, args ...any) {
	debug.Log([]any{"tx %d/%d", tx.id, tx.layer}, op, format, args...)
}

// ID returns the WAL transaction id.
func (tx *Tx) ID() uint64 { return tx.id }

// ActNr returns the number of redo actions.
func (tx *Tx) ActNr() uint32 { return tx.redoActNr }

// PayloadLen returns the total payload bytes of the redo actions.
func (tx *Tx) PayloadLen() uint32 { return tx.redoPayloadLen }

// ActFirst resets the redo iterator and returns the first action.
func (tx *Tx) ActFirst() *store.Action {
	if len(tx.redo) == 0 {
		return nil
	}
	tx.redoPos = 0
	return &tx.redo[0].action
}

// ActNext returns the next redo action, nil when done.
func (tx *Tx) ActNext() *store.Action {
	if tx.redoPos+1 >= len(tx.redo) {
		return nil
	}
	tx.redoPos++
	return &tx.redo[tx.redoPos].action
}

// Stage returns the current transaction stage.
func (tx *Tx) Stage() Stage {
	if tx == nil {
		return StageNone
	}
	return tx.stage
}

func (tx *Tx) addAct(a *act, redo bool) {
	if redo {
		tx.log("act", "add act %s to redo", a.action.Kind)
		tx.redo = append(tx.redo, a)
		tx.redoActNr++

		switch a.action.Kind {
		case store.ActCopy, store.ActCopyPtr:
			tx.redoPayloadLen += uint32(a.action.Size)
		case store.ActMove:
			// the move source address is payload after the entry
			tx.redoPayloadLen += 8
		}
	} else {
		tx.log("act", "add act %s to undo", a.action.Kind)
		tx.undo = append(tx.undo, a)
	}
}

// Current returns the transaction of the calling goroutine, nil when
// none is open.
func Current() *Tx { return tlsTx.Get() }

// Begin opens a transaction on the blob, or enters the calling
// goroutine's transaction one layer deeper. A fresh transaction reserves
// its WAL id, which may yield.
func Begin(h Handle, txd *StageData) (*Tx, error) {
	b := h.b

	tx := tlsTx.Get()
	if tx == nil {
		tx = txGet()
		tx.init(b)

		id, err := b.store.WalReserv()
		if err != nil {
			b.decref() // drop the ref taken in init
			txPut(tx)
			return nil, fmt.Errorf("wal reserve: %w", err)
		}

		// possibly yielded in WalReserv, but the goroutine-local slot
		// must still be empty when we get back
		if tlsTx.Get() != nil {
			panic("transaction installed across wal reserve")
		}
		tx.stageData = txd
		tx.id = id
		tx.stage = StageWork
		tlsTx.Set(tx)
		tx.log("begin", "started")
		return tx, nil
	}

	if tx.stage != StageWork {
		panic(fmt.Sprintf("nested begin in stage %d", tx.stage))
	}

	tx.layer++
	if b != tx.blob {
		tx.log("begin", "nested tx for a different blob")
		_ = tx.abort(ErrInvalid)
		return nil, fmt.Errorf("nested tx for a different blob: %w", ErrInvalid)
	}
	if txd != nil {
		if tx.stageData == nil {
			tx.stageData = txd
		} else if txd != tx.stageData {
			tx.log("begin", "cannot install a different stage callback")
			_ = tx.abort(ErrCanceled)
			return nil, fmt.Errorf("conflicting stage callback: %w", ErrCanceled)
		}
	}
	tx.log("begin", "nested")
	return tx, nil
}

func (tx *Tx) init(b *blob) {
	b.addref()
	tx.blob = b
	tx.arPub = list.New()
	tx.gpPub = list.New()
	tx.layer = 1
	tx.stage = StageNone
	tx.lastErr = nil
}

// End completes one layer of the transaction. A nil err commits, any
// other value aborts; errors recorded by inner layers are sticky. Only
// the outermost End runs completion, submitting the redo log to the WAL
// (which may yield) or replaying the undo log on failure.
func (tx *Tx) End(err error) error {
	if err != nil {
		tx.lastErr = err
	}

	tx.layer--
	if tx.layer < 0 {
		panic("transaction layer underflow")
	}
	if tx.layer != 0 {
		return nil
	}

	// possibly yields below in finish() -> complete() -> WalSubmit
	tlsTx.Set(nil)

	rc := tx.finish(err)
	if rc == nil {
		tx.stage = StageOnCommit
	} else {
		tx.log("end", "completion failed: %v", rc)
		tx.lastErr = rc
		tx.stage = StageOnAbort
	}
	tx.callback()

	// this transaction is done, possibly with other WIP transactions
	tx.stage = StageNone
	tx.callback()

	rc = tx.lastErr
	txPut(tx)
	return rc
}

// Commit completes the current layer successfully.
func (tx *Tx) Commit() error { return tx.End(nil) }

// Abort completes the current layer with an error, forcing the outermost
// completion to undo.
func (tx *Tx) Abort(err error) error { return tx.abort(err) }

func (tx *Tx) abort(err error) error {
	if err == nil {
		err = ErrCanceled
	}
	return tx.End(err)
}

// fail records a sticky error on the transaction: the caller may keep
// issuing calls, but the commit is forced to abort.
func (tx *Tx) fail(err error) error {
	if tx != nil && err != nil && tx.lastErr == nil {
		tx.lastErr = err
	}
	return err
}

func (tx *Tx) callback() {
	if tx.stageData == nil || tx.stageData.Callback == nil || tx.layer != 0 {
		return
	}
	tx.stageData.Callback(tx.stage, tx.stageData.Arg)
}

// finish runs the outermost completion: range post-processing, WAL
// submission and reservation bookkeeping, then undo replay on failure.
func (tx *Tx) finish(err error) error {
	if err == nil {
		err = tx.lastErr
	}
	if err == nil {
		err = tx.rangePost()
	}

	rc := tx.complete(err)
	if rc != nil {
		tx.replayUndo()
	}

	for _, grp := range tx.resetReadd {
		grp.arena.addGrp(grp)
		grp.decref()
	}
	tx.resetReadd = nil

	for _, a := range tx.undo {
		actPut(a)
	}
	tx.undo = nil
	for _, a := range tx.redo {
		actPut(a)
	}
	tx.redo = nil
	tx.ranges = nil

	tx.blob.decref()
	return rc
}

// complete submits the redo log and resolves every pending reservation,
// free and reset of the transaction against the DRAM bookkeeping.
func (tx *Tx) complete(err error) error {
	b := tx.blob

	var rc error
	if err == nil && tx.redoActNr > 0 {
		rc = b.store.WalSubmit(tx)
	} else {
		rc = err
	}

	committed := rc == nil
	var reorder []*arena

	// publish outstanding arenas
	for e := tx.arPub.Front(); e != nil; e = tx.arPub.Front() {
		arena := e.Value.(*arena)
		arena.unlink()
		arena.publishing = false
		if !committed { // keep the refcount and pin it
			arena.linkTo(b.arsRsv, true)
			continue
		}
		bits.Clr(b.bmapRsv, int(arena.id()))
		if !arena.unpub {
			panic("publishing a published arena")
		}
		arena.unpub = false
		arena.decref()
	}

	// publish outstanding groups
	for e := tx.gpPub.Front(); e != nil; e = tx.gpPub.Front() {
		grp := e.Value.(*group)
		grp.unlink()
		grp.publishing = false
		if !committed { // keep the refcount and pin it
			grp.linkTo(b.gpsRsv, true)
			continue
		}
		grp.arena.trackChange(grp, arOpGrpCommit, &reorder)

		bits.ClrRange(grp.arena.spaceRsv[:], grp.bitAt, grp.bitNr)
		if !grp.unpub {
			panic("publishing a published group")
		}
		grp.unpub = false
		grp.decref()
	}

	// resolve all the allocations
	for _, oper := range tx.allocs {
		grp := oper.group
		if !committed { // revert the group weight change
			grp.refreshWeight(-1, grpOpRsvAbort)
		} else { // apply the arena weight change
			grp.arena.trackChange(grp, arOpRsvCommit, &reorder)
		}
		grp.decref()
		operatePool.Put(oper)
	}
	tx.allocs = nil

	// resolve all the frees
	for _, oper := range tx.frees {
		grp := oper.group
		// unlock the freed bit, future allocations may take it
		if !bits.IsSet(grp.bmapRsv[:], oper.at) {
			panic("pending free without a reserved bit")
		}
		bits.Clr(grp.bmapRsv[:], oper.at)

		if committed {
			grp.refreshWeight(-1, grpOpFreeCommit)
			grp.arena.trackChange(grp, arOpFreeCommit, &reorder)
		} else {
			grp.refreshWeight(-1, grpOpFreeAbort)
		}
		grp.decref()
		operatePool.Put(oper)
	}
	tx.frees = nil

	// resolve the group resets
	for _, oper := range tx.gpReset {
		grp := oper.group
		arena := grp.arena

		// unlock the bits, future groups may take them
		bits.ClrRange(arena.spaceRsv[:], grp.bitAt, grp.bitNr)
		bits.Clr(arena.gpidRsv[:], grp.index())
		arena.lastGrp = min(arena.lastGrp, grp.index())
		grp.reset = false
		if !committed {
			// returned to the sorters after the undo replay has
			// restored the record; the reference moves along
			tx.resetReadd = append(tx.resetReadd, grp)
		} else {
			arena.trackChange(grp, arOpGrpReset, &reorder)
			grp.decref()
		}
		operatePool.Put(oper)
	}
	tx.gpReset = nil

	reorderAll(reorder)
	return rc
}

// replayUndo applies the undo actions in reverse emission order against
// the mapped image.
func (tx *Tx) replayUndo() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.blob.actReplay(&tx.undo[i].action); err != nil {
			tx.log("undo", "failed to replay %s: %v", tx.undo[i].action.Kind, err)
			return
		}
	}
}

// actReplay applies one action directly to the mapped image.
func (b *blob) actReplay(a *store.Action) error {
	debug.Log(nil, "replay", "action=%s", a.Kind)

	var tx *Tx // apply directly, no logging
	switch a.Kind {
	case store.ActNoop, store.ActCsum:
		return nil
	case store.ActCopy:
		return tx.copy(unsafe.Pointer(b.ptr(a.Addr)), a.Payload, 0)
	case store.ActCopyPtr:
		src := unsafe.Slice(xunsafe.Addr[byte](a.Src).AssertValid(), a.Size)
		return tx.copy(unsafe.Pointer(b.ptr(a.Addr)), src, 0)
	case store.ActAssign:
		return tx.assignPtr(unsafe.Pointer(b.ptr(a.Addr)), a.Size, a.Val, 0)
	case store.ActMove:
		return tx.move(unsafe.Pointer(b.ptr(a.Addr)), unsafe.Pointer(b.ptr(a.Src)), a.Size)
	case store.ActSet:
		return tx.setPtr(unsafe.Pointer(b.ptr(a.Addr)), byte(a.Val), a.Size, 0)
	case store.ActSetBits:
		return tx.setBits(b.wordsAt(a.Addr, a.Pos+a.Num), a.Pos, uint16(a.Num))
	case store.ActClrBits:
		return tx.clrBits(b.wordsAt(a.Addr, a.Pos+a.Num), a.Pos, uint16(a.Num))
	default:
		return fmt.Errorf("bad action %d: %w", a.Kind, ErrInvalid)
	}
}

// wordsAt returns the word view of a bitmap at addr covering nbits.
func (b *blob) wordsAt(addr uint64, nbits uint32) []uint64 {
	words := (int(nbits) + 63) >> 6
	return unsafe.Slice(xunsafe.Cast[uint64](b.ptr(addr)), words)
}

// snap copies size bytes at p into either the redo or the undo log.
func (tx *Tx) snap(p unsafe.Pointer, size uint64, flags ActFlag) error {
	undo := flags&ActUndo != 0
	redo := flags&ActRedo != 0

	if undo == redo {
		return tx.fail(fmt.Errorf("snap flags %x: %w", flags, ErrInvalid))
	}

	if p == nil || size == 0 || size > store.ActPayloadMaxLen {
		return tx.fail(fmt.Errorf("snap %d bytes: %w", size, ErrInvalid))
	}

	if tx == nil { // noop
		return nil
	}

	a := actGet(store.ActCopy, size)
	a.action.Payload = a.buf[:size]
	copy(a.action.Payload, unsafe.Slice((*byte)(p), size))
	a.action.Addr = addrOf(tx.blob, (*byte)(p))
	a.action.Size = size
	tx.addAct(a, redo)
	return nil
}

// copy logs copying the buffer data to the region at p. With ActUndo the
// current content of p is captured instead; with ActCopyRef the redo
// references the caller's buffer. The image itself is only written for a
// nil transaction (replay).
func (tx *Tx) copy(p unsafe.Pointer, data []byte, flags ActFlag) error {
	size := uint64(len(data))
	if p == nil || size == 0 || size > store.ActPayloadMaxLen {
		return tx.fail(fmt.Errorf("copy %d bytes: %w", size, ErrInvalid))
	}

	if tx == nil {
		copy(unsafe.Slice((*byte)(p), size), data)
		return nil
	}

	if flags&ActUndo != 0 {
		a := actGet(store.ActCopy, size)
		a.action.Payload = a.buf[:size]
		copy(a.action.Payload, unsafe.Slice((*byte)(p), size))
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		tx.addAct(a, false)
		return nil
	}

	if flags&ActRedo == 0 {
		return tx.fail(fmt.Errorf("copy flags %x: %w", flags, ErrInvalid))
	}

	if flags&ActCopyRef != 0 {
		a := actGet(store.ActCopyPtr, size)
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Src = uint64(xunsafe.AddrOf(&data[0]))
		a.action.Size = size
		tx.addAct(a, true)
	} else {
		a := actGet(store.ActCopy, size)
		a.action.Payload = a.buf[:size]
		copy(a.action.Payload, data)
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		tx.addAct(a, true)
	}
	return nil
}

func getInteger(p unsafe.Pointer, size uint32) uint32 {
	switch size {
	default:
		panic("bad integer size")
	case 1:
		return uint32(*(*uint8)(p))
	case 2:
		return uint32(*(*uint16)(p))
	case 4:
		return *(*uint32)(p)
	}
}

func assignInteger(p unsafe.Pointer, size, val uint32) {
	switch size {
	default:
		panic("bad integer size")
	case 1:
		*(*uint8)(p) = uint8(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 4:
		*(*uint32)(p) = val
	}
}

// assignPtr assigns an integer of 1, 2 or 4 bytes at p, logging the old
// and new values as requested.
func (tx *Tx) assignPtr(p unsafe.Pointer, size uint64, val uint32, flags ActFlag) error {
	if p == nil || (size != 1 && size != 2 && size != 4) {
		return tx.fail(fmt.Errorf("assign %d bytes: %w", size, ErrInvalid))
	}

	if tx == nil {
		assignInteger(p, uint32(size), val)
		return nil
	}

	if flags&ActUndo != 0 {
		a := actGet(store.ActAssign, size)
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		a.action.Val = getInteger(p, uint32(size))
		tx.addAct(a, false)
	}

	if flags&ActLogOnly == 0 {
		assignInteger(p, uint32(size), val)
	}

	if flags&ActRedo != 0 {
		a := actGet(store.ActAssign, size)
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		a.action.Val = val
		tx.addAct(a, true)
	}
	return nil
}

// setPtr fills the region at p with byte c, logging the fill for redo
// and the previous content for undo as requested. With ActLogOnly only
// the operation is logged, for the reserve path where the image already
// holds the new content.
func (tx *Tx) setPtr(p unsafe.Pointer, c byte, size uint64, flags ActFlag) error {
	if p == nil || size == 0 || size > store.ActPayloadMaxLen {
		return tx.fail(fmt.Errorf("set %d bytes: %w", size, ErrInvalid))
	}

	if tx == nil {
		if flags&ActLogOnly == 0 {
			memset(p, c, size)
		}
		return nil
	}

	if flags&ActUndo != 0 {
		a := actGet(store.ActCopy, size)
		a.action.Payload = a.buf[:size]
		copy(a.action.Payload, unsafe.Slice((*byte)(p), size))
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		tx.addAct(a, false)
	}

	if flags&ActLogOnly == 0 {
		memset(p, c, size)
	}

	if flags&ActRedo != 0 {
		a := actGet(store.ActSet, size)
		a.action.Addr = addrOf(tx.blob, (*byte)(p))
		a.action.Size = size
		a.action.Val = uint32(c)
		tx.addAct(a, true)
	}
	return nil
}

func memset(p unsafe.Pointer, c byte, size uint64) {
	s := unsafe.Slice((*byte)(p), size)
	for i := range s {
		s[i] = c
	}
}

// move logs a region move for redo and the destination content for undo.
func (tx *Tx) move(dst, src unsafe.Pointer, size uint64) error {
	if dst == nil || src == nil || size == 0 || size > store.ActPayloadMaxLen {
		return tx.fail(fmt.Errorf("move %d bytes: %w", size, ErrInvalid))
	}

	if tx == nil {
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
		return nil
	}

	undo := actGet(store.ActCopy, size)
	undo.action.Payload = undo.buf[:size]
	copy(undo.action.Payload, unsafe.Slice((*byte)(dst), size))
	undo.action.Addr = addrOf(tx.blob, (*byte)(dst))
	undo.action.Size = size
	tx.addAct(undo, false)

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))

	redo := actGet(store.ActMove, size)
	redo.action.Addr = addrOf(tx.blob, (*byte)(dst))
	redo.action.Src = addrOf(tx.blob, (*byte)(src))
	redo.action.Size = size
	tx.addAct(redo, true)

	return nil
}

// setBits sets bits in a durable bitmap, logging the set for redo and
// the inverse for undo. The range must be entirely clear.
func (tx *Tx) setBits(bm []uint64, pos uint32, nbits uint16) error {
	if len(bm) == 0 {
		return tx.fail(fmt.Errorf("empty bitmap: %w", ErrInvalid))
	}

	// the undo is the inverse bit operation, so the range must be known
	// clear; a caller that cannot guarantee it needs a copy action
	if !bits.IsClrRange(bm, int(pos), int(nbits)) {
		return tx.fail(fmt.Errorf("bitmap already set in [%d, %d): %w", pos, pos+uint32(nbits), ErrInvalid))
	}

	if tx == nil {
		bits.SetRange(bm, int(pos), int(nbits))
		return nil
	}

	undo := actGet(store.ActClrBits, 0)
	undo.action.Addr = addrOf(tx.blob, &bm[0])
	undo.action.Pos = pos
	undo.action.Num = uint32(nbits)
	tx.addAct(undo, false)

	bits.SetRange(bm, int(pos), int(nbits))

	redo := actGet(store.ActSetBits, 0)
	redo.action.Addr = addrOf(tx.blob, &bm[0])
	redo.action.Pos = pos
	redo.action.Num = uint32(nbits)
	tx.addAct(redo, true)

	return nil
}

// clrBits clears bits in a durable bitmap; symmetric to setBits, the
// range must be entirely set.
func (tx *Tx) clrBits(bm []uint64, pos uint32, nbits uint16) error {
	if len(bm) == 0 {
		return tx.fail(fmt.Errorf("empty bitmap: %w", ErrInvalid))
	}

	if !bits.IsSetRange(bm, int(pos), int(nbits)) {
		return tx.fail(fmt.Errorf("bitmap already clear in [%d, %d): %w", pos, pos+uint32(nbits), ErrInvalid))
	}

	if tx == nil {
		bits.ClrRange(bm, int(pos), int(nbits))
		return nil
	}

	undo := actGet(store.ActSetBits, 0)
	undo.action.Addr = addrOf(tx.blob, &bm[0])
	undo.action.Pos = pos
	undo.action.Num = uint32(nbits)
	tx.addAct(undo, false)

	bits.ClrRange(bm, int(pos), int(nbits))

	redo := actGet(store.ActClrBits, 0)
	redo.action.Addr = addrOf(tx.blob, &bm[0])
	redo.action.Pos = pos
	redo.action.Num = uint32(nbits)
	tx.addAct(redo, true)

	return nil
}

// rangeAdd records one tx-add range, merged greedily with overlapping or
// adjacent non-alloc ranges and kept ordered by offset.
func (tx *Tx) rangeAdd(off, size uint64, alloc bool) error {
	r := &txRange{off: off, size: size, alloc: alloc}

	at := len(tx.ranges)
	for i, tmp := range tx.ranges {
		if !alloc && !tmp.alloc && tmp.canMerge(r) {
			tmp.merge(r)
			return nil
		}
		if off <= tmp.off {
			at = i
			break
		}
	}

	tx.ranges = append(tx.ranges, nil)
	copy(tx.ranges[at+1:], tx.ranges[at:])
	tx.ranges[at] = r
	return nil
}

// rangeDel drops a range again; only used for freshly allocated ranges
// freed within the same transaction.
func (tx *Tx) rangeDel(off uint64) {
	for i, tmp := range tx.ranges {
		if off < tmp.off {
			break
		}
		if off == tmp.off && tmp.alloc {
			tx.ranges = append(tx.ranges[:i], tx.ranges[i+1:]...)
			break
		}
	}
}

// rangePost turns every merged range into exactly one copy redo entry
// referencing the live image, so mutations between tx-add and commit are
// captured.
func (tx *Tx) rangePost() error {
	for i := 0; i < len(tx.ranges); i++ {
		cur := tx.ranges[i]

		if i+1 < len(tx.ranges) && tx.ranges[i+1].canMerge(cur) {
			tx.ranges[i+1].merge(cur)
			continue
		}

		err := tx.snap(unsafe.Pointer(tx.blob.ptr(cur.off)), cur.size, ActRedo)
		if err != nil {
			tx.log("range_post", "snap failed: %v", err)
			return err
		}
	}

	return nil
}

// Free frees the unit at addr. The free is durable but deferred: the
// unit stays reserved until commit, so it cannot be reused inside the
// same transaction.
func (tx *Tx) Free(addr uint64) error {
	b := tx.blob

	// the arena header is stored as the page header
	ad := xunsafe.Cast[arenaDF](b.ptr(addr &^ uint64(arenaSizeMask)))
	if ad.magic != arenaMagic {
		return fmt.Errorf("address %x in no arena: %w", addr, ErrNonExistent)
	}

	tx.log("free", "loading arena for free")
	arena, err := b.arenaLoad(ad.id)
	if err != nil {
		return err
	}
	defer arena.decref()

	return arena.txFreeAddr(addr, tx)
}

// Public typed operations over blob addresses.

// Snap copies the current content of [addr, addr+size) into the redo or
// undo log.
func (tx *Tx) Snap(addr, size uint64, flags ActFlag) error {
	return tx.snap(unsafe.Pointer(tx.blob.ptr(addr)), size, flags)
}

// Copy logs writing data at addr; see the flag semantics on [ActFlag].
func (tx *Tx) Copy(addr uint64, data []byte, flags ActFlag) error {
	return tx.copy(unsafe.Pointer(tx.blob.ptr(addr)), data, flags)
}

// Assign writes an integer of 1, 2 or 4 bytes at addr.
func (tx *Tx) Assign(addr, size uint64, val uint32, flags ActFlag) error {
	return tx.assignPtr(unsafe.Pointer(tx.blob.ptr(addr)), size, val, flags)
}

// Set fills [addr, addr+size) with byte c.
func (tx *Tx) Set(addr uint64, c byte, size uint64, flags ActFlag) error {
	return tx.setPtr(unsafe.Pointer(tx.blob.ptr(addr)), c, size, flags)
}

// Move copies [src, src+size) over [dst, dst+size) within the blob.
func (tx *Tx) Move(dst, src, size uint64) error {
	return tx.move(unsafe.Pointer(tx.blob.ptr(dst)), unsafe.Pointer(tx.blob.ptr(src)), size)
}

// SetBits sets nbits bits from bit pos of the bitmap at addr. The range
// must be entirely clear.
func (tx *Tx) SetBits(addr uint64, pos uint32, nbits uint16) error {
	return tx.setBits(tx.blob.wordsAt(addr, pos+uint32(nbits)), pos, nbits)
}

// ClrBits clears nbits bits from bit pos of the bitmap at addr. The
// range must be entirely set.
func (tx *Tx) ClrBits(addr uint64, pos uint32, nbits uint16) error {
	return tx.clrBits(tx.blob.wordsAt(addr, pos+uint32(nbits)), pos, nbits)
}
