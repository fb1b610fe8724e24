package admem

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/flier/admem/pkg/bits"
	"github.com/flier/admem/pkg/store"
	"github.com/flier/admem/pkg/xunsafe"
)

// Handle is an open blob handle.
type Handle struct {
	b *blob
}

// Create formats a blob over the given store: write the superblock,
// create the first arena, and write both to storage synchronously, no
// WAL involved. The reserved path [DummyBlob] creates an in-DRAM blob
// instead of a backing file.
func Create(path string, st store.Store) (Handle, error) {
	if st == nil {
		return Handle{}, fmt.Errorf("nil store: %w", ErrInvalid)
	}

	isDummy := path == DummyBlob
	if isDummy && dummyBlob != nil {
		return Handle{}, fmt.Errorf("dummy blob: %w", ErrExists)
	}

	b := &blob{
		store: st,
		path:  path,
		fd:    -1,
		ref:   1,
		dummy: isDummy,
		cap:   st.Size(),
	}

	if !isDummy {
		if err := b.fileOpen(path, true); err != nil {
			return Handle{}, fmt.Errorf("open %s: %w", path, err)
		}
	}
	b.pgsNr = uint32((b.cap + arenaSizeMask) >> arenaSizeBits)

	if err := b.init(); err != nil {
		b.decref()
		return Handle{}, err
	}

	bd := b.df
	bd.magic = BlobMagic
	bd.version = Version
	bd.size = b.size()
	bd.arenaSize = ArenaSize
	bd.incarnation = uint64(time.Now().UnixMicro())

	// register the predefined arena types, no reason to fail
	if err := b.registerArena(TypeDefault, grpSpecsDef, nil); err != nil {
		panic(err)
	}
	if err := b.registerArena(TypeLarge, grpSpecsLarge, nil); err != nil {
		panic(err)
	}

	// create arena 0; the superblock is stored in its first slices
	arena, err := b.arenaReserve(TypeDefault)
	if err != nil {
		b.decref()
		return Handle{}, err
	}
	if arena.id() != 0 {
		panic("first arena is not arena 0")
	}

	// NB: no transaction, arena 0 and the superblock go to storage
	// straight away
	if err = arena.txPublish(nil); err != nil {
		arena.decref()
		b.decref()
		return Handle{}, err
	}

	arena.unpub = false

	b.arenaLast[0] = bd.asp[0].lastUsed
	// arena 0 is published, clear the reserved bit
	bits.Clr(b.bmapRsv, int(arena.id()))

	hdr := b.mmap[:ArenaHdrSize+BlobHdrSize]
	err = st.Write(store.Region{Addr: addrOf(b, arena.df), Size: uint64(len(hdr))}, hdr)
	if err != nil {
		arena.decref()
		b.decref()
		return Handle{}, fmt.Errorf("write superblock: %w", err)
	}

	arena.decref()
	b.log("create", "blob created")
	b.setOpened()
	return Handle{b}, nil
}

// Open opens a formatted blob: validate the superblock, install a fresh
// incarnation so that every baked DRAM back-pointer is treated as stale,
// and index the allocated arenas in the free heap. Reopening the dummy
// blob while it is still open returns the same blob.
func Open(path string, st store.Store) (Handle, error) {
	isDummy := path == DummyBlob

	var b *blob
	if isDummy && dummyBlob != nil {
		b = dummyBlob
		b.log("open", "found dummy blob, refcount=%d", b.ref)
		b.addref()
	} else {
		b = &blob{
			store: st,
			path:  path,
			fd:    -1,
			ref:   1,
			dummy: isDummy,
			cap:   st.Size(),
		}
		if !isDummy {
			if err := b.fileOpen(path, false); err != nil {
				return Handle{}, fmt.Errorf("open %s: %w", path, err)
			}
		}
	}

	if b.opened > 0 {
		b.opened++
		return Handle{b}, nil
	}

	// read the superblock into a temporary buffer
	words := (unsafe.Sizeof(blobDF{}) + 7) / 8
	buf := make([]uint64, words)
	raw := unsafe.Slice(xunsafe.Cast[byte](&buf[0]), words*8)

	err := st.Read(store.Region{Addr: ArenaHdrSize, Size: uint64(unsafe.Sizeof(blobDF{}))}, raw)
	if err != nil {
		b.decref()
		return Handle{}, fmt.Errorf("read superblock: %w", err)
	}

	bd := xunsafe.Cast[blobDF](&raw[0])
	if bd.magic != BlobMagic || bd.version == 0 {
		b.decref()
		return Handle{}, fmt.Errorf("invalid superblock: magic=%x, version=%d: %w",
			bd.magic, bd.version, ErrProtocol)
	}

	b.cap = bd.size
	b.pgsNr = uint32((b.cap + arenaSizeMask) >> arenaSizeBits)

	if err = b.init(); err != nil {
		b.decref()
		return Handle{}, err
	}

	if err = b.load(); err != nil {
		b.decref()
		return Handle{}, err
	}

	b.setOpened()
	return Handle{b}, nil
}

// Close drops one opener. The last close evicts the unpublished
// reservations and unbinds every cached shadow.
func (h Handle) Close() error {
	h.b.close()
	h.b.decref()
	return nil
}

// Destroy tears down a blob; fails with [ErrBusy] while other openers
// remain.
func (h Handle) Destroy() error {
	if h.b.opened > 1 {
		return fmt.Errorf("blob is still in use, opened=%d: %w", h.b.opened, ErrBusy)
	}

	// TODO: remove the backing file
	h.b.close()
	h.b.decref()
	return nil
}

// Size returns the blob capacity in bytes.
func (h Handle) Size() uint64 { return h.b.size() }

// Base returns the mapped base of the blob.
func (h Handle) Base() *byte { return h.b.base() }

// Ptr converts a blob address to its mapped byte.
func (h Handle) Ptr(addr uint64) *byte { return h.b.ptr(addr) }

// Addr converts a mapped pointer back to its blob address.
func (h Handle) Addr(p *byte) uint64 { return addrOf(h.b, p) }

// Bytes returns the mapped view of [addr, addr+size).
func (h Handle) Bytes(addr, size uint64) []byte {
	return h.b.mmap[addr : addr+size]
}

// Root returns the application root object, up to [RootObjSize] bytes.
func (h Handle) Root(size uint64) []byte {
	if size == 0 || size > RootObjSize {
		panic(fmt.Sprintf("invalid root object size %d", size))
	}

	addr := blobAddr(h.b) + rootObjOff
	return h.b.mmap[addr : addr+size]
}

// ArenaRegister registers a custom arena type with its group specs, in a
// self-contained transaction. The predefined type ids are refused.
func ArenaRegister(h Handle, atype uint32, specs []GroupSpec) error {
	if atype == TypeDefault || atype == TypeLarge {
		return fmt.Errorf("cannot use internal type id %d: %w", atype, ErrNoPermission)
	}

	tx, err := Begin(h, nil)
	if err != nil {
		return err
	}

	err = h.b.registerArena(atype, specs, tx)
	return tx.End(err)
}
