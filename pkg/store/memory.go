package store

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/flier/admem/internal/debug"
	"github.com/flier/admem/pkg/xunsafe"
)

// Mem is an in-memory [Store]: a flat byte buffer with a counter for WAL
// ids and a WAL submit that applies the redo actions to the buffer. It
// backs dummy blobs in tests, standing in for a real meta-blob store.
type Mem struct {
	buf   []byte
	walID uint64

	// OnSubmit, if set, observes every committed transaction.
	OnSubmit func(Tx) error
}

var _ Store = (*Mem)(nil)

// NewMem returns an in-memory store of the given size.
func NewMem(size uint64) *Mem {
	return &Mem{buf: make([]byte, size)}
}

// Size returns the store capacity in bytes.
func (m *Mem) Size() uint64 { return uint64(len(m.buf)) }

func (m *Mem) check(r Region, buf []byte) error {
	if r.End() > uint64(len(m.buf)) || uint64(len(buf)) < r.Size {
		return fmt.Errorf("region [%d, %d) out of store (size %d, buf %d)",
			r.Addr, r.End(), len(m.buf), len(buf))
	}
	return nil
}

// Read reads one region into buf.
func (m *Mem) Read(r Region, buf []byte) error {
	if err := m.check(r, buf); err != nil {
		return err
	}

	copy(buf[:r.Size], m.buf[r.Addr:r.End()])
	debug.Log(nil, "read", "%d bytes at %d", r.Size, r.Addr)
	return nil
}

// Write writes one region synchronously.
func (m *Mem) Write(r Region, buf []byte) error {
	if err := m.check(r, buf); err != nil {
		return err
	}

	copy(m.buf[r.Addr:r.End()], buf[:r.Size])
	debug.Log(nil, "write", "%d bytes at %d", r.Size, r.Addr)
	return nil
}

// WalReserv allocates the next transaction id.
func (m *Mem) WalReserv() (uint64, error) {
	id := m.walID
	m.walID++
	return id, nil
}

// WalSubmit drains the redo iterator of tx and applies every action to
// the buffer, committing the transaction durably.
func (m *Mem) WalSubmit(tx Tx) error {
	debug.Log(nil, "wal_submit", "tx=%d acts=%d payload=%d", tx.ID(), tx.ActNr(), tx.PayloadLen())
	if m.OnSubmit != nil {
		if err := m.OnSubmit(tx); err != nil {
			return err
		}
	}

	for a := tx.ActFirst(); a != nil; a = tx.ActNext() {
		if err := m.apply(a); err != nil {
			return err
		}
	}
	return nil
}

// apply commits one redo action to the buffer. Bit positions follow the
// little-endian word layout of the durable bitmaps.
func (m *Mem) apply(a *Action) error {
	switch a.Kind {
	case ActNoop, ActCsum:
	case ActCopy:
		copy(m.buf[a.Addr:a.Addr+a.Size], a.Payload)
	case ActCopyPtr:
		src := unsafe.Slice(xunsafe.Addr[byte](a.Src).AssertValid(), a.Size)
		copy(m.buf[a.Addr:a.Addr+a.Size], src)
	case ActAssign:
		switch a.Size {
		case 1:
			m.buf[a.Addr] = byte(a.Val)
		case 2:
			binary.LittleEndian.PutUint16(m.buf[a.Addr:], uint16(a.Val))
		case 4:
			binary.LittleEndian.PutUint32(m.buf[a.Addr:], a.Val)
		default:
			return fmt.Errorf("assign of %d bytes", a.Size)
		}
	case ActMove:
		copy(m.buf[a.Addr:a.Addr+a.Size], m.buf[a.Src:a.Src+a.Size])
	case ActSet:
		region := m.buf[a.Addr : a.Addr+a.Size]
		for i := range region {
			region[i] = byte(a.Val)
		}
	case ActSetBits:
		for i := a.Pos; i < a.Pos+a.Num; i++ {
			m.buf[a.Addr+uint64(i>>3)] |= 1 << (i & 7)
		}
	case ActClrBits:
		for i := a.Pos; i < a.Pos+a.Num; i++ {
			m.buf[a.Addr+uint64(i>>3)] &^= 1 << (i & 7)
		}
	default:
		return fmt.Errorf("bad action %d", a.Kind)
	}
	return nil
}
