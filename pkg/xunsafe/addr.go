//go:build go1.23

package xunsafe

import (
	"unsafe"

	"github.com/flier/admem/pkg/xunsafe/layout"
)

// Addr is the address of a value of type T, stripped of its provenance.
//
// Unlike a true pointer, an Addr is not tracked by the garbage collector;
// something else must keep the referent alive for as long as the Addr may
// be converted back with [Addr.AssertValid].
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[P ~*E, E any](p P) Addr[E] {
	return Addr[E](uintptr(unsafe.Pointer(p)))
}

// AssertValid converts this address back into a pointer.
//
// The referent must still be alive, per the caveats on [Addr].
func (a Addr[T]) AssertValid() *T {
	//nolint:govet // uintptr round trip is the whole point of Addr.
	return (*T)(unsafe.Pointer(a)) //nolint:unsafeptr
}

// Add adds the given offset to a, scaled by the size of T.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// Sub computes the difference between two addresses, scaled by the size
// of T.
func (a Addr[T]) Sub(b Addr[T]) int {
	return (int(a) - int(b)) / layout.Size[T]()
}

// RoundUpTo rounds the address up to the given alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}
