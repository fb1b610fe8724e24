// Package xunsafe provides a more convenient interface for performing
// unsafe operations than Go's built-in package unsafe.
//
// The allocator uses it to view the durable records of the mapped image
// as typed structs, and to translate between mapped pointers and blob
// addresses.
package xunsafe

import "github.com/flier/admem/pkg/xunsafe/layout"

// Int is any integer type.
type Int = layout.Int
