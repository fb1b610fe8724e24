// Package bits provides bit-vector utilities over []uint64 words.
//
// The vectors back the durable bitmaps of the ad-hoc allocator (arena
// slices, group units), so all operations index bits across word
// boundaries: bit k lives in word k/64 at offset k%64.
package bits

import (
	mbits "math/bits"

	"github.com/flier/admem/pkg/opt"
)

// A Run is a range of clear bits located by [FindBits].
type Run struct {
	// At is the position of the first bit of the run.
	At int
	// Nr is the number of bits in the run.
	Nr int
}

// Set sets bit at.
func Set(bm []uint64, at int) { bm[at>>6] |= 1 << uint(at&63) }

// Clr clears bit at.
func Clr(bm []uint64, at int) { bm[at>>6] &^= 1 << uint(at&63) }

// IsSet returns true if bit at is set.
func IsSet(bm []uint64, at int) bool { return bm[at>>6]&(1<<uint(at&63)) != 0 }

// rangeMask calls fn once per word overlapping [at, at+nr) with the mask
// of the covered bits.
func rangeMask(at, nr int, fn func(w int, mask uint64)) {
	for nr > 0 {
		off := at & 63
		n := 64 - off
		if n > nr {
			n = nr
		}
		fn(at>>6, (^uint64(0)>>uint(64-n))<<uint(off))
		at += n
		nr -= n
	}
}

// SetRange sets nr bits starting from at.
func SetRange(bm []uint64, at, nr int) {
	rangeMask(at, nr, func(w int, mask uint64) { bm[w] |= mask })
}

// ClrRange clears nr bits starting from at.
func ClrRange(bm []uint64, at, nr int) {
	rangeMask(at, nr, func(w int, mask uint64) { bm[w] &^= mask })
}

// IsClrRange returns true if every bit in [at, at+nr) is clear.
func IsClrRange(bm []uint64, at, nr int) bool {
	clr := true
	rangeMask(at, nr, func(w int, mask uint64) { clr = clr && bm[w]&mask == 0 })
	return clr
}

// IsSetRange returns true if every bit in [at, at+nr) is set.
func IsSetRange(bm []uint64, at, nr int) bool {
	set := true
	rangeMask(at, nr, func(w int, mask uint64) { set = set && bm[w]&mask == mask })
	return set
}

// FindBits returns the longest run of bits clear in both used and
// reserved, capped at want bits. reserved may be nil. The scan starts at
// bit 0 and is word-parallel: per word it computes ^used & ^reserved,
// jumps to the first free bit with count-trailing-zeros, then walks the
// remaining bits keeping the longest run seen so far. On ties the
// earliest run wins.
//
// Returns None when no run of at least min bits exists.
func FindBits(used, reserved []uint64, min, want int) opt.Option[Run] {
	var (
		nr, nrSaved int
		at, atSaved = -1, -1
	)

	for i := range used {
		free := ^used[i]
		if reserved != nil {
			free &= ^reserved[i]
		}

		if free == 0 {
			if nr > nrSaved {
				nrSaved, atSaved = nr, at
			}
			nr, at = 0, -1
			continue
		}

		j := mbits.TrailingZeros64(free)
		if at >= 0 && j == 0 {
			// the run continues across the word boundary
			nr++
		} else {
			at = i*64 + j
			nr = 1
		}

		for j++; j < 64; j++ {
			if nr == want {
				goto out
			}

			if free&(1<<uint(j)) != 0 {
				if at < 0 {
					at = i*64 + j
				}
				nr++
				continue
			}

			if nr > nrSaved {
				nrSaved, atSaved = nr, at
			}
			nr, at = 0, -1
			if free>>uint(j) == 0 {
				break
			}
		}
		if nr == want {
			goto out
		}
	}
out:
	if nr == want || nr > nrSaved {
		nrSaved, atSaved = nr, at
	}

	if atSaved < 0 || nrSaved < min {
		return opt.None[Run]()
	}
	return opt.Some(Run{At: atSaved, Nr: nrSaved})
}
