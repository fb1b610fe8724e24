package bits_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flier/admem/pkg/bits"
)

func TestSetClr(t *testing.T) {
	bm := make([]uint64, 2)

	bits.Set(bm, 0)
	bits.Set(bm, 63)
	bits.Set(bm, 64)
	require.True(t, bits.IsSet(bm, 0))
	require.True(t, bits.IsSet(bm, 63))
	require.True(t, bits.IsSet(bm, 64))
	require.False(t, bits.IsSet(bm, 1))
	require.Equal(t, uint64(1)|uint64(1)<<63, bm[0])
	require.Equal(t, uint64(1), bm[1])

	bits.Clr(bm, 63)
	require.False(t, bits.IsSet(bm, 63))
}

func TestRanges(t *testing.T) {
	bm := make([]uint64, 4)

	bits.SetRange(bm, 60, 10)
	require.True(t, bits.IsSetRange(bm, 60, 10))
	require.False(t, bits.IsSetRange(bm, 59, 10))
	require.False(t, bits.IsClrRange(bm, 0, 64))
	require.True(t, bits.IsClrRange(bm, 0, 60))
	require.True(t, bits.IsClrRange(bm, 70, 128))

	bits.ClrRange(bm, 60, 10)
	require.True(t, bits.IsClrRange(bm, 0, 256))

	bits.SetRange(bm, 0, 256)
	require.True(t, bits.IsSetRange(bm, 0, 256))
	bits.ClrRange(bm, 1, 254)
	require.True(t, bits.IsSet(bm, 0))
	require.True(t, bits.IsSet(bm, 255))
	require.True(t, bits.IsClrRange(bm, 1, 254))
}

func TestFindBits(t *testing.T) {
	used := make([]uint64, 2)

	// empty vector, the run starts at bit 0
	run := bits.FindBits(used, nil, 1, 8)
	require.True(t, run.IsSome())
	require.Equal(t, bits.Run{At: 0, Nr: 8}, run.Unwrap())

	// free bits: 2, 5..6, 11..15; the longest run wins
	used[0] = ^uint64(0b1111_1000_0110_0100)
	run = bits.FindBits(used[:1], nil, 1, 16)
	require.Equal(t, bits.Run{At: 11, Nr: 5}, run.Unwrap())

	// want caps the run even if more bits are free
	run = bits.FindBits(used[:1], nil, 1, 2)
	require.Equal(t, bits.Run{At: 5, Nr: 2}, run.Unwrap())

	// earliest run wins the tie
	run = bits.FindBits(used[:1], nil, 1, 1)
	require.Equal(t, bits.Run{At: 2, Nr: 1}, run.Unwrap())

	// min not satisfiable
	require.True(t, bits.FindBits(used[:1], nil, 6, 16).IsNone())
}

func TestFindBitsReserved(t *testing.T) {
	used := []uint64{0}
	rsv := []uint64{0b1111}

	run := bits.FindBits(used, rsv, 1, 1)
	require.Equal(t, bits.Run{At: 4, Nr: 1}, run.Unwrap())

	// reserved and used are both honoured
	used[0] = 0b110000
	run = bits.FindBits(used, rsv, 1, 4)
	require.Equal(t, bits.Run{At: 6, Nr: 4}, run.Unwrap())

	// full vector
	used[0] = ^uint64(0)
	used = append(used, ^uint64(0))
	require.True(t, bits.FindBits(used, nil, 1, 1).IsNone())
}

func TestFindBitsAcrossWords(t *testing.T) {
	used := []uint64{0, 0, 0}

	// run spanning a word boundary
	bits.SetRange(used, 0, 60)
	bits.SetRange(used, 70, 122)
	run := bits.FindBits(used, nil, 1, 16)
	require.Equal(t, bits.Run{At: 60, Nr: 10}, run.Unwrap())

	// a run shorter than the requested length is returned when it meets min
	run = bits.FindBits(used, nil, 1, 64)
	require.Equal(t, bits.Run{At: 60, Nr: 10}, run.Unwrap())
}
