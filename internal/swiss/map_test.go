package swiss_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flier/admem/internal/swiss"
)

func TestMap(t *testing.T) {
	m := swiss.NewMap[uint64, int](8)

	require.Equal(t, 0, m.Count())
	require.False(t, m.Has(1))

	const n = 10_000
	for i := uint64(0); i < n; i++ {
		m.Put(i, int(i)*3)
	}
	require.Equal(t, n, m.Count())

	for i := uint64(0); i < n; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, int(i)*3, v)
	}

	// update in place
	m.Put(42, -1)
	v, ok := m.Get(42)
	require.True(t, ok)
	require.Equal(t, -1, v)
	require.Equal(t, n, m.Count())

	// delete half
	for i := uint64(0); i < n; i += 2 {
		require.True(t, m.Delete(i))
	}
	require.Equal(t, n/2, m.Count())
	require.False(t, m.Delete(0))

	for i := uint64(0); i < n; i++ {
		_, ok := m.Get(i)
		require.Equal(t, i%2 == 1, ok)
	}

	m.Clear()
	require.Equal(t, 0, m.Count())
	_, ok = m.Get(1)
	require.False(t, ok)
}
