package bitfield

import (
	crand "crypto/rand"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const ntests = 1000

func TestGet(t *testing.T) {
	bf := Bitfield{0b11001100, 0b10101010}
	expected := []bool{true, true, false, false, true, true, false, false, true, false, true, false, true, false, true, false}
	for index, exp := range expected {
		require.Equal(t, exp, bf.Get(index), "index %d", index)
	}
}

func TestGetRandomised(t *testing.T) {
	for range ntests {
		bf := generateBitfield(t)
		var expected []bool
		for _, b := range bf {
			for j := 7; j >= 0; j-- {
				expected = append(expected, (b&(1<<uint(j))) != 0)
			}
		}
		assertBitfield(t, bf, expected)
	}
}

func TestSet(t *testing.T) {
	bf := New(16)
	for index := 0; index < len(bf)*8; index++ {
		require.False(t, bf.Get(index))
		bf.Set(index)
		require.True(t, bf.Get(index))
	}
}

func TestSetRandomised(t *testing.T) {
	for range ntests {
		bf := generateBitfield(t)
		bfn := len(bf) * 8
		idx := rand.Intn(bfn)

		expected := make([]bool, bfn)
		for i := range expected {
			expected[i] = bf.Get(i)
		}

		if !bf.Get(idx) {
			bf.Set(idx)
		} else {
			bf.Unset(idx)
		}
		expected[idx] = !expected[idx]
		assertBitfield(t, bf, expected)
	}
}

func TestOutOfRangeIsSafe(t *testing.T) {
	var nilBf Bitfield
	zeroBf := New(0)

	for _, bf := range []Bitfield{nilBf, zeroBf} {
		for i := -2; i < 3; i++ {
			require.False(t, bf.Get(i))
			bf.Set(i)
			bf.Unset(i)
		}
	}
}

func TestCountAnyAll(t *testing.T) {
	bf := New(10)
	require.Equal(t, 0, bf.Count(10))
	require.False(t, bf.Any(10))
	require.False(t, bf.All(10))

	for i := 0; i < 10; i++ {
		bf.Set(i)
	}
	require.Equal(t, 10, bf.Count(10))
	require.True(t, bf.Any(10))
	require.True(t, bf.All(10))

	bf.Unset(3)
	require.Equal(t, 9, bf.Count(10))
	require.True(t, bf.Any(10))
	require.False(t, bf.All(10))
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(2)
	clone := bf.Clone()
	clone.Set(5)
	require.False(t, bf.Get(5))
	require.True(t, clone.Get(2))
}

func generateBitfield(t *testing.T) Bitfield {
	t.Helper()
	b := make([]byte, 5)
	_, err := crand.Read(b)
	require.NoError(t, err)
	return b
}

func assertBitfield(t *testing.T, bf Bitfield, expected []bool) {
	t.Helper()
	require.Equal(t, len(bf)*8, len(expected))
	for index := -5; index < len(expected)+5; index++ {
		exp := index >= 0 && index < len(expected) && expected[index]
		require.Equal(t, exp, bf.Get(index), "index %d", index)
	}
}
