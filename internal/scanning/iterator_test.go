package scanning

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermutationVisitsEveryIndexOnce(t *testing.T) {
	for _, n := range []uint64{1, 2, 7, 64, 1000, 4096} {
		for _, seed := range []uint64{0, 1, 42, 1 << 40} {
			perm := NewPermutation(n, seed)
			seen := make(map[uint64]bool, n)
			for i := uint64(0); i < n; i++ {
				v := perm.At(i)
				require.Less(t, v, n)
				require.False(t, seen[v], "n=%d seed=%d index %d repeated value %d", n, seed, i, v)
				seen[v] = true
			}
		}
	}
}

func TestPermutationHandlesWideSpaces(t *testing.T) {
	n := uint64(1<<32) * 3
	perm := NewPermutation(n, 7)
	assert.Less(t, perm.At(n-1), n)
	assert.Equal(t, perm.At(5), perm.At(n+5))
}

func TestSpaceIteratorCoversSpaceOnce(t *testing.T) {
	space, err := NewAddressSpace(mustPrefixes(t, "10.1.0.0/26", "10.2.0.0/28"), nil, []uint16{25565, 25566})
	require.NoError(t, err)

	it := NewSpaceIterator(space, 99)
	seen := make(map[ScanTarget]bool)
	for {
		target, ok := it.Next()
		if !ok {
			break
		}
		require.False(t, seen[target], "target %s yielded twice", target)
		seen[target] = true
	}

	assert.Len(t, seen, int(space.Len()))
	assert.Equal(t, space.Len(), it.Cursor())
	_, ok := it.Next()
	assert.False(t, ok, "exhausted iterator stays exhausted")
}

func TestSpaceIteratorResumesFromCursor(t *testing.T) {
	space, err := NewAddressSpace(mustPrefixes(t, "10.3.0.0/24"), nil, []uint16{25565})
	require.NoError(t, err)

	full := NewSpaceIterator(space, 5)
	var order []ScanTarget
	for target, ok := full.Next(); ok; target, ok = full.Next() {
		order = append(order, target)
	}

	resumed := NewSpaceIterator(space, 5)
	require.NoError(t, resumed.Seek(100))
	next, ok := resumed.Next()
	require.True(t, ok)
	assert.Equal(t, order[100], next)

	assert.Error(t, resumed.Seek(space.Len()+1))
	require.NoError(t, resumed.Seek(space.Len()))
	_, ok = resumed.Next()
	assert.False(t, ok)
}

func TestSpaceIteratorOrderDependsOnSeed(t *testing.T) {
	space, err := NewAddressSpace(mustPrefixes(t, "10.4.0.0/20"), nil, []uint16{25565})
	require.NoError(t, err)

	a, _ := NewSpaceIterator(space, 1).Next()
	b, _ := NewSpaceIterator(space, 2).Next()
	c, _ := NewSpaceIterator(space, 1).Next()
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestListIteratorDeduplicates(t *testing.T) {
	a := NewScanTarget(netip.MustParseAddr("203.0.113.5"), 25565)
	b := NewScanTarget(netip.MustParseAddr("203.0.113.6"), 25565)
	named := a
	named.Host = "play.example.com"

	it := NewListIterator([]ScanTarget{named, b, a, b})
	assert.Equal(t, uint64(2), it.Len())

	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "play.example.com", first.HandshakeHost())
	second, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, b, second)
	_, ok = it.Next()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), it.Cursor())
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"discovery", ModeDiscovery, false},
		{"", ModeDiscovery, false},
		{"Rescan", ModeRescan, false},
		{"verify", ModeRescan, false},
		{"bogus", ModeDiscovery, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var m Mode
	require.NoError(t, m.Set("rescan"))
	assert.Equal(t, "rescan", m.String())
	assert.Equal(t, "mode", m.Type())
	text, err := m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "rescan", string(text))
}
