package scanning

import (
	"fmt"
	"math/bits"
)

// Iterator yields the targets of one sweep pass, each exactly once. The
// cursor counts targets already yielded, so a saved cursor resumes the pass.
// Iterators are owned by the sweep loop and are not safe for concurrent use.
type Iterator interface {
	Next() (ScanTarget, bool)
	Cursor() uint64
	Len() uint64
}

// Permutation is a full-cycle walk over [0, n): index i maps to
// (start + i*stride) mod n with stride coprime to n, so every value is
// visited once per cycle and neighbours in the walk are far apart.
type Permutation struct {
	n      uint64
	start  uint64
	stride uint64
}

// NewPermutation derives a permutation of [0, n) from seed.
func NewPermutation(n, seed uint64) Permutation {
	if n <= 1 {
		return Permutation{n: n, stride: 1}
	}
	stride := splitmix64(seed)%(n-1) + 1
	for gcd(stride, n) != 1 {
		stride++
		if stride == n {
			stride = 1
		}
	}
	return Permutation{n: n, start: splitmix64(^seed) % n, stride: stride}
}

// At returns the i-th value of the walk.
func (p Permutation) At(i uint64) uint64 {
	hi, lo := bits.Mul64(i%p.n, p.stride)
	r := bits.Rem64(hi, lo, p.n)
	return (r + p.start) % p.n
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SpaceIterator walks an AddressSpace in permutation order.
type SpaceIterator struct {
	space  *AddressSpace
	perm   Permutation
	cursor uint64
}

// NewSpaceIterator returns an iterator over space seeded by seed. The same
// space and seed always produce the same order.
func NewSpaceIterator(space *AddressSpace, seed uint64) *SpaceIterator {
	return &SpaceIterator{space: space, perm: NewPermutation(space.Len(), seed)}
}

// Next implements Iterator.
func (it *SpaceIterator) Next() (ScanTarget, bool) {
	if it.cursor >= it.space.Len() {
		return ScanTarget{}, false
	}
	t := it.space.At(it.perm.At(it.cursor))
	it.cursor++
	return t, true
}

// Cursor implements Iterator.
func (it *SpaceIterator) Cursor() uint64 { return it.cursor }

// Len implements Iterator.
func (it *SpaceIterator) Len() uint64 { return it.space.Len() }

// Seek moves the iterator so the next target is the one at cursor.
func (it *SpaceIterator) Seek(cursor uint64) error {
	if cursor > it.space.Len() {
		return fmt.Errorf("cursor %d is beyond the address space (%d candidates)", cursor, it.space.Len())
	}
	it.cursor = cursor
	return nil
}

// ListIterator walks a fixed list of targets, typically known hosts.
type ListIterator struct {
	targets []ScanTarget
	cursor  uint64
}

// NewListIterator returns an iterator over targets with duplicates removed.
// Order is preserved.
func NewListIterator(targets []ScanTarget) *ListIterator {
	seen := make(map[ScanTarget]struct{}, len(targets))
	unique := make([]ScanTarget, 0, len(targets))
	for _, t := range targets {
		key := t
		key.Host = ""
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, t)
	}
	return &ListIterator{targets: unique}
}

// Next implements Iterator.
func (it *ListIterator) Next() (ScanTarget, bool) {
	if it.cursor >= uint64(len(it.targets)) {
		return ScanTarget{}, false
	}
	t := it.targets[it.cursor]
	it.cursor++
	return t, true
}

// Cursor implements Iterator.
func (it *ListIterator) Cursor() uint64 { return it.cursor }

// Len implements Iterator.
func (it *ListIterator) Len() uint64 { return uint64(len(it.targets)) }
