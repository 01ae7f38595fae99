// Package bloom implements a small fixed-size Bloom filter used by the
// VanityPathIndex to answer "definitely not a vanity path" in O(1) without
// touching the resolve map (spec §4.1 component 3, §4.4).
//
// The implementation follows the same hand-rolled, no-dependency shape used
// by other routing libraries in the retrieval pack (e.g. rivaas-dev/router's
// compiler.BloomFilter), which hash with hash/fnv rather than pulling in a
// third-party Bloom filter package.
package bloom

import (
	"hash/fnv"
	"sync/atomic"
)

// Filter is a concurrency-safe, fixed-size Bloom filter with k hash
// functions derived from a single pair of 64-bit hashes via double hashing
// (Kirsch-Mitzenmacher), avoiding k independent hash computations per
// operation.
type Filter struct {
	bits []atomic.Uint64 // bit array, 64 bits per word
	m    uint64          // number of bits
	k    uint64          // number of hash functions
}

// New returns a Filter sized to hold approximately n elements at the given
// false-positive rate p, capped so the underlying bit array never exceeds
// maxBytes bytes. If maxBytes <= 0, no cap is applied.
func New(n int, p float64, maxBytes int) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m, k := optimalParams(n, p)
	if maxBytes > 0 {
		maxBits := uint64(maxBytes) * 8
		if m > maxBits {
			m = maxBits
		}
	}
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	words := (m + 63) / 64
	return &Filter{
		bits: make([]atomic.Uint64, words),
		m:    words * 64,
		k:    k,
	}
}

// NewWithSize returns a Filter with an explicit bit-array byte size and
// number of hash functions, for callers that want to size it directly
// (e.g. from a configured byte budget) rather than from an element estimate.
func NewWithSize(bytes int, k int) *Filter {
	if bytes < 8 {
		bytes = 8
	}
	if k < 1 {
		k = 1
	}
	words := uint64(bytes+7) / 8
	return &Filter{
		bits: make([]atomic.Uint64, words),
		m:    words * 64,
		k:    uint64(k),
	}
}

func optimalParams(n int, p float64) (m, k uint64) {
	// m = -n*ln(p) / (ln2)^2, k = (m/n)*ln2 — computed without math.Log to
	// keep this package dependency-free; a fixed-point approximation is
	// accurate enough for sizing a cache and never needs to be exact.
	ln2 := 0.6931471805599453
	lnp := approxLn(p)
	mf := -float64(n) * lnp / (ln2 * ln2)
	kf := (mf / float64(n)) * ln2
	m = uint64(mf) + 1
	k = uint64(kf) + 1
	return
}

// approxLn computes a natural logarithm with enough precision for Bloom
// filter sizing using the standard series reduction x = m*2^e, ln(x) =
// ln(m) + e*ln2, evaluated on a short Taylor series around 1.
func approxLn(x float64) float64 {
	if x <= 0 {
		return 0
	}
	exp := 0
	for x >= 2 {
		x /= 2
		exp++
	}
	for x < 1 {
		x *= 2
		exp--
	}
	// x in [1,2); ln(x) = 2*atanh((x-1)/(x+1))
	z := (x - 1) / (x + 1)
	z2 := z * z
	sum := z
	term := z
	for i := 1; i < 8; i++ {
		term *= z2
		sum += term / float64(2*i+1)
	}
	return 2*sum + float64(exp)*0.6931471805599453
}

func hash64(s string) (h1, h2 uint64) {
	f1 := fnv.New64a()
	_, _ = f1.Write([]byte(s))
	h1 = f1.Sum64()

	f2 := fnv.New64()
	_, _ = f2.Write([]byte(s))
	h2 = f2.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return
}

// Add records s as present.
func (f *Filter) Add(s string) {
	h1, h2 := hash64(s)
	for i := uint64(0); i < f.k; i++ {
		bit := (h1 + i*h2) % f.m
		word, off := bit/64, bit%64
		for {
			old := f.bits[word].Load()
			newVal := old | (1 << off)
			if old == newVal || f.bits[word].CompareAndSwap(old, newVal) {
				break
			}
		}
	}
}

// MayContain returns false only if s was definitely never added (zero false
// negatives); true is a possible false positive.
func (f *Filter) MayContain(s string) bool {
	h1, h2 := hash64(s)
	for i := uint64(0); i < f.k; i++ {
		bit := (h1 + i*h2) % f.m
		word, off := bit/64, bit%64
		if f.bits[word].Load()&(1<<off) == 0 {
			return false
		}
	}
	return true
}

// Reset clears every bit, after which MayContain reports false for every
// previously added string.
func (f *Filter) Reset() {
	for i := range f.bits {
		f.bits[i].Store(0)
	}
}

// Bits returns the size of the underlying bit array, for diagnostics.
func (f *Filter) Bits() uint64 { return f.m }

// K returns the number of hash functions in use.
func (f *Filter) K() uint64 { return f.k }
