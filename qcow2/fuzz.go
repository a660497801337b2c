package qcow2

import (
	"math"
	"math/rand"
)

// The fuzzer produces "almost valid" field values: each header field has
// a constraint table of valid and invalid ranges, and one candidate is
// drawn per table row. Candidates equal to the current value are
// discarded, so a fuzzed field is guaranteed to change whenever the
// constraint space allows it.

const (
	uintMax32 = uint64(math.MaxUint32)
	uintMax64 = uint64(math.MaxUint64)
)

// interval is a closed integer range. Constraint tables list intervals
// in ascending order without overlap.
type interval struct {
	lo, hi uint64
}

// constraint is one row of a field's constraint table: either a literal
// value or a union of intervals.
type constraint struct {
	literal   uint64
	isLiteral bool
	intervals []interval
}

func lit(v uint64) constraint {
	return constraint{literal: v, isLiteral: true}
}

func ranges(ivals ...interval) constraint {
	return constraint{intervals: ivals}
}

// randUint64n returns a uniform value in [0, n). n of zero means the
// full 64-bit space.
func randUint64n(rng *rand.Rand, n uint64) uint64 {
	if n == 0 {
		return rng.Uint64()
	}
	if n <= math.MaxInt64 {
		return uint64(rng.Int63n(int64(n)))
	}
	// Rejection sampling; n > 2^63 accepts with probability > 1/2.
	for {
		if v := rng.Uint64(); v < n {
			return v
		}
	}
}

// randFromIntervals draws a uniform integer from the union of intervals:
// one draw over the total length, mapped back into the right interval.
func randFromIntervals(rng *rand.Rand, ivals []interval) uint64 {
	var total uint64
	for _, iv := range ivals {
		total += iv.hi - iv.lo + 1
	}
	// total wraps to zero only for the full 64-bit range, which
	// randUint64n treats as such.
	r := randUint64n(rng, total)
	for _, iv := range ivals {
		width := iv.hi - iv.lo + 1
		if width != 0 && r >= width {
			r -= width
			continue
		}
		return iv.lo + r
	}
	return ivals[len(ivals)-1].hi
}

// intervalValidator returns a random value from the intervals not equal
// to current. Rejection sampling is iterative, with the single possible
// value as the fallback when the constraint space is degenerate.
func intervalValidator(rng *rand.Rand, current uint64, ivals []interval) uint64 {
	degenerate := len(ivals) == 1 && ivals[0].lo == ivals[0].hi
	for {
		v := randFromIntervals(rng, ivals)
		if v != current || degenerate {
			return v
		}
	}
}

// bitRange is a closed range of bit positions.
type bitRange struct {
	lo, hi int
}

// randomBits builds a mask by setting a random-sized random subset of
// positions within each range.
func randomBits(rng *rand.Rand, bitRanges []bitRange) uint64 {
	var val uint64
	for _, r := range bitRanges {
		n := r.hi - r.lo + 1
		k := rng.Intn(n + 1)
		for _, p := range rng.Perm(n)[:k] {
			val |= 1 << uint(r.lo+p)
		}
	}
	return val
}

// bitValidator returns a random bit mask not equal to current.
func bitValidator(rng *rand.Rand, current uint64, bitRanges []bitRange) uint64 {
	if len(bitRanges) == 0 {
		return 0
	}
	for {
		if v := randomBits(rng, bitRanges); v != current {
			return v
		}
	}
}

// selectValue collects one candidate per constraint, drops candidates
// equal to current and picks one of the rest uniformly. The current
// value comes back only when every constraint collapses to it.
func selectValue(rng *rand.Rand, current uint64, constraints []constraint) uint64 {
	candidates := make([]uint64, 0, len(constraints))
	for _, c := range constraints {
		if c.isLiteral {
			candidates = append(candidates, c.literal)
		} else {
			candidates = append(candidates, intervalValidator(rng, current, c.intervals))
		}
	}
	kept := candidates[:0]
	for _, v := range candidates {
		if v != current {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return current
	}
	return kept[rng.Intn(len(kept))]
}

// selectBits is the bitmask variant of selectValue: one mask candidate
// per bit-range list.
func selectBits(rng *rand.Rand, current uint64, constraints [][]bitRange) uint64 {
	candidates := make([]uint64, 0, len(constraints))
	for _, c := range constraints {
		candidates = append(candidates, bitValidator(rng, current, c))
	}
	kept := candidates[:0]
	for _, v := range candidates {
		if v != current {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return current
	}
	return kept[rng.Intn(len(kept))]
}

type fuzzFunc func(rng *rand.Rand, current uint64) uint64

// fuzzMagic keeps the magic intact. It exists so every header field has
// a function with a uniform signature.
func fuzzMagic(_ *rand.Rand, current uint64) uint64 {
	return current
}

func fuzzVersion(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{2, 3}), // correct values
		ranges(interval{0, 1}, interval{4, uintMax32}),
	})
}

// Zero is deliberately part of the valid draw for offset and size
// fields: a zero offset means "structure absent", which real images use.
func fuzzBackingFileOffset(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax64}),
	})
}

func fuzzBackingFileSize(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax32}),
	})
}

func fuzzClusterBits(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{MinClusterBits, MaxClusterBits}), // correct values
		ranges(interval{0, MinClusterBits - 1}, interval{MaxClusterBits + 1, uintMax32}),
	})
}

func fuzzSize(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax64}),
	})
}

func fuzzCryptMethod(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, 1}), // correct values
		ranges(interval{2, uintMax32}),
	})
}

func fuzzL1Size(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax32}),
	})
}

func fuzzL1TableOffset(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax64}),
	})
}

func fuzzRefcountTableOffset(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax64}),
	})
}

func fuzzRefcountTableClusters(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax32}),
	})
}

func fuzzNbSnapshots(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax32}),
	})
}

func fuzzSnapshotsOffset(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax64}),
	})
}

func fuzzIncompatibleFeatures(rng *rand.Rand, current uint64) uint64 {
	return selectBits(rng, current, [][]bitRange{
		{{0, 1}}, // known feature bits
		{{0, 63}},
	})
}

func fuzzCompatibleFeatures(rng *rand.Rand, current uint64) uint64 {
	return selectBits(rng, current, [][]bitRange{
		{{0, 63}},
	})
}

func fuzzAutoclearFeatures(rng *rand.Rand, current uint64) uint64 {
	return selectBits(rng, current, [][]bitRange{
		{{0, 63}},
	})
}

func fuzzRefcountOrder(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		ranges(interval{0, uintMax32}),
	})
}

func fuzzHeaderLength(rng *rand.Rand, current uint64) uint64 {
	return selectValue(rng, current, []constraint{
		lit(HeaderSizeV2),
		lit(HeaderSizeV3),
		ranges(interval{0, uintMax32}),
	})
}

// headerFuzzers statically maps field names to fuzz functions. Fields
// without an entry, such as table entries and extension payloads, are
// skipped during a fuzz pass.
var headerFuzzers = map[string]fuzzFunc{
	"magic":                   fuzzMagic,
	"version":                 fuzzVersion,
	"backing_file_offset":     fuzzBackingFileOffset,
	"backing_file_size":       fuzzBackingFileSize,
	"cluster_bits":            fuzzClusterBits,
	"size":                    fuzzSize,
	"crypt_method":            fuzzCryptMethod,
	"l1_size":                 fuzzL1Size,
	"l1_table_offset":         fuzzL1TableOffset,
	"refcount_table_offset":   fuzzRefcountTableOffset,
	"refcount_table_clusters": fuzzRefcountTableClusters,
	"nb_snapshots":            fuzzNbSnapshots,
	"snapshots_offset":        fuzzSnapshotsOffset,
	"incompatible_features":   fuzzIncompatibleFeatures,
	"compatible_features":     fuzzCompatibleFeatures,
	"autoclear_features":      fuzzAutoclearFeatures,
	"refcount_order":          fuzzRefcountOrder,
	"header_length":           fuzzHeaderLength,
}

// Selector names what to fuzz. An empty Field selects the whole
// structure and applies the per-field probability coin; a non-empty
// Field is fuzzed unconditionally.
type Selector struct {
	Structure string
	Field     string
}

// Fuzz corrupts a portion of the image's fields in place. With an empty
// selection every field of every structure is a candidate; otherwise
// only the selected structures and fields are. The per-field probability
// is drawn once for the whole image.
func (img *Image) Fuzz(selection []Selector) {
	percent := img.opts.minFuzzPercent
	if spread := img.opts.maxFuzzPercent - img.opts.minFuzzPercent; spread > 0 {
		percent += img.rng.Intn(spread + 1)
	}

	fuzzField := func(f *Field) {
		if fn, ok := headerFuzzers[f.Name]; ok {
			f.Val = fn(img.rng, f.Val)
		}
	}
	coin := func() bool {
		return img.rng.Intn(100) < percent
	}

	if len(selection) == 0 {
		for _, s := range img.structures() {
			for _, f := range s.list.Fields() {
				if coin() {
					fuzzField(f)
				}
			}
		}
		return
	}

	for _, sel := range selection {
		var list *FieldsList
		for _, s := range img.structures() {
			if s.name == sel.Structure {
				list = s.list
				break
			}
		}
		if list == nil {
			continue
		}
		if sel.Field == "" {
			for _, f := range list.Fields() {
				if coin() {
					fuzzField(f)
				}
			}
			continue
		}
		for _, f := range list.ByName(sel.Field) {
			fuzzField(f)
		}
	}
}
