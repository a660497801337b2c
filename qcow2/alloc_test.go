package qcow2

import (
	"math/rand"
	"testing"
)

func TestPickDisjointFromFreeRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	used := map[uint64]bool{0: true, 3: true, 7: true}

	picked, err := pickDisjoint(rng, used, 4)
	if err != nil {
		t.Fatalf("pickDisjoint failed: %v", err)
	}
	if len(picked) != 4 {
		t.Fatalf("picked %d clusters, want 4", len(picked))
	}

	seen := map[uint64]bool{}
	for _, c := range picked {
		if used[c] {
			t.Errorf("picked cluster %d is already used", c)
		}
		if seen[c] {
			t.Errorf("picked cluster %d twice", c)
		}
		seen[c] = true
	}
}

func TestPickDisjointExtendsAddressSpace(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	used := map[uint64]bool{0: true, 1: true, 2: true}

	// Nothing is free below max(used)+1, so the allocator must append
	// new indices above it.
	picked, err := pickDisjoint(rng, used, 5)
	if err != nil {
		t.Fatalf("pickDisjoint failed: %v", err)
	}
	if len(picked) != 5 {
		t.Fatalf("picked %d clusters, want 5", len(picked))
	}
	for _, c := range picked {
		if used[c] {
			t.Errorf("picked cluster %d is already used", c)
		}
	}
}

func TestPickDisjointZeroCount(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	used := map[uint64]bool{0: true}

	picked, err := pickDisjoint(rng, used, 0)
	if err != nil {
		t.Fatalf("pickDisjoint failed: %v", err)
	}
	if len(picked) != 0 {
		t.Errorf("picked %d clusters, want 0", len(picked))
	}
}

func TestPickDisjointEmptyUsed(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	if _, err := pickDisjoint(rng, map[uint64]bool{}, 1); err == nil {
		t.Fatal("pickDisjoint accepted an empty used set")
	}
}

func TestPickContiguousFindsRun(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	used := map[uint64]bool{0: true, 5: true, 9: true}

	for i := 0; i < 100; i++ {
		start, err := pickContiguous(rng, used, 3)
		if err != nil {
			t.Fatalf("pickContiguous failed: %v", err)
		}
		for c := start; c < start+3; c++ {
			if used[c] {
				t.Fatalf("run [%d, %d) overlaps used cluster %d", start, start+3, c)
			}
		}
	}
}

func TestPickContiguousAppendsWhenNoRunFits(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	used := map[uint64]bool{0: true, 1: true, 2: true}

	start, err := pickContiguous(rng, used, 2)
	if err != nil {
		t.Fatalf("pickContiguous failed: %v", err)
	}
	if start != 3 {
		t.Errorf("start = %d, want 3 (appended past all usage)", start)
	}
}

func TestPickContiguousEmptyUsed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	if _, err := pickContiguous(rng, map[uint64]bool{}, 1); err == nil {
		t.Fatal("pickContiguous accepted an empty used set")
	}
}

func TestPickContiguousRandomized(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		used := map[uint64]bool{0: true}
		for i := 0; i < 20; i++ {
			used[uint64(rng.Intn(64))] = true
		}
		length := 1 + rng.Intn(5)

		start, err := pickContiguous(rng, used, length)
		if err != nil {
			t.Fatalf("seed %d: pickContiguous failed: %v", seed, err)
		}
		for c := start; c < start+uint64(length); c++ {
			if used[c] {
				t.Fatalf("seed %d: run [%d, %d) overlaps used cluster %d",
					seed, start, start+uint64(length), c)
			}
		}
	}
}
