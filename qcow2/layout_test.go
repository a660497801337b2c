package qcow2

import (
	"testing"
)

func genImage(t *testing.T, seed int64, options ...GeneratorOption) *Image {
	t.Helper()
	options = append(options, WithSeed(seed))
	img, err := GenerateImage(options...)
	if err != nil {
		t.Fatalf("seed %d: GenerateImage failed: %v", seed, err)
	}
	return img
}

func TestGenerateImageBasics(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)

		if img.ClusterBits < MinClusterBits || img.ClusterBits > MaxClusterBits {
			t.Errorf("seed %d: cluster_bits = %d, out of range", seed, img.ClusterBits)
		}
		if img.ImageSize%img.ClusterSize != 0 {
			t.Errorf("seed %d: image size %d not cluster aligned", seed, img.ImageSize)
		}
		if img.ImageSize < MinImageClusters*img.ClusterSize || img.ImageSize > MaxImageSize {
			t.Errorf("seed %d: image size %d out of bounds", seed, img.ImageSize)
		}
		if !img.used[0] {
			t.Errorf("seed %d: header cluster 0 not marked used", seed)
		}
	}
}

func TestGenerateImageNoFieldOverlap(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed, WithBackingFile("base.img", "raw"))

		type span struct {
			lo, hi uint64
			name   string
		}
		var spans []span
		for _, f := range img.Fields().Fields() {
			spans = append(spans, span{f.Offset, f.Offset + f.Size(), f.Name})
		}
		for i := 0; i < len(spans); i++ {
			for j := i + 1; j < len(spans); j++ {
				a, b := spans[i], spans[j]
				if a.lo < b.hi && b.lo < a.hi {
					t.Fatalf("seed %d: fields %q [%d,%d) and %q [%d,%d) overlap",
						seed, a.name, a.lo, a.hi, b.name, b.lo, b.hi)
				}
			}
		}
	}
}

func TestL2TablesMapDataClustersExactlyOnce(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)

		want := map[uint64]bool{}
		for _, c := range img.dataClusters {
			want[c] = true
		}

		mapped := map[uint64]bool{}
		for _, f := range img.L2Tables.ByName("l2_entry") {
			if f.Val&EntryReservedBit == 0 {
				t.Errorf("seed %d: l2 entry %#x missing reserved bit", seed, f.Val)
			}
			target := (f.Val &^ EntryReservedBit &^ 1) / img.ClusterSize
			if !want[target] {
				t.Errorf("seed %d: l2 entry maps cluster %d outside the data set",
					seed, target)
			}
			if mapped[target] {
				t.Errorf("seed %d: data cluster %d mapped twice", seed, target)
			}
			mapped[target] = true
		}
		if len(mapped) != len(want) {
			t.Errorf("seed %d: %d data clusters mapped, want %d",
				seed, len(mapped), len(want))
		}
	}
}

func TestGuestDataMarkersMatchDataClusters(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)

		if img.GuestData.Len() != len(img.dataClusters) {
			t.Fatalf("seed %d: %d guest data markers, want %d",
				seed, img.GuestData.Len(), len(img.dataClusters))
		}
		marked := map[uint64]bool{}
		for _, f := range img.GuestData.ByName("cluster_data") {
			if f.Offset%img.ClusterSize != 0 {
				t.Errorf("seed %d: marker at %d not cluster aligned", seed, f.Offset)
			}
			marked[f.Offset/img.ClusterSize] = true
		}
		for _, c := range img.dataClusters {
			if !marked[c] {
				t.Errorf("seed %d: data cluster %d has no marker", seed, c)
			}
		}
	}
}

func TestL1TableReferencesL2Tables(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)
		if img.L2Tables.Len() == 0 {
			continue
		}

		// Every L2 table cluster must be referenced by exactly one
		// active L1 entry.
		l2Offsets := map[uint64]bool{}
		for _, f := range img.L2Tables.ByName("l2_entry") {
			l2Offsets[f.Offset/img.ClusterSize*img.ClusterSize] = true
		}

		active := img.L1Table.ByName("l1_entry")
		if len(active) != len(l2Offsets) {
			t.Errorf("seed %d: %d active l1 entries, want %d",
				seed, len(active), len(l2Offsets))
		}
		seen := map[uint64]bool{}
		for _, f := range active {
			if f.Val&EntryReservedBit == 0 {
				t.Errorf("seed %d: l1 entry %#x missing reserved bit", seed, f.Val)
			}
			target := f.Val &^ EntryReservedBit
			if !l2Offsets[target] {
				t.Errorf("seed %d: l1 entry points at %#x, not an l2 table", seed, target)
			}
			if seen[target] {
				t.Errorf("seed %d: l2 table %#x referenced twice", seed, target)
			}
			seen[target] = true
		}
	}
}

func TestL1L2ClustersMarkedUsed(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)

		for _, f := range img.L2Tables.ByName("l2_entry") {
			if !img.used[f.Offset/img.ClusterSize] {
				t.Errorf("seed %d: l2 table cluster %d not marked used",
					seed, f.Offset/img.ClusterSize)
			}
		}
		for _, f := range img.L1Table.ByName("l1_entry") {
			if !img.used[f.Offset/img.ClusterSize] {
				t.Errorf("seed %d: l1 table cluster %d not marked used",
					seed, f.Offset/img.ClusterSize)
			}
		}
	}
}

func TestL2TableCapacityNotExceeded(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed)
		entriesPerCluster := int(img.ClusterSize / EntrySize)

		perTable := map[uint64]int{}
		for _, f := range img.L2Tables.ByName("l2_entry") {
			perTable[f.Offset/img.ClusterSize]++
		}
		for cluster, n := range perTable {
			if n > entriesPerCluster {
				t.Errorf("seed %d: l2 table at cluster %d holds %d entries, capacity %d",
					seed, cluster, n, entriesPerCluster)
			}
		}

		// The table count must not exceed what the image size requires.
		maxTables := int(ceilDiv(EntrySize*img.ImageSize, img.ClusterSize*img.ClusterSize))
		if len(perTable) > maxTables {
			t.Errorf("seed %d: %d l2 tables, max needed %d", seed, len(perTable), maxTables)
		}
	}
}

func TestHeaderVersionScenarios(t *testing.T) {
	sawV2, sawV3 := false, false
	for seed := int64(0); seed < 200; seed++ {
		img := genImage(t, seed)

		switch img.Version {
		case Version2:
			sawV2 = true
			if img.Header.Len() != 13 {
				t.Errorf("seed %d: v2 header has %d fields, want 13", seed, img.Header.Len())
			}
			if img.Header.First("header_length") != nil {
				t.Errorf("seed %d: v2 header carries a header_length field", seed)
			}
			if img.FeatureNameTable.Len() != 0 {
				t.Errorf("seed %d: v2 image has a feature name table", seed)
			}
		case Version3:
			sawV3 = true
			if got := img.Header.First("header_length").Val; got != HeaderSizeV3 {
				t.Errorf("seed %d: v3 header_length = %d, want %d", seed, got, HeaderSizeV3)
			}
			if got := img.Header.First("refcount_order").Val; got != RefcountOrder {
				t.Errorf("seed %d: refcount_order = %d, want %d", seed, got, RefcountOrder)
			}
		default:
			t.Fatalf("seed %d: version = %d", seed, img.Version)
		}

		if got := img.Header.First("backing_file_offset").Val; got != 0 {
			t.Errorf("seed %d: backing_file_offset = %d without a backing file", seed, got)
		}
		if got := img.Header.First("l1_size").Val; got == 0 {
			t.Errorf("seed %d: l1_size = 0, want max L2 table count", seed)
		}
	}
	if !sawV2 || !sawV3 {
		t.Errorf("200 seeds produced v2=%v v3=%v, want both", sawV2, sawV3)
	}
}

func TestFeatureNameTableLength(t *testing.T) {
	saw := false
	for seed := int64(0); seed < 200; seed++ {
		img := genImage(t, seed)
		if img.FeatureNameTable.Len() == 0 {
			continue
		}
		saw = true

		var incompat, compat uint64
		if f := img.Header.First("incompatible_features"); f != nil {
			incompat = f.Val
		}
		if f := img.Header.First("compatible_features"); f != nil {
			compat = f.Val
		}
		bits := img.featureCount(incompat, compat)

		length := img.FeatureNameTable.First("ext_length").Val
		if length != uint64(bits)*FeatureNameTableEntrySize {
			t.Errorf("seed %d: feature name table length = %d, want %d",
				seed, length, bits*FeatureNameTableEntrySize)
		}
		if magic := img.FeatureNameTable.First("ext_magic").Val; magic != ExtensionFeatureNameTable {
			t.Errorf("seed %d: feature name table magic = %#x", seed, magic)
		}
	}
	if !saw {
		t.Error("200 seeds produced no feature name table")
	}
}

func TestBackingFilePlacedAtClusterTail(t *testing.T) {
	for seed := int64(0); seed < 100; seed++ {
		img := genImage(t, seed, WithBackingFile("backing.qcow2", "qcow2"))

		offset := img.Header.First("backing_file_offset").Val
		size := img.Header.First("backing_file_size").Val
		if offset == 0 {
			// Degraded: the name did not fit in cluster 0.
			if size != 0 {
				t.Errorf("seed %d: backing_file_size = %d with zero offset", seed, size)
			}
			continue
		}
		if offset+size != img.ClusterSize {
			t.Errorf("seed %d: backing name [%d, %d) not at cluster tail (size %d)",
				seed, offset, offset+size, img.ClusterSize)
		}
		name := img.BackingFileName.First("bf_name")
		if name == nil {
			t.Fatalf("seed %d: header reserves a backing name but blob is missing", seed)
		}
		if name.Offset != offset || uint64(len(name.Raw)) != size {
			t.Errorf("seed %d: backing blob at %d len %d, header says %d len %d",
				seed, name.Offset, len(name.Raw), offset, size)
		}

		// The extension chain must end strictly before the name blob.
		marker := img.EndOfExtensionArea.First("ext_magic")
		if marker.Offset+8 > offset {
			t.Errorf("seed %d: extension area ends at %d, past backing name at %d",
				seed, marker.Offset+8, offset)
		}
	}
}

func TestEmptyDataClusterPlaceholderL1(t *testing.T) {
	saw := false
	for seed := int64(0); seed < 300; seed++ {
		img := genImage(t, seed)
		if len(img.dataClusters) != 0 {
			continue
		}
		saw = true

		if img.L2Tables.Len() != 0 {
			t.Errorf("seed %d: empty image has %d l2 fields", seed, img.L2Tables.Len())
		}
		if img.L1Table.Len() != 1 {
			t.Fatalf("seed %d: placeholder l1 table has %d fields, want 1",
				seed, img.L1Table.Len())
		}
		entry := img.L1Table.Fields()[0]
		if entry.Val != 0 {
			t.Errorf("seed %d: placeholder l1 entry = %#x, want 0", seed, entry.Val)
		}
		cluster := entry.Offset / img.ClusterSize
		if cluster < 1 || cluster > 3 {
			t.Errorf("seed %d: placeholder l1 table in cluster %d, want 1-3", seed, cluster)
		}
		if got := img.Header.First("l1_table_offset").Val; got != entry.Offset {
			t.Errorf("seed %d: l1_table_offset = %d, entry at %d", seed, got, entry.Offset)
		}
	}
	if !saw {
		t.Skip("300 seeds produced no empty data cluster set")
	}
}

func TestGenerateImageDeterministic(t *testing.T) {
	a := genImage(t, 42, WithBackingFile("base.img", "raw"))
	b := genImage(t, 42, WithBackingFile("base.img", "raw"))

	fa, fb := a.Fields().Fields(), b.Fields().Fields()
	if len(fa) != len(fb) {
		t.Fatalf("field counts differ: %d vs %d", len(fa), len(fb))
	}
	for i := range fa {
		if fa[i].Name != fb[i].Name || fa[i].Offset != fb[i].Offset ||
			fa[i].Val != fb[i].Val || string(fa[i].Raw) != string(fb[i].Raw) {
			t.Errorf("field %d differs: %+v vs %+v", i, fa[i], fb[i])
		}
	}
}
