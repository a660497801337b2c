package qcow2

import (
	"math/rand"
	"time"
)

// Image is a complete field-level description of one generated QCOW2
// image: every byte range that will be written, grouped into named
// sub-structures. Build it with GenerateImage, optionally corrupt it
// with Fuzz, then serialize it with WriteTo.
type Image struct {
	Seed        int64
	Version     uint32
	ClusterBits uint32
	ClusterSize uint64
	ImageSize   uint64

	Header             FieldsList
	BackingFileName    FieldsList
	BackingFileFormat  FieldsList
	FeatureNameTable   FieldsList
	EndOfExtensionArea FieldsList
	GuestData          FieldsList
	L2Tables           FieldsList
	L1Table            FieldsList

	// used grows monotonically over the build; indices are never
	// reclaimed within one image.
	used         map[uint64]bool
	dataClusters []uint64
	extEnd       uint64 // next free offset in the extension area

	rng  *rand.Rand
	opts *generatorOptions
}

// namedFields pairs a sub-structure with the name selectors refer to it
// by; the same names are accepted in runner config files.
type namedFields struct {
	name string
	list *FieldsList
}

func (img *Image) structures() []namedFields {
	return []namedFields{
		{"header", &img.Header},
		{"backing_file_name", &img.BackingFileName},
		{"backing_file_format", &img.BackingFileFormat},
		{"feature_name_table", &img.FeatureNameTable},
		{"end_of_extension_area", &img.EndOfExtensionArea},
		{"guest_data", &img.GuestData},
		{"l2_tables", &img.L2Tables},
		{"l1_table", &img.L1Table},
	}
}

// Fields returns every field of the image as one collection.
func (img *Image) Fields() FieldsList {
	return img.Header.Join(img.BackingFileName, img.BackingFileFormat,
		img.FeatureNameTable, img.EndOfExtensionArea, img.GuestData,
		img.L2Tables, img.L1Table)
}

// GenerateImage builds a self-consistent image layout: header, header
// extensions, guest data cluster markers and the two-level translation
// tables referencing them. Build stages are strictly ordered because
// later structures depend on offsets chosen by earlier ones.
func GenerateImage(options ...GeneratorOption) (*Image, error) {
	opts := defaultGeneratorOptions()
	for _, opt := range options {
		opt(opts)
	}
	if !opts.seedSet {
		opts.seed = time.Now().UnixNano()
	}

	img := &Image{
		Seed: opts.seed,
		used: map[uint64]bool{0: true}, // cluster 0: header
		rng:  rand.New(rand.NewSource(opts.seed)),
		opts: opts,
	}

	img.selectSize()
	img.createHeader()
	img.setBackingFileName()
	img.setBackingFileFormat()
	img.createFeatureNameTable()
	img.setEndOfExtensionArea()
	if err := img.createLStructures(); err != nil {
		return nil, err
	}
	return img, nil
}

// selectSize picks a random cluster size and a virtual image size
// aligned to it.
func (img *Image) selectSize() {
	img.ClusterBits = uint32(MinClusterBits +
		img.rng.Intn(MaxClusterBits-MinClusterBits+1))
	img.ClusterSize = 1 << img.ClusterBits

	maxClusters := uint64(MaxImageSize) / img.ClusterSize
	nbClusters := uint64(MinImageClusters) +
		uint64(img.rng.Int63n(int64(maxClusters-MinImageClusters+1)))
	img.ImageSize = nbClusters * img.ClusterSize
}

// createHeader builds the fixed-layout header. Version 2 stops at 72
// bytes; the version 3 feature fields would otherwise collide with the
// extension area that starts right after the header.
func (img *Image) createHeader() {
	img.Version = uint32(Version2 + img.rng.Intn(2))
	cryptMethod := uint64(img.rng.Intn(2))

	var incompat, compat uint64
	headerLength := uint64(HeaderSizeV2)
	if img.Version >= Version3 {
		headerLength = HeaderSizeV3
		incompat = uint64(img.rng.Intn(1 << 2))
		compat = uint64(img.rng.Intn(1 << 1))
	}
	img.extEnd = headerLength

	// The backing file name sits at the tail of cluster 0 when the
	// extension chain leaves room for it; otherwise it is dropped and
	// both header fields stay zero.
	var backingOffset, backingSize uint64
	if img.opts.backingFileName != "" {
		nameLen := uint64(len(img.opts.backingFileName))
		if headerLength+img.plannedExtensionSize(incompat, compat)+nameLen <= img.ClusterSize {
			backingOffset = img.ClusterSize - nameLen
			backingSize = nameLen
		}
	}

	img.Header = NewFieldsList(
		u32Field(0, Magic, "magic"),
		u32Field(4, uint64(img.Version), "version"),
		u64Field(8, backingOffset, "backing_file_offset"),
		u32Field(16, backingSize, "backing_file_size"),
		u32Field(20, uint64(img.ClusterBits), "cluster_bits"),
		u64Field(24, img.ImageSize, "size"),
		u32Field(32, cryptMethod, "crypt_method"),
		u32Field(36, 0, "l1_size"),
		u64Field(40, 0, "l1_table_offset"),
		u64Field(48, 0, "refcount_table_offset"),
		u32Field(56, 0, "refcount_table_clusters"),
		u32Field(60, 0, "nb_snapshots"),
		u64Field(64, 0, "snapshots_offset"),
	)
	if img.Version >= Version3 {
		img.Header.Append(
			u64Field(72, incompat, "incompatible_features"),
			u64Field(80, compat, "compatible_features"),
			u64Field(88, 0, "autoclear_features"),
			u32Field(96, RefcountOrder, "refcount_order"),
			u32Field(100, headerLength, "header_length"),
		)
	}
}

// plannedExtensionSize returns the total on-disk size of every extension
// the current configuration will emit, end-of-extensions marker included.
func (img *Image) plannedExtensionSize(incompat, compat uint64) uint64 {
	total := uint64(8) // end-of-extensions marker
	if img.opts.backingFileFormat != "" {
		total += 8 + pad8(uint64(len(img.opts.backingFileFormat)))
	}
	if n := img.featureCount(incompat, compat); n > 0 {
		total += 8 + uint64(n)*FeatureNameTableEntrySize
	}
	return total
}

func pad8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// featureCount counts the set feature bits that have published names.
func (img *Image) featureCount(incompat, compat uint64) int {
	n := 0
	for _, f := range knownFeatures {
		mask := incompat
		if f.Type == FeatureTypeCompatible {
			mask = compat
		}
		if mask&(1<<f.Bit) != 0 {
			n++
		}
	}
	return n
}

// extensionLimit returns the first offset in cluster 0 that extensions
// must not reach: the backing file name when present, the cluster end
// otherwise.
func (img *Image) extensionLimit() uint64 {
	if off := img.Header.First("backing_file_offset").Val; off != 0 {
		return off
	}
	return img.ClusterSize
}

// setBackingFileName places the raw backing file name blob at the offset
// the header reserved for it.
func (img *Image) setBackingFileName() {
	offset := img.Header.First("backing_file_offset").Val
	if offset == 0 {
		return
	}
	img.BackingFileName = NewFieldsList(
		bytesField(offset, []byte(img.opts.backingFileName), 0, "bf_name"),
	)
}

// setBackingFileFormat emits the backing file format extension. The
// payload is padded with trailing zeros to the next multiple of 8.
func (img *Image) setBackingFileFormat() {
	format := img.opts.backingFileFormat
	if format == "" {
		return
	}
	padded := pad8(uint64(len(format)))
	// Leave room for the mandatory end-of-extensions marker.
	if img.extEnd+8+padded+8 > img.extensionLimit() {
		return
	}
	img.BackingFileFormat = NewFieldsList(
		u32Field(img.extEnd, ExtensionBackingFormat, "ext_magic"),
		u32Field(img.extEnd+4, uint64(len(format)), "ext_length"),
		bytesField(img.extEnd+8, []byte(format), int(padded), "bf_format"),
	)
	img.extEnd += 8 + padded
}

// createFeatureNameTable emits one 48-byte entry per feature bit set in
// the header masks. Entries are a multiple of 8 bytes, so the extension
// needs no extra padding.
func (img *Image) createFeatureNameTable() {
	var incompat, compat uint64
	if f := img.Header.First("incompatible_features"); f != nil {
		incompat = f.Val
	}
	if f := img.Header.First("compatible_features"); f != nil {
		compat = f.Val
	}
	n := img.featureCount(incompat, compat)
	if n == 0 {
		return
	}
	length := uint64(n) * FeatureNameTableEntrySize
	if img.extEnd+8+length+8 > img.extensionLimit() {
		return
	}

	img.FeatureNameTable = NewFieldsList(
		u32Field(img.extEnd, ExtensionFeatureNameTable, "ext_magic"),
		u32Field(img.extEnd+4, length, "ext_length"),
	)
	offset := img.extEnd + 8
	for _, f := range knownFeatures {
		mask := incompat
		if f.Type == FeatureTypeCompatible {
			mask = compat
		}
		if mask&(1<<f.Bit) == 0 {
			continue
		}
		img.FeatureNameTable.Append(
			u8Field(offset, uint64(f.Type), "feature_type"),
			u8Field(offset+1, uint64(f.Bit), "feature_bit"),
			bytesField(offset+2, []byte(f.Name), FeatureNameSize, "feature_name"),
		)
		offset += FeatureNameTableEntrySize
	}
	img.extEnd += 8 + length
}

// setEndOfExtensionArea terminates the extension chain with the
// mandatory zero/zero marker.
func (img *Image) setEndOfExtensionArea() {
	img.EndOfExtensionArea = NewFieldsList(
		u32Field(img.extEnd, 0, "ext_magic"),
		u32Field(img.extEnd+4, 0, "ext_length"),
	)
	img.extEnd += 8
}

// createLStructures picks a random set of allocated guest data clusters
// and builds the L2 tables mapping them plus the L1 table referencing
// the L2 tables.
func (img *Image) createLStructures() error {
	nbClusters := int(img.ImageSize / img.ClusterSize)

	// Random subset of [1, nbClusters] marked as allocated guest data,
	// empty set included. The permutation doubles as the shuffle the
	// grouping below relies on.
	perm := img.rng.Perm(nbClusters)
	count := img.rng.Intn(nbClusters + 1)
	img.dataClusters = make([]uint64, 0, count)
	for _, p := range perm[:count] {
		c := uint64(p + 1)
		img.dataClusters = append(img.dataClusters, c)
		img.used[c] = true
		// One marker byte per allocated cluster; the cluster-boundary
		// padding on write then extends the file past every cluster
		// the L2 tables map.
		img.GuestData.Append(u8Field(c*img.ClusterSize, 0, "cluster_data"))
	}

	entriesPerCluster := int(img.ClusterSize / EntrySize)
	maxL2Tables := int(ceilDiv(EntrySize*img.ImageSize, img.ClusterSize*img.ClusterSize))

	l1Size := img.Header.First("l1_size")
	l1Offset := img.Header.First("l1_table_offset")
	l1Size.Val = uint64(maxL2Tables)

	if len(img.dataClusters) == 0 {
		// A real empty image keeps its metadata in the first few
		// clusters; park a one-entry placeholder table there.
		cluster := uint64(1 + img.rng.Intn(3))
		img.used[cluster] = true
		l1Offset.Val = cluster * img.ClusterSize
		img.L1Table = NewFieldsList(
			u64Field(l1Offset.Val, 0, "l1_entry"),
		)
		return nil
	}

	// Partition the shuffled data clusters into per-table groups. The
	// lower bound keeps the number of tables at or below what the image
	// size requires, so no surplus metadata clusters get allocated.
	lowLim := ceilDivInt(len(img.dataClusters), maxL2Tables)
	var groups [][]uint64
	for i := 0; i < len(img.dataClusters); {
		n := lowLim + img.rng.Intn(entriesPerCluster-lowLim+1)
		if n > len(img.dataClusters)-i {
			n = len(img.dataClusters) - i
		}
		groups = append(groups, img.dataClusters[i:i+n])
		i += n
	}

	l2Clusters := make([]uint64, 0, len(groups))
	for _, group := range groups {
		picked, err := pickDisjoint(img.rng, img.used, 1)
		if err != nil {
			return err
		}
		l2Cluster := picked[0]
		img.used[l2Cluster] = true
		l2Clusters = append(l2Clusters, l2Cluster)

		// Scatter the group over random distinct slots of the table.
		slots := img.rng.Perm(entriesPerCluster)[:len(group)]
		for i, dataCluster := range group {
			descriptor := dataCluster * img.ClusterSize
			if img.Version >= Version3 {
				// v3 entries may carry the all-zeroes flag.
				descriptor += uint64(img.rng.Intn(2))
			}
			img.L2Tables.Append(u64Field(
				l2Cluster*img.ClusterSize+uint64(slots[i])*EntrySize,
				descriptor|EntryReservedBit,
				"l2_entry",
			))
		}
	}

	// Active L1 slots are a random subset of the usable range, one per
	// L2 table. The table is sized by the highest active slot.
	slots := img.rng.Perm(maxL2Tables)[:len(groups)]
	maxSlot := 0
	for _, s := range slots {
		if s > maxSlot {
			maxSlot = s
		}
	}
	l1Clusters := int(ceilDiv(EntrySize*uint64(maxSlot+1), img.ClusterSize))
	start, err := pickContiguous(img.rng, img.used, l1Clusters)
	if err != nil {
		return err
	}
	for i := 0; i < l1Clusters; i++ {
		img.used[start+uint64(i)] = true
	}
	l1Offset.Val = start * img.ClusterSize
	for i, slot := range slots {
		img.L1Table.Append(u64Field(
			l1Offset.Val+uint64(slot)*EntrySize,
			l2Clusters[i]*img.ClusterSize|EntryReservedBit,
			"l1_entry",
		))
	}
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func ceilDivInt(a, b int) int {
	return (a + b - 1) / b
}
