// Package qcow2 generates structurally valid but selectively corrupted
// QCOW2 disk images for robustness testing of disk-image tools.
package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// QCOW2 magic number: "QFI\xfb"
const Magic = 0x514649fb

// QCOW2 versions
const (
	Version2 = 2
	Version3 = 3
)

// Header size constants
const (
	HeaderSizeV2 = 72  // Fixed header size for version 2
	HeaderSizeV3 = 104 // Fixed header size for version 3
)

// Cluster size bounds used by the generator. The format itself allows up
// to 2MB clusters, but generated images stay within what every QEMU
// release accepts.
const (
	MinClusterBits = 9  // 512 bytes
	MaxClusterBits = 20 // 1MB
)

// MaxImageSize bounds the virtual size of generated images.
const MaxImageSize = 10 * 1024 * 1024

// MinImageClusters is the minimum virtual size in clusters. A real empty
// image needs a few clusters of metadata, so generated sizes start there.
const MinImageClusters = 5

// Header extension types
const (
	ExtensionEndOfHeader      = 0x00000000
	ExtensionBackingFormat    = 0xE2792ACA
	ExtensionFeatureNameTable = 0x6803f857
)

// Feature name table entry layout: 1-byte type, 1-byte bit number,
// 46-byte zero-padded name.
const (
	FeatureNameTableEntrySize = 48
	FeatureNameSize           = 46
)

// Feature types used in feature name table entries.
const (
	FeatureTypeIncompatible = 0
	FeatureTypeCompatible   = 1
	FeatureTypeAutoclear    = 2
)

// Incompatible feature bits (must understand to open)
const (
	IncompatDirtyBit   = 1 << 0
	IncompatCorruptBit = 1 << 1
)

// Compatible feature bits (can ignore if unknown)
const (
	CompatLazyRefcounts = 1 << 0
)

// L1/L2 entry layout. Bit 63 marks the cluster as having a refcount of
// exactly one; the low bits hold a cluster-aligned offset.
const (
	EntryReservedBit = uint64(1) << 63
	EntrySize        = 8
)

// RefcountOrder is the only refcount width supported by QEMU: 1<<4 = 16
// bits per refcount entry.
const RefcountOrder = 4

// featureName maps a (type, bit) pair to the name QEMU publishes for it
// in the feature name table extension.
type featureName struct {
	Type byte
	Bit  byte
	Name string
}

// knownFeatures lists the feature bits the generator may set, together
// with their published names.
var knownFeatures = []featureName{
	{FeatureTypeIncompatible, 0, "dirty bit"},
	{FeatureTypeIncompatible, 1, "corrupt bit"},
	{FeatureTypeCompatible, 0, "lazy refcounts bit"},
}

// Errors
var (
	ErrInvalidMagic       = errors.New("qcow2: invalid magic number")
	ErrUnsupportedVersion = errors.New("qcow2: unsupported version")
	ErrNoUsedClusters     = errors.New("qcow2: used cluster set is empty")
	ErrExtensionBounds    = errors.New("qcow2: header extension exceeds bounds")
)

// Header represents the fixed QCOW2 file header. It mirrors the on-disk
// layout and is used to verify generated images by parsing them back.
type Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64 // Virtual size in bytes
	CryptMethod           uint32
	L1Size                uint32 // Number of entries in L1 table
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64

	// Version 3+ fields
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32
}

// ParseHeader reads a QCOW2 header from raw bytes. Only the magic and
// version are validated; generated images are corrupted on purpose, so
// out-of-range field values must still parse.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSizeV2 {
		return nil, fmt.Errorf("qcow2: header too short: %d bytes", len(data))
	}

	h := &Header{
		Magic:                 binary.BigEndian.Uint32(data[0:4]),
		Version:               binary.BigEndian.Uint32(data[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(data[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(data[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(data[20:24]),
		Size:                  binary.BigEndian.Uint64(data[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(data[32:36]),
		L1Size:                binary.BigEndian.Uint32(data[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(data[40:48]),
		RefcountTableOffset:   binary.BigEndian.Uint64(data[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(data[56:60]),
		NbSnapshots:           binary.BigEndian.Uint32(data[60:64]),
		SnapshotsOffset:       binary.BigEndian.Uint64(data[64:72]),
	}

	if h.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if h.Version != Version2 && h.Version != Version3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	if h.Version >= Version3 {
		if len(data) < HeaderSizeV3 {
			return nil, fmt.Errorf("qcow2: v3 header too short: %d bytes", len(data))
		}
		h.IncompatibleFeatures = binary.BigEndian.Uint64(data[72:80])
		h.CompatibleFeatures = binary.BigEndian.Uint64(data[80:88])
		h.AutoclearFeatures = binary.BigEndian.Uint64(data[88:96])
		h.RefcountOrder = binary.BigEndian.Uint32(data[96:100])
		h.HeaderLength = binary.BigEndian.Uint32(data[100:104])
	} else {
		h.RefcountOrder = RefcountOrder
		h.HeaderLength = HeaderSizeV2
	}

	return h, nil
}

// Encode serializes the header to bytes.
func (h *Header) Encode() []byte {
	var buf []byte
	if h.Version >= Version3 {
		buf = make([]byte, HeaderSizeV3)
	} else {
		buf = make([]byte, HeaderSizeV2)
	}

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(buf[20:24], h.ClusterBits)
	binary.BigEndian.PutUint64(buf[24:32], h.Size)
	binary.BigEndian.PutUint32(buf[32:36], h.CryptMethod)
	binary.BigEndian.PutUint32(buf[36:40], h.L1Size)
	binary.BigEndian.PutUint64(buf[40:48], h.L1TableOffset)
	binary.BigEndian.PutUint64(buf[48:56], h.RefcountTableOffset)
	binary.BigEndian.PutUint32(buf[56:60], h.RefcountTableClusters)
	binary.BigEndian.PutUint32(buf[60:64], h.NbSnapshots)
	binary.BigEndian.PutUint64(buf[64:72], h.SnapshotsOffset)

	if h.Version >= Version3 {
		binary.BigEndian.PutUint64(buf[72:80], h.IncompatibleFeatures)
		binary.BigEndian.PutUint64(buf[80:88], h.CompatibleFeatures)
		binary.BigEndian.PutUint64(buf[88:96], h.AutoclearFeatures)
		binary.BigEndian.PutUint32(buf[96:100], h.RefcountOrder)
		binary.BigEndian.PutUint32(buf[100:104], h.HeaderLength)
	}

	return buf
}

// ClusterSize returns the cluster size in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// Extension is one parsed header extension record.
type Extension struct {
	Magic  uint32
	Length uint32
	Data   []byte
}

// ParseExtensions walks a header extension chain. The input must start at
// the first extension record; parsing stops at the end-of-extensions
// marker. Each record is 8-byte aligned on disk, so the cursor advances
// by the padded length.
func ParseExtensions(data []byte) ([]Extension, error) {
	var exts []Extension
	offset := uint64(0)
	for offset+8 <= uint64(len(data)) {
		extMagic := binary.BigEndian.Uint32(data[offset:])
		extLen := binary.BigEndian.Uint32(data[offset+4:])

		if extMagic == ExtensionEndOfHeader {
			return exts, nil
		}

		dataEnd := offset + 8 + uint64(extLen)
		if dataEnd > uint64(len(data)) {
			return nil, ErrExtensionBounds
		}

		ext := Extension{
			Magic:  extMagic,
			Length: extLen,
			Data:   make([]byte, extLen),
		}
		copy(ext.Data, data[offset+8:dataEnd])
		exts = append(exts, ext)

		paddedLen := (extLen + 7) & ^uint32(7)
		offset += 8 + uint64(paddedLen)
	}
	return nil, errors.New("qcow2: missing end-of-extensions marker")
}
