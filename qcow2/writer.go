package qcow2

import (
	"fmt"
	"os"
)

// WriteTo serializes the image to path. Every field is written at its
// recorded offset; field ranges are disjoint by construction, so order
// does not matter. The file is then padded so its length is a multiple
// of the cluster size, the way a real image ends on a cluster boundary.
func (img *Image) WriteTo(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("qcow2: failed to create image file: %w", err)
	}

	for _, field := range img.Fields().Fields() {
		if _, err := f.WriteAt(field.Pack(), int64(field.Offset)); err != nil {
			f.Close()
			return fmt.Errorf("qcow2: failed to write field %q at offset %d: %w",
				field.Name, field.Offset, err)
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("qcow2: failed to stat image file: %w", err)
	}
	rounded := ceilDiv(uint64(info.Size()), img.ClusterSize) * img.ClusterSize
	if rounded == 0 {
		rounded = img.ClusterSize
	}
	if uint64(info.Size()) != rounded {
		if _, err := f.WriteAt([]byte{0}, int64(rounded-1)); err != nil {
			f.Close()
			return fmt.Errorf("qcow2: failed to pad image file: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("qcow2: failed to close image file: %w", err)
	}
	return nil
}
