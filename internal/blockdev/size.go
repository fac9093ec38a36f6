package blockdev

import (
	"fmt"
	"os"

	"github.com/siderolabs/go-blockdevice/v2/block"
)

// Size returns the size in bytes of a regular file or block device.
func Size(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if info.Mode().IsRegular() {
		return uint64(info.Size()), nil
	}

	if !IsBlockDevice(info) {
		return 0, fmt.Errorf("%s is neither a regular file nor a block device", path)
	}

	dev, err := block.NewFromPath(path)
	if err != nil {
		return 0, fmt.Errorf("error opening block device %q: %w", path, err)
	}

	defer dev.Close() //nolint:errcheck

	size, err := dev.GetSize()
	if err != nil {
		return 0, fmt.Errorf("error reading size of %q: %w", path, err)
	}

	return size, nil
}

// IsBlockDevice reports whether info describes a block (not character) device.
func IsBlockDevice(info os.FileInfo) bool {
	mode := info.Mode()
	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0
}
