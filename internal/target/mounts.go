package target

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/spf13/afero"

	"github.com/sigreer/imgforge/internal/blockdev"
)

// RootDisks returns the whole disks backing "/", or nil when the root
// filesystem is not on a /dev node (overlay, tmpfs, nfs). A root on LVM or
// LUKS resolves to every physical disk underneath it.
func RootDisks(sys afero.Fs, mounts []*mountinfo.Info) []string {
	for _, m := range mounts {
		if m.Mountpoint != "/" {
			continue
		}
		if !strings.HasPrefix(m.Source, "/dev/") {
			return nil
		}
		return blockdev.Disks(sys, resolve(m.Source))
	}
	return nil
}

// MountsOn groups the mount points of every filesystem living on disk by
// source device.
func MountsOn(sys afero.Fs, disk string, mounts []*mountinfo.Info) map[string][]string {
	base := blockdev.BaseDisk(disk)
	result := make(map[string][]string)

	for _, m := range mounts {
		if !strings.HasPrefix(m.Source, "/dev/") {
			continue
		}
		src := resolve(m.Source)
		if !slices.Contains(blockdev.Disks(sys, src), base) {
			continue
		}
		result[src] = append(result[src], m.Mountpoint)
	}

	return result
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
