package blockdev

import (
	"path"
	"sort"

	"github.com/spf13/afero"
)

// SysClassBlock is where the kernel lists block devices.
const SysClassBlock = "/sys/class/block"

// maxStackDepth bounds dm-on-dm-on-md chains.
const maxStackDepth = 8

// Disks returns the whole disks a device node lives on. A partition maps to
// its disk; a device-mapper or md node (LVM, LUKS, RAID) is followed through
// its slaves in sysfs down to the physical disks. sys is rooted at "/".
func Disks(sys afero.Fs, dev string) []string {
	seen := make(map[string]bool)
	collectDisks(sys, dev, 0, seen)

	disks := make([]string, 0, len(seen))
	for d := range seen {
		disks = append(disks, d)
	}
	sort.Strings(disks)
	return disks
}

func collectDisks(sys afero.Fs, dev string, depth int, seen map[string]bool) {
	slaves, err := afero.ReadDir(sys, path.Join(SysClassBlock, path.Base(dev), "slaves"))
	if err != nil || len(slaves) == 0 || depth >= maxStackDepth {
		seen[BaseDisk(dev)] = true
		return
	}
	for _, s := range slaves {
		collectDisks(sys, "/dev/"+s.Name(), depth+1, seen)
	}
}
