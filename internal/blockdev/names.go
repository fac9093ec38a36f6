package blockdev

import (
	"fmt"
	"regexp"
)

// PartitionPath maps a disk and 1-based partition index to the partition's
// device node. Disks whose name ends in a digit take a "p" separator.
//
//	/dev/sda, 2     -> /dev/sda2
//	/dev/mmcblk0, 2 -> /dev/mmcblk0p2
//	/dev/loop7, 1   -> /dev/loop7p1
func PartitionPath(disk string, index int) string {
	if disk == "" {
		return ""
	}
	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, index)
	}
	return fmt.Sprintf("%s%d", disk, index)
}

// Disk families whose whole-disk name ends in a digit; their partitions
// always use the "p" separator.
var digitDiskRe = regexp.MustCompile(`^(.*/)?((?:nvme\d+n\d+)|(?:mmcblk\d+)|(?:loop\d+)|(?:nbd\d+)|(?:md\d+)|(?:dm-\d+))(?:p\d+)?$`)

var letterDiskRe = regexp.MustCompile(`^(.*[^\d])\d+$`)

// BaseDisk strips a trailing partition suffix from a device path:
//
//	/dev/sda3      -> /dev/sda
//	/dev/nvme0n1p2 -> /dev/nvme0n1
//	/dev/nvme0n1   -> /dev/nvme0n1
func BaseDisk(path string) string {
	if m := digitDiskRe.FindStringSubmatch(path); m != nil {
		return m[1] + m[2]
	}
	if m := letterDiskRe.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	return path
}
