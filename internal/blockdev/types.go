package blockdev

import "strings"

// FSKind classifies the filesystems the pipeline knows how to handle.
type FSKind string

const (
	KindFAT32 FSKind = "fat32"
	KindEXT4  FSKind = "ext4"
	KindOther FSKind = "other"
)

// KindOf maps an lsblk FSTYPE to an FSKind.
func KindOf(fstype string) FSKind {
	switch strings.ToLower(fstype) {
	case "vfat", "fat32", "fat":
		return KindFAT32
	case "ext4":
		return KindEXT4
	default:
		return KindOther
	}
}

// Partition table types as reported by lsblk PTTYPE
const (
	TableGPT = "gpt"
	TableMBR = "dos"
)

// Disk is a whole block device with its partitions.
type Disk struct {
	Path       string
	Size       uint64
	Model      string
	Vendor     string
	TableType  string
	MountPoint string
	Partitions []Partition
}

// Partition is one partition of a Disk and the filesystem it carries.
type Partition struct {
	Path       string
	Index      int
	Size       uint64
	TypeGUID   string // GPT partition type GUID, lower case; MBR type code otherwise
	PartLabel  string
	FSLabel    string
	FSType     string
	UUID       string
	MountPoint string
}

// Kind returns the partition's filesystem kind.
func (p Partition) Kind() FSKind {
	return KindOf(p.FSType)
}

// Label returns the GPT partition name when set, else the filesystem label.
func (p Partition) Label() string {
	if p.PartLabel != "" {
		return p.PartLabel
	}
	return p.FSLabel
}

// Description renders vendor and model, e.g. "SanDisk Ultra".
func (d *Disk) Description() string {
	desc := strings.TrimSpace(strings.TrimSpace(d.Vendor) + " " + strings.TrimSpace(d.Model))
	if desc == "" {
		return "unknown device"
	}
	return desc
}

// Partition returns the partition with the given 1-based index.
func (d *Disk) Partition(index int) (Partition, bool) {
	for _, p := range d.Partitions {
		if p.Index == index {
			return p, true
		}
	}
	return Partition{}, false
}
