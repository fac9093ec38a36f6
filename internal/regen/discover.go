// Package regen gives the boot, root and EFI filesystems of a freshly written
// image new identifiers and rewrites the configuration files that name them.
package regen

import (
	"fmt"
	"strings"

	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
)

// Role is the part a filesystem plays in booting the image.
type Role string

const (
	RoleEFI  Role = "efi"
	RoleBoot Role = "boot"
	RoleRoot Role = "root"
)

// Discoverable partition type GUIDs
const (
	TypeLinuxRoot = "0fc63daf-8483-4772-8e79-3d69d8477de4"
	TypeXBOOTLDR  = "bc13c2ff-59e6-4262-a352-b275fd6f7172"
	TypeEFISystem = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
)

// Selection is the outcome of discovery. EFI is optional.
type Selection struct {
	Boot blockdev.Partition
	Root blockdev.Partition
	EFI  *blockdev.Partition
}

// Strategy picks the boot, root and EFI partitions of a disk.
type Strategy interface {
	Name() string
	Discover(disk *blockdev.Disk) (*Selection, error)
}

// StrategyFor selects the discovery strategy for the disk's table type.
func StrategyFor(disk *blockdev.Disk) (Strategy, error) {
	switch disk.TableType {
	case blockdev.TableGPT:
		return GPTStrategy{}, nil
	case blockdev.TableMBR:
		return MBRStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s has no recognised partition table (%q)",
			failure.ErrPartitionNotFound, disk.Path, disk.TableType)
	}
}

// GPTStrategy matches discoverable partition type GUIDs. When several
// partitions share a type, the highest-numbered one wins.
type GPTStrategy struct{}

func (GPTStrategy) Name() string { return "gpt-type-guid" }

func (GPTStrategy) Discover(disk *blockdev.Disk) (*Selection, error) {
	var boot, root, efi *blockdev.Partition

	for i := range disk.Partitions {
		p := &disk.Partitions[i]
		switch strings.ToLower(p.TypeGUID) {
		case TypeXBOOTLDR:
			boot = p
		case TypeLinuxRoot:
			root = p
		case TypeEFISystem:
			efi = p
		}
	}

	return selection(disk, boot, root, efi)
}

// MBRStrategy matches "boot" and "root" within partition labels. There is no
// fallback to position or type code: an unlabelled disk fails discovery.
type MBRStrategy struct{}

func (MBRStrategy) Name() string { return "mbr-label" }

func (MBRStrategy) Discover(disk *blockdev.Disk) (*Selection, error) {
	var boot, root, efi *blockdev.Partition

	for i := range disk.Partitions {
		p := &disk.Partitions[i]
		label := strings.ToLower(p.Label())
		switch {
		case strings.Contains(label, "efi"):
			efi = p
		case strings.Contains(label, "boot"):
			boot = p
		case strings.Contains(label, "root"):
			root = p
		}
	}

	return selection(disk, boot, root, efi)
}

func selection(disk *blockdev.Disk, boot, root, efi *blockdev.Partition) (*Selection, error) {
	var missing []string
	if boot == nil {
		missing = append(missing, string(RoleBoot))
	}
	if root == nil {
		missing = append(missing, string(RoleRoot))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no %s partition on %s",
			failure.ErrPartitionNotFound, strings.Join(missing, " or "), disk.Path)
	}

	sel := &Selection{Boot: *boot, Root: *root}
	if efi != nil {
		e := *efi
		sel.EFI = &e
	}
	return sel, nil
}
