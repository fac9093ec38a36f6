// Package blockdev reads block-device attributes (size, partitions, filesystem
// kind, type GUID, table kind, labels) through lsblk and the kernel.
package blockdev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigreer/imgforge/internal/runner"
)

const lsblkColumns = "NAME,PATH,TYPE,SIZE,MODEL,VENDOR,PTTYPE,PARTTYPE,PARTLABEL,PARTN,LABEL,FSTYPE,UUID,MOUNTPOINT"

// lsblkOutput represents the JSON output from lsblk
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

// lsblkDevice represents a single device in lsblk output
type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       flexNumber    `json:"size"`
	Model      string        `json:"model"`
	Vendor     string        `json:"vendor"`
	PTType     string        `json:"pttype"`
	PartType   string        `json:"parttype"`
	PartLabel  string        `json:"partlabel"`
	PartN      flexNumber    `json:"partn"`
	Label      string        `json:"label"`
	FSType     string        `json:"fstype"`
	UUID       string        `json:"uuid"`
	MountPoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// flexNumber accepts both the numeric and the quoted form; lsblk switched
// between them across util-linux releases.
type flexNumber uint64

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lsblk number %q: %w", b, err)
	}
	*n = flexNumber(v)
	return nil
}

// Inspect reads the disk at path and its partitions.
func Inspect(ctx context.Context, r runner.Runner, path string) (*Disk, error) {
	out, err := r.Run(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns, path)
	if err != nil {
		return nil, err
	}
	return ParseLsblk([]byte(out))
}

// ParseLsblk converts lsblk JSON for a single disk into a Disk.
func ParseLsblk(data []byte) (*Disk, error) {
	var output lsblkOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	if len(output.Blockdevices) == 0 {
		return nil, fmt.Errorf("lsblk reported no devices")
	}

	dev := output.Blockdevices[0]
	disk := &Disk{
		Path:       dev.Path,
		Size:       uint64(dev.Size),
		Model:      strings.TrimSpace(dev.Model),
		Vendor:     strings.TrimSpace(dev.Vendor),
		TableType:  strings.ToLower(dev.PTType),
		MountPoint: dev.MountPoint,
	}

	for _, child := range dev.Children {
		if child.Type != "part" {
			continue
		}

		index := int(child.PartN)
		if index == 0 {
			index = indexFromName(dev.Name, child.Name)
		}

		disk.Partitions = append(disk.Partitions, Partition{
			Path:       child.Path,
			Index:      index,
			Size:       uint64(child.Size),
			TypeGUID:   strings.ToLower(child.PartType),
			PartLabel:  child.PartLabel,
			FSLabel:    child.Label,
			FSType:     child.FSType,
			UUID:       child.UUID,
			MountPoint: child.MountPoint,
		})
	}

	return disk, nil
}

// indexFromName derives a partition number from kernel names, for lsblk
// versions without the PARTN column: sda + sda2 -> 2, loop0 + loop0p3 -> 3.
func indexFromName(parent, child string) int {
	suffix := strings.TrimPrefix(child, parent)
	suffix = strings.TrimPrefix(suffix, "p")
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}
