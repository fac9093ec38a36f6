// Package partition reads partition-table extents for offset arithmetic.
// Tables are never written here; changes go through parted.
package partition

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/sigreer/imgforge/internal/failure"
)

// Kind is the partition-table format.
type Kind string

const (
	GPT Kind = "gpt"
	MBR Kind = "mbr"
)

// gptBackupSectors is the backup header plus a 128-entry array at the end of
// a GPT disk.
const gptBackupSectors = 33

// Entry is one partition. Start and End are byte offsets, End exclusive.
type Entry struct {
	Index    int
	TypeGUID string
	Label    string
	Start    uint64
	End      uint64
}

// Size returns the entry length in bytes.
func (e Entry) Size() uint64 {
	return e.End - e.Start
}

// Table is a snapshot of a disk's partition table.
type Table struct {
	Kind       Kind
	SectorSize uint64
	DiskSize   uint64
	// UsableEnd is the first byte no partition may extend past.
	UsableEnd uint64
	// Entries are ordered by index.
	Entries []Entry
}

// Entry returns the partition with the given index.
func (t *Table) Entry(index int) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// Last returns the highest-numbered entry.
func (t *Table) Last() (Entry, bool) {
	if len(t.Entries) == 0 {
		return Entry{}, false
	}
	return t.Entries[len(t.Entries)-1], true
}

// Limit is the furthest exclusive end partition index may grow to: the start
// of the nearest partition that follows it on disk, else the usable end.
func (t *Table) Limit(index int) (uint64, error) {
	e, ok := t.Entry(index)
	if !ok {
		return 0, fmt.Errorf("%w: no partition %d", failure.ErrPartitionNotFound, index)
	}

	limit := t.UsableEnd
	for _, other := range t.Entries {
		if other.Index == index {
			continue
		}
		if other.Start >= e.End && other.Start < limit {
			limit = other.Start
		}
	}
	return limit, nil
}

// Reader reads the partition table of a device.
type Reader interface {
	Read(ctx context.Context, device string) (*Table, error)
}

// DiskfsReader reads tables with go-diskfs, opening the device read-only.
type DiskfsReader struct{}

func (DiskfsReader) Read(_ context.Context, device string) (*Table, error) {
	d, err := diskfs.Open(device, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}
	defer d.File.Close()

	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table of %s: %w", device, err)
	}

	sector := uint64(d.LogicalBlocksize)
	size := uint64(d.Size)

	switch table := pt.(type) {
	case *gpt.Table:
		return FromGPT(table, size, sector), nil
	case *mbr.Table:
		return FromMBR(table, size, sector), nil
	default:
		return nil, fmt.Errorf("unsupported partition table type %s on %s", pt.Type(), device)
	}
}

// FromGPT converts a go-diskfs GPT table.
func FromGPT(table *gpt.Table, diskSize, sectorSize uint64) *Table {
	t := &Table{
		Kind:       GPT,
		SectorSize: sectorSize,
		DiskSize:   diskSize,
		UsableEnd:  diskSize - gptBackupSectors*sectorSize,
	}

	for i, p := range table.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		t.Entries = append(t.Entries, Entry{
			Index:    i + 1,
			TypeGUID: strings.ToLower(string(p.Type)),
			Label:    p.Name,
			Start:    p.Start * sectorSize,
			End:      (p.End + 1) * sectorSize,
		})
	}

	t.sort()
	return t
}

// FromMBR converts a go-diskfs MBR table. Only the four primary slots are
// considered.
func FromMBR(table *mbr.Table, diskSize, sectorSize uint64) *Table {
	t := &Table{
		Kind:       MBR,
		SectorSize: sectorSize,
		DiskSize:   diskSize,
		UsableEnd:  diskSize,
	}

	for i, p := range table.Partitions {
		if p == nil || p.Type == mbr.Empty || p.Size == 0 {
			continue
		}
		start := uint64(p.Start) * sectorSize
		t.Entries = append(t.Entries, Entry{
			Index:    i + 1,
			TypeGUID: fmt.Sprintf("0x%02x", uint8(p.Type)),
			Start:    start,
			End:      start + uint64(p.Size)*sectorSize,
		})
	}

	t.sort()
	return t
}

func (t *Table) sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].Index < t.Entries[j].Index
	})
}
