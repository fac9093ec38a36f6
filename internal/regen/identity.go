package regen

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
)

// Identity is one filesystem's current and replacement identifier.
type Identity struct {
	Role      Role
	Partition string
	FSType    string
	Kind      blockdev.FSKind
	// Current is the identifier as lsblk reports it.
	Current string
	// New is canonical: 8 upper-case hex digits for FAT32, a UUID for ext4.
	New string
}

var fatIDPattern = regexp.MustCompile(`^[0-9A-F]{8}$`)

// NewFATID returns a random FAT volume id of 8 upper-case hex digits.
func NewFATID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(u[:4])), nil
}

// NewEXT4ID returns a random canonical UUID.
func NewEXT4ID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// FATText renders an 8-digit FAT id the way configuration files carry it.
func FATText(id string) string {
	if len(id) != 8 {
		return id
	}
	return id[:4] + "-" + id[4:]
}

// ValidFATID reports whether id is 8 upper-case hex digits.
func ValidFATID(id string) bool {
	return fatIDPattern.MatchString(id)
}

// Text is the new identifier as it appears in configuration files.
func (i Identity) Text() string {
	if i.Kind == blockdev.KindFAT32 {
		return FATText(i.New)
	}
	return i.New
}

// newIdentity draws a fresh identifier for p.
func newIdentity(role Role, p blockdev.Partition) (Identity, error) {
	id := Identity{
		Role:      role,
		Partition: p.Path,
		FSType:    p.FSType,
		Kind:      p.Kind(),
		Current:   p.UUID,
	}

	var err error
	switch id.Kind {
	case blockdev.KindFAT32:
		id.New, err = NewFATID()
	case blockdev.KindEXT4:
		id.New, err = NewEXT4ID()
	default:
		return id, fmt.Errorf("%w: %s partition %s is %q", failure.ErrUnsupportedFilesystem, role, p.Path, p.FSType)
	}
	if err != nil {
		return id, fmt.Errorf("failed to generate identifier for %s: %w", p.Path, err)
	}

	if id.Current == "" {
		return id, fmt.Errorf("%w: %s partition %s reports no identifier", failure.ErrUnsupportedFilesystem, role, p.Path)
	}

	return id, nil
}

// Generate draws identifiers for every selected filesystem, in superblock
// commit order: boot, root, then EFI.
func Generate(sel *Selection) ([]Identity, error) {
	ids := make([]Identity, 0, 3)

	for _, pick := range []struct {
		role Role
		part *blockdev.Partition
	}{
		{RoleBoot, &sel.Boot},
		{RoleRoot, &sel.Root},
		{RoleEFI, sel.EFI},
	} {
		if pick.part == nil {
			continue
		}
		id, err := newIdentity(pick.role, *pick.part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}
