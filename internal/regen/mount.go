package regen

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Mounter attaches filesystems at private temporary mount points.
type Mounter interface {
	Mount(ctx context.Context, source, fstype string, readOnly bool) (mountpoint string, err error)
	Unmount(ctx context.Context, mountpoint string) error
	// FS exposes a mounted filesystem rooted at its mount point.
	FS(mountpoint string) afero.Fs
}

// SysMounter mounts with mount(2) under Dir.
type SysMounter struct {
	// Dir is the parent of the temporary mount points; empty means os.TempDir.
	Dir string
}

func (m *SysMounter) Mount(_ context.Context, source, fstype string, readOnly bool) (string, error) {
	mp, err := os.MkdirTemp(m.Dir, "imgforge-")
	if err != nil {
		return "", fmt.Errorf("failed to create mount point: %w", err)
	}

	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	if err := unix.Mount(source, mp, fstype, flags, ""); err != nil {
		os.Remove(mp)
		return "", fmt.Errorf("mount %s (%s) on %s: %w", source, fstype, mp, err)
	}

	return mp, nil
}

func (m *SysMounter) Unmount(_ context.Context, mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	return os.Remove(mountpoint)
}

func (m *SysMounter) FS(mountpoint string) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), mountpoint)
}

type mounted struct {
	role       Role
	source     string
	mountpoint string
}

// mountSet tracks what the engine has mounted so every exit path can release
// it.
type mountSet struct {
	mounter Mounter
	log     logrus.FieldLogger
	list    []mounted
}

func (s *mountSet) mount(ctx context.Context, role Role, source, fstype string, readOnly bool) error {
	mp, err := s.mounter.Mount(ctx, source, fstype, readOnly)
	if err != nil {
		return err
	}
	s.list = append(s.list, mounted{role: role, source: source, mountpoint: mp})
	s.log.WithFields(logrus.Fields{"role": role, "source": source, "mountpoint": mp}).Debug("mounted")
	return nil
}

// filesystems returns an afero view of each mounted role.
func (s *mountSet) filesystems() map[Role]afero.Fs {
	fss := make(map[Role]afero.Fs, len(s.list))
	for _, m := range s.list {
		fss[m.role] = s.mounter.FS(m.mountpoint)
	}
	return fss
}

// release unmounts everything in reverse order, attempting all of them.
func (s *mountSet) release(ctx context.Context) error {
	var result *multierror.Error

	for i := len(s.list) - 1; i >= 0; i-- {
		m := s.list[i]
		if err := s.mounter.Unmount(ctx, m.mountpoint); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s.log.WithFields(logrus.Fields{"role": m.role, "mountpoint": m.mountpoint}).Debug("unmounted")
	}
	s.list = nil

	return result.ErrorOrNil()
}
