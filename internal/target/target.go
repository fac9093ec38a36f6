// Package target validates the medium an image is written to and refuses
// targets that are unsafe to overwrite.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/runner"
)

// Kind discriminates physical devices from image files.
type Kind string

const (
	KindDevice Kind = "device"
	KindFile   Kind = "file"
)

// Target is a validated write target.
type Target struct {
	Kind        Kind
	Path        string
	Size        uint64
	Description string
	// Created is set when the resolver created the image file.
	Created bool
}

func (t *Target) String() string {
	return fmt.Sprintf("%s %s (%s)", t.Kind, t.Path, humanize.IBytes(t.Size))
}

// Request is the operator's choice of target. Exactly one of Device and File
// is set.
type Request struct {
	Device string
	File   string
}

// Resolver turns a Request into a Target.
type Resolver struct {
	Runner   runner.Runner
	Operator approval.Operator
	Log      logrus.FieldLogger

	// Mounts lists the current mount table; defaults to /proc/self/mountinfo.
	Mounts func() ([]*mountinfo.Info, error)
	// Unmount detaches a mount point; defaults to umount(2).
	Unmount func(mountpoint string) error
	// SizeOf returns the size of a file or block device.
	SizeOf func(path string) (uint64, error)
	// IsBlock reports whether path is a block device.
	IsBlock func(path string) (bool, error)
	// Canonical resolves /dev/disk/by-* links to the device node.
	Canonical func(path string) (string, error)
	// Sys is the host filesystem used to follow stacked devices in sysfs.
	Sys afero.Fs
}

// NewResolver returns a Resolver bound to the host.
func NewResolver(r runner.Runner, op approval.Operator, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		Runner:   r,
		Operator: op,
		Log:      log,
		Mounts: func() ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(nil)
		},
		Unmount: func(mountpoint string) error {
			return unix.Unmount(mountpoint, 0)
		},
		SizeOf: blockdev.Size,
		IsBlock: func(path string) (bool, error) {
			info, err := os.Stat(path)
			if err != nil {
				return false, err
			}
			return blockdev.IsBlockDevice(info), nil
		},
		Canonical: filepath.EvalSymlinks,
		Sys:       afero.NewOsFs(),
	}
}

// Resolve validates the request and returns the target.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Target, error) {
	switch {
	case req.Device != "" && req.File != "":
		return nil, failure.Unsafe("both a device and a file were given")
	case req.Device != "":
		return r.resolveDevice(ctx, req.Device)
	case req.File != "":
		return r.resolveFile(req.File)
	default:
		return nil, failure.Unsafe("no target given")
	}
}

func (r *Resolver) resolveDevice(ctx context.Context, path string) (*Target, error) {
	resolved, mounts, err := r.checkDevice(path)
	if err != nil {
		return nil, err
	}

	size, err := r.SizeOf(resolved)
	if err != nil {
		return nil, failure.Unsafe("cannot read size of %s: %v", resolved, err)
	}
	if size == 0 {
		return nil, failure.Unsafe("%s reports zero size (no medium?)", resolved)
	}

	description := "unknown device"
	if disk, err := blockdev.Inspect(ctx, r.Runner, resolved); err == nil {
		description = disk.Description()
	} else {
		r.Log.WithError(err).Debug("could not describe device")
	}

	tgt := &Target{
		Kind:        KindDevice,
		Path:        resolved,
		Size:        size,
		Description: description,
	}

	ok, err := r.Operator.Confirm(approval.KeyTargetConfirm,
		fmt.Sprintf("Write to %s (%s, %s)? ALL DATA ON IT WILL BE DESTROYED", tgt.Path, humanize.Bytes(size), description))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: target %s not confirmed", failure.ErrDeclined, tgt.Path)
	}

	if err := r.releaseMounts(resolved, mounts); err != nil {
		return nil, err
	}

	r.Log.WithFields(logrus.Fields{"device": tgt.Path, "size": size}).Info("target device accepted")

	return tgt, nil
}

// Existing vets a device that already carries an image before a single
// stage works on it in place. It applies the same system-disk and mount
// checks as Resolve but asks no destroy confirmation; the stage's own plan
// is the operator's gate.
func (r *Resolver) Existing(ctx context.Context, path string) (*Target, error) {
	resolved, mounts, err := r.checkDevice(path)
	if err != nil {
		return nil, err
	}

	if err := r.releaseMounts(resolved, mounts); err != nil {
		return nil, err
	}

	tgt := &Target{Kind: KindDevice, Path: resolved, Description: "unknown device"}
	if size, err := r.SizeOf(resolved); err == nil {
		tgt.Size = size
	}
	if disk, err := blockdev.Inspect(ctx, r.Runner, resolved); err == nil {
		tgt.Description = disk.Description()
	}

	r.Log.WithField("device", resolved).Info("device accepted")

	return tgt, nil
}

// checkDevice resolves path and refuses anything that is not a block device
// or that backs the running system.
func (r *Resolver) checkDevice(path string) (string, []*mountinfo.Info, error) {
	resolved, err := r.Canonical(path)
	if err != nil {
		return "", nil, failure.Unsafe("%s does not exist", path)
	}

	isBlock, err := r.IsBlock(resolved)
	if err != nil {
		return "", nil, failure.Unsafe("cannot stat %s: %v", resolved, err)
	}
	if !isBlock {
		return "", nil, failure.Unsafe("%s is not a block device", resolved)
	}

	mounts, err := r.Mounts()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	disks := blockdev.Disks(r.Sys, resolved)
	for _, root := range RootDisks(r.Sys, mounts) {
		if slices.Contains(disks, root) {
			return "", nil, failure.Unsafe("%s holds the running system's root filesystem", resolved)
		}
	}

	return resolved, mounts, nil
}

// releaseMounts unmounts, with consent, every mount backed by the target disk.
func (r *Resolver) releaseMounts(disk string, mounts []*mountinfo.Info) error {
	bySource := MountsOn(r.Sys, disk, mounts)
	if len(bySource) == 0 {
		return nil
	}

	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		points := bySource[src]
		ok, err := r.Operator.Confirm(approval.KeyTargetUnmount,
			fmt.Sprintf("%s is mounted at %v. Unmount it?", src, points))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is mounted and was not unmounted", failure.ErrTargetBusy, src)
		}

		// unmount the deepest mount points first
		sort.Sort(sort.Reverse(sort.StringSlice(points)))
		for _, mp := range points {
			if err := r.Unmount(mp); err != nil {
				return fmt.Errorf("%w: unmounting %s from %s: %v", failure.ErrTargetBusy, src, mp, err)
			}
			r.Log.WithFields(logrus.Fields{"source": src, "mountpoint": mp}).Info("unmounted")
		}
	}

	return nil
}

func (r *Resolver) resolveFile(path string) (*Target, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return nil, failure.Unsafe("%s exists and is not a regular file", path)
		}
		r.Log.WithFields(logrus.Fields{"file": path, "size": info.Size()}).Info("using existing image file")
		return &Target{Kind: KindFile, Path: path, Size: uint64(info.Size()), Description: "image file"}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, failure.Unsafe("cannot stat %s: %v", path, err)
	}

	size, err := r.askSize(path)
	if err != nil {
		return nil, err
	}

	if err := CreateZeroed(path, size); err != nil {
		return nil, err
	}

	r.Log.WithFields(logrus.Fields{"file": path, "size": size}).Info("created image file")

	return &Target{Kind: KindFile, Path: path, Size: size, Description: "image file", Created: true}, nil
}

// askSize prompts until a positive size parses.
func (r *Resolver) askSize(path string) (uint64, error) {
	for {
		answer, err := r.Operator.Ask(approval.Question{
			Key:    approval.KeyTargetSize,
			Prompt: fmt.Sprintf("%s does not exist. Size of the new image file (e.g. 8GiB)", path),
		})
		if err != nil {
			return 0, err
		}

		size, err := humanize.ParseBytes(answer)
		if err == nil && size > 0 {
			return size, nil
		}
		r.Log.WithField("answer", answer).Warn("invalid size, try again")
	}
}

// CreateZeroed creates path with the given size; the content reads as zeros.
func CreateZeroed(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to size %s: %w", path, err)
	}

	return f.Close()
}
