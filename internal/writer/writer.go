// Package writer erases a target and copies a raw image onto it.
package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/runner"
	"github.com/sigreer/imgforge/internal/target"
)

// Plan is an approved-or-not description of a write.
type Plan struct {
	approval.Plan

	Source *image.Source
	Target *target.Target
	// Oversize is set when the operator accepted an image larger than the target.
	Oversize bool
	// Limit caps the bytes copied; zero copies the whole image.
	Limit uint64
}

// Result is what later stages operate on.
type Result struct {
	// Device is the block device holding the written image: the target
	// itself, or the loop device bound to a target file.
	Device  string
	Loop    *Loop
	Written uint64
}

// Orchestrator runs the erase, copy, flush sequence.
type Orchestrator struct {
	Runner   runner.Runner
	Operator approval.Operator
	Copier   Copier
	Loops    *LoopBinder
	Log      logrus.FieldLogger

	// Sync flushes every filesystem buffer; defaults to sync(2).
	Sync func()
}

// New returns an Orchestrator using the host sync(2).
func New(r runner.Runner, op approval.Operator, c Copier, loops *LoopBinder, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Runner:   r,
		Operator: op,
		Copier:   c,
		Loops:    loops,
		Log:      log,
		Sync:     unix.Sync,
	}
}

// Plan checks the image fits the target and describes the write. An image
// larger than the target needs an explicit override, otherwise ErrCapacity.
func (o *Orchestrator) Plan(ctx context.Context, src *image.Source, tgt *target.Target) (*Plan, error) {
	p := &Plan{
		Plan: approval.Plan{
			Key:   approval.KeyWriteApply,
			Stage: "Write image",
			Summary: fmt.Sprintf("Write %s (%s) to %s (%s, %s).",
				src.Path, humanize.IBytes(src.Size), tgt.Path, humanize.IBytes(tgt.Size), tgt.Description),
		},
		Source: src,
		Target: tgt,
	}

	if src.Size > tgt.Size {
		msg := oversizeMessage(src, tgt)

		ok, err := o.Operator.Confirm(approval.KeyCapacity, msg+". Write anyway?")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", failure.ErrCapacity, msg)
		}

		p.Oversize = true
		p.Warnings = append(p.Warnings, msg)
		// a file grows past its end, a device cannot
		if tgt.Kind == target.KindDevice {
			p.Limit = tgt.Size
		}
	}

	p.Actions = []string{
		fmt.Sprintf("wipefs -a %s", tgt.Path),
		o.Copier.Describe(src.Path, tgt.Path, p.Limit),
		"sync",
	}
	if tgt.Kind == target.KindFile {
		p.Actions = append(p.Actions, fmt.Sprintf("losetup --find --partscan --show %s", tgt.Path))
	} else {
		p.Actions = append(p.Actions, fmt.Sprintf("blockdev --rereadpt %s", tgt.Path))
	}

	return p, nil
}

func oversizeMessage(src *image.Source, tgt *target.Target) string {
	if tgt.Kind == target.KindFile {
		return fmt.Sprintf("image is %s but %s is only %s; the file will grow to %s",
			humanize.IBytes(src.Size), tgt.Path, humanize.IBytes(tgt.Size), humanize.IBytes(src.Size))
	}
	return fmt.Sprintf("image is %s but %s holds only %s; only its first %s will be written and the rest of the image is lost",
		humanize.IBytes(src.Size), tgt.Path, humanize.IBytes(tgt.Size), humanize.IBytes(tgt.Size))
}

// Apply executes an approved plan. For file targets the returned Loop must
// be released by the caller on every exit path.
func (o *Orchestrator) Apply(ctx context.Context, p *Plan) (*Result, error) {
	log := o.Log.WithField("target", p.Target.Path)

	if err := o.wipe(ctx, p.Target.Path); err != nil {
		return nil, err
	}

	log.WithField("image", p.Source.Path).Info("copying image")
	if err := o.Copier.Copy(ctx, p.Source, p.Target.Path, p.Limit); err != nil {
		return nil, failure.Tool("copy image", err)
	}

	o.Sync()
	log.Info("image written and flushed")

	written := p.Source.Size
	if p.Limit > 0 {
		written = p.Limit
	}

	res := &Result{Device: p.Target.Path, Written: written}
	if p.Target.Kind != target.KindFile {
		if err := o.rescan(ctx, p.Target.Path); err != nil {
			return nil, err
		}
		return res, nil
	}

	loop, err := o.Loops.Bind(ctx, p.Target.Path)
	if err != nil {
		return nil, err
	}

	res.Device = loop.Device
	res.Loop = loop

	return res, nil
}

// rescan makes the kernel read the new partition table and waits until
// udev has created the partition nodes.
func (o *Orchestrator) rescan(ctx context.Context, dev string) error {
	if _, err := o.Runner.Run(ctx, "blockdev", "--rereadpt", dev); err != nil {
		return failure.Tool("re-read partition table", err)
	}
	if err := o.Loops.WaitPartitions(ctx, dev); err != nil {
		return failure.Tool("wait for partitions", err)
	}
	return nil
}

// wipe erases signatures, escalating once to a forced wipe with fresh consent.
func (o *Orchestrator) wipe(ctx context.Context, path string) error {
	_, err := o.Runner.Run(ctx, "wipefs", "-a", path)
	if err == nil {
		return nil
	}

	o.Log.WithError(err).Warn("wipefs failed")

	ok, cerr := o.Operator.Confirm(approval.KeyForceWipe,
		fmt.Sprintf("Erasing %s failed. Retry with a forced wipe?", path))
	if cerr != nil {
		return errors.Join(failure.Tool("wipefs", err), cerr)
	}
	if !ok {
		return failure.Tool("wipefs", err)
	}

	if _, err := o.Runner.Run(ctx, "wipefs", "-a", "-f", path); err != nil {
		return failure.Tool("wipefs -f", err)
	}

	return nil
}
