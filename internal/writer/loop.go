package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/sirupsen/logrus"

	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/runner"
)

var errNoPartitions = errors.New("no partition nodes yet")

// Loop is a loop device bound to an image file.
type Loop struct {
	Device string
	File   string

	binder   *LoopBinder
	released bool
}

// Release detaches the loop device. It is safe to call more than once.
func (l *Loop) Release(ctx context.Context) error {
	if l == nil || l.released {
		return nil
	}

	if _, err := l.binder.Runner.Run(ctx, "losetup", "-d", l.Device); err != nil {
		return failure.Tool("detach loop device", err)
	}
	l.released = true
	l.binder.Log.WithFields(logrus.Fields{"loop": l.Device, "file": l.File}).Info("loop device released")

	return nil
}

// LoopBinder attaches image files to loop devices with partition scanning.
type LoopBinder struct {
	Runner runner.Runner
	Log    logrus.FieldLogger
	// Settle bounds the wait for partition nodes to appear.
	Settle time.Duration
	// Poll is the interval between checks.
	Poll time.Duration
	// Exists reports whether a device node is present.
	Exists func(path string) bool
}

// NewLoopBinder returns a binder checking for nodes under /dev.
func NewLoopBinder(r runner.Runner, settle time.Duration, log logrus.FieldLogger) *LoopBinder {
	return &LoopBinder{
		Runner: r,
		Log:    log,
		Settle: settle,
		Poll:   100 * time.Millisecond,
		Exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Bind attaches file and waits until its partition nodes exist. On error no
// loop device remains attached.
func (b *LoopBinder) Bind(ctx context.Context, file string) (*Loop, error) {
	out, err := b.Runner.Run(ctx, "losetup", "--find", "--partscan", "--nooverlap", "--show", file)
	if err != nil {
		return nil, failure.Tool("attach loop device", err)
	}

	loop := &Loop{Device: strings.TrimSpace(out), File: file, binder: b}
	if loop.Device == "" {
		return nil, failure.Tool("attach loop device", fmt.Errorf("losetup printed no device for %s", file))
	}

	b.Log.WithFields(logrus.Fields{"loop": loop.Device, "file": file}).Info("loop device attached")

	if err := b.WaitPartitions(ctx, loop.Device); err != nil {
		if rerr := loop.Release(ctx); rerr != nil {
			b.Log.WithError(rerr).Warn("failed to release loop device")
		}
		return nil, failure.Tool("wait for loop partitions", err)
	}

	return loop, nil
}

// WaitPartitions polls until dev lists partitions and every partition node
// exists, or Settle elapses.
func (b *LoopBinder) WaitPartitions(ctx context.Context, dev string) error {
	return retry.Constant(b.Settle, retry.WithUnits(b.Poll)).Retry(func() error {
		if err := ctx.Err(); err != nil {
			return retry.UnexpectedError(err)
		}

		disk, err := blockdev.Inspect(ctx, b.Runner, dev)
		if err != nil {
			return retry.ExpectedError(err)
		}
		if len(disk.Partitions) == 0 {
			return retry.ExpectedError(errNoPartitions)
		}
		for _, p := range disk.Partitions {
			if !b.Exists(p.Path) {
				return retry.ExpectedError(fmt.Errorf("%s not present yet", p.Path))
			}
		}

		return nil
	})
}
