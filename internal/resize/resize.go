// Package resize enlarges one partition into trailing free space and grows
// the ext4 filesystem it carries.
package resize

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/partition"
	"github.com/sigreer/imgforge/internal/runner"
)

// State is the controller's progress. A failure leaves it at the last state
// reached.
type State string

const (
	Idle              State = "idle"
	TableRead         State = "table-read"
	Skipped           State = "skipped"
	NewEndComputed    State = "new-end-computed"
	TableResized      State = "table-resized"
	FilesystemChecked State = "filesystem-checked"
	FilesystemGrown   State = "filesystem-grown"
	Done              State = "done"
)

// EndAll selects all space up to the limit.
const EndAll = "all"

// Request carries answers known up front; zero values are asked for.
type Request struct {
	Device    string
	Partition int
	End       string
}

// Plan is a computed resize awaiting approval.
type Plan struct {
	approval.Plan

	Device    string
	TableKind partition.Kind
	Partition string
	Index     int
	OldEnd    uint64
	NewEnd    uint64
	// PartedEnd is the end argument handed to parted resizepart.
	PartedEnd string
}

// Controller drives one partition enlargement.
type Controller struct {
	Runner   runner.Runner
	Operator approval.Operator
	Tables   partition.Reader
	Out      io.Writer
	Log      logrus.FieldLogger

	parted *partition.Parted
	state  State
}

// New returns an idle controller.
func New(r runner.Runner, op approval.Operator, tables partition.Reader, out io.Writer, log logrus.FieldLogger) *Controller {
	return &Controller{
		Runner:   r,
		Operator: op,
		Tables:   tables,
		Out:      out,
		Log:      log,
		parted:   &partition.Parted{Runner: r},
		state:    Idle,
	}
}

// State returns the state reached so far.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) enter(s State) {
	c.Log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("resize state")
	c.state = s
}

// Skip records that the operator declined the resize.
func (c *Controller) Skip() {
	c.enter(Skipped)
}

// Plan reads the table, asks which partition to enlarge and to where, and
// returns the computed plan. A nil plan with no error means the operator
// chose not to resize.
func (c *Controller) Plan(ctx context.Context, req Request) (*Plan, error) {
	if c.state != Idle {
		return nil, fmt.Errorf("resize controller already used (state %s)", c.state)
	}

	table, err := c.Tables.Read(ctx, req.Device)
	if err != nil {
		return nil, err
	}
	c.enter(TableRead)

	free, err := c.parted.FreeSpace(ctx, req.Device)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Out, "\nPartition layout of %s:\n%s\n", req.Device, free)

	if req.Partition == 0 && req.End == "" {
		ok, err := c.Operator.Confirm(approval.KeyResizeEnable, "Enlarge a partition into the free space?")
		if err != nil {
			return nil, err
		}
		if !ok {
			c.Skip()
			return nil, nil
		}
	}

	index, err := c.choosePartition(table, req.Partition)
	if err != nil {
		return nil, err
	}
	entry, _ := table.Entry(index)

	disk, err := blockdev.Inspect(ctx, c.Runner, req.Device)
	if err != nil {
		return nil, err
	}
	part, ok := disk.Partition(index)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no partition %d", failure.ErrPartitionNotFound, req.Device, index)
	}
	if part.Kind() != blockdev.KindEXT4 {
		return nil, fmt.Errorf("%w: partition %d is %q, only ext4 can be grown",
			failure.ErrUnsupportedFilesystem, index, part.FSType)
	}

	limit, err := table.Limit(index)
	if err != nil {
		return nil, err
	}
	if limit <= entry.End {
		return nil, fmt.Errorf("partition %d already ends at %s; no free space follows it", index, megabytes(entry.End))
	}

	newEnd, partedEnd, err := c.chooseEnd(table, entry, limit, req.End)
	if err != nil {
		return nil, err
	}
	c.enter(NewEndComputed)

	path := blockdev.PartitionPath(req.Device, index)
	p := &Plan{
		Plan: approval.Plan{
			Key:   approval.KeyResizeApply,
			Stage: "Enlarge partition",
			Summary: fmt.Sprintf("Grow partition %d (%s) from %s to %s.",
				index, path, megabytes(entry.End), megabytes(newEnd)),
			Actions: []string{
				"parted " + strings.Join(partition.ResizeCommand(req.Device, index, partedEnd), " "),
				"e2fsck -f -p " + path,
				"resize2fs " + path,
			},
		},
		Device:    req.Device,
		TableKind: table.Kind,
		Partition: path,
		Index:     index,
		OldEnd:    entry.End,
		NewEnd:    newEnd,
		PartedEnd: partedEnd,
	}
	if table.Kind == partition.GPT {
		p.Actions = append([]string{"sgdisk -e " + req.Device}, p.Actions...)
	}

	return p, nil
}

// Apply resizes the table entry, checks the filesystem and grows it.
func (c *Controller) Apply(ctx context.Context, p *Plan) error {
	if c.state != NewEndComputed {
		return fmt.Errorf("resize cannot be applied in state %s", c.state)
	}

	log := c.Log.WithFields(logrus.Fields{"device": p.Device, "partition": p.Index})

	if p.TableKind == partition.GPT {
		if err := partition.MoveBackupHeader(ctx, c.Runner, p.Device); err != nil {
			return err
		}
	}
	if err := c.parted.Resize(ctx, p.Device, p.Index, p.PartedEnd); err != nil {
		return err
	}
	c.enter(TableResized)
	log.WithField("end", megabytes(p.NewEnd)).Info("partition table entry resized")

	if err := blockdev.CheckExt4(ctx, c.Runner, log, p.Partition); err != nil {
		return err
	}
	c.enter(FilesystemChecked)

	if _, err := c.Runner.Run(ctx, "resize2fs", p.Partition); err != nil {
		return failure.Tool("resize2fs", err)
	}
	c.enter(FilesystemGrown)
	log.Info("filesystem grown")

	c.enter(Done)
	return nil
}

func (c *Controller) choosePartition(table *partition.Table, preset int) (int, error) {
	if preset != 0 {
		if _, ok := table.Entry(preset); !ok {
			return 0, fmt.Errorf("%w: no partition %d", failure.ErrPartitionNotFound, preset)
		}
		return preset, nil
	}

	last, ok := table.Last()
	if !ok {
		return 0, fmt.Errorf("%w: partition table is empty", failure.ErrPartitionNotFound)
	}

	for {
		answer, err := c.Operator.Ask(approval.Question{
			Key:     approval.KeyResizePartition,
			Prompt:  "Partition number to enlarge",
			Default: strconv.Itoa(last.Index),
		})
		if err != nil {
			return 0, err
		}

		index, err := strconv.Atoi(strings.TrimSpace(answer))
		if err == nil {
			if _, ok := table.Entry(index); ok {
				return index, nil
			}
		}
		fmt.Fprintf(c.Out, "No partition %q, try again.\n", answer)
	}
}

// chooseEnd returns the new exclusive end and the matching parted argument.
// A custom end is re-asked until current end < e <= limit; a preset end that
// is out of range is an error.
func (c *Controller) chooseEnd(table *partition.Table, entry partition.Entry, limit uint64, preset string) (uint64, string, error) {
	answer := preset
	for {
		if answer == "" {
			var err error
			answer, err = c.Operator.Ask(approval.Question{
				Key: approval.KeyResizeEnd,
				Prompt: fmt.Sprintf("New end for partition %d: %q for all space up to %s, or a size (plain numbers are MB)",
					entry.Index, EndAll, megabytes(limit)),
				Default: EndAll,
			})
			if err != nil {
				return 0, "", err
			}
		}

		if strings.EqualFold(strings.TrimSpace(answer), EndAll) {
			// a following partition bounds the growth, not the disk end
			if limit < table.UsableEnd {
				return limit, partition.EndBytes(limit), nil
			}
			return limit, partition.EndAll, nil
		}

		end, err := AcceptEnd(answer, entry.End, limit)
		if err == nil {
			return end, partition.EndBytes(end), nil
		}
		if preset != "" {
			return 0, "", err
		}

		fmt.Fprintf(c.Out, "%v, try again.\n", err)
		answer = ""
	}
}

// ParseEnd reads an end position: a plain number is MB, anything else is a
// humanized size ("30GB", "28GiB").
func ParseEnd(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("invalid end %q", s)
		}
		return uint64(n * humanize.MByte), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid end %q", s)
	}
	return n, nil
}

// AcceptEnd parses s and accepts it iff current < e <= limit. Out of range
// values are rejected, never clamped.
func AcceptEnd(s string, current, limit uint64) (uint64, error) {
	e, err := ParseEnd(s)
	if err != nil {
		return 0, err
	}
	if e <= current {
		return 0, fmt.Errorf("end %s is not past the current end %s", megabytes(e), megabytes(current))
	}
	if e > limit {
		return 0, fmt.Errorf("end %s is beyond the limit %s", megabytes(e), megabytes(limit))
	}
	return e, nil
}

func megabytes(n uint64) string {
	return fmt.Sprintf("%dMB", n/humanize.MByte)
}
