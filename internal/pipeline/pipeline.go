// Package pipeline runs the provisioning stages in order: resolve target,
// write image, enlarge a partition, regenerate identifiers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/journal"
	"github.com/sigreer/imgforge/internal/regen"
	"github.com/sigreer/imgforge/internal/resize"
	"github.com/sigreer/imgforge/internal/target"
	"github.com/sigreer/imgforge/internal/writer"
)

// Stage names as recorded in the journal
const (
	StageImage  = "image"
	StageTarget = "target"
	StageWrite  = "write"
	StageResize = "resize"
	StageRegen  = "regen"
)

// State is threaded through the stages. Each stage reads what earlier stages
// produced and adds its own result.
type State struct {
	RunID  int64
	Source *image.Source
	Target *target.Target
	// Device is the block device every stage after the write operates on.
	Device     string
	Loop       *writer.Loop
	Written    uint64
	Resize     resize.State
	Identities []regen.Identity
	Sites      []regen.Site
}

// Options selects what a provisioning run does.
type Options struct {
	Image  string
	Target target.Request
	// Resize enables the partition enlargement stage.
	Resize        bool
	ResizeRequest resize.Request
	// Regen enables identifier regeneration.
	Regen bool
}

// Recorder persists run history. *journal.Journal implements it.
type Recorder interface {
	StartRun(command, image, target, targetKind string) (int64, error)
	SetDevice(runID int64, device string) error
	RecordStage(runID int64, stage, outcome string, details map[string]any) error
	FinishRun(runID int64, status string, runErr error) error
}

// Pipeline wires the stage components together.
type Pipeline struct {
	Operator approval.Operator
	Preparer *image.Preparer
	Resolver *target.Resolver
	Writer   *writer.Orchestrator
	// NewResizer returns a fresh controller; controllers are single use.
	NewResizer func() *resize.Controller
	Regen      *regen.Engine
	Journal    Recorder
	Log        logrus.FieldLogger
}

// Provision runs every enabled stage. The loop device bound for a file target
// is released on every exit path.
func (p *Pipeline) Provision(ctx context.Context, opts Options) (st *State, err error) {
	st = &State{}

	kind, path := target.KindDevice, opts.Target.Device
	if opts.Target.File != "" {
		kind, path = target.KindFile, opts.Target.File
	}
	st.RunID = p.start("provision", opts.Image, path, string(kind))
	defer func() { p.finish(st.RunID, err) }()

	st.Source, err = p.Preparer.Prepare(ctx, opts.Image)
	if err != nil {
		p.record(st.RunID, StageImage, err, nil)
		return st, err
	}
	defer func() {
		if cerr := p.Preparer.Cleanup(st.Source); cerr != nil {
			p.Log.WithError(cerr).Warn("image cleanup failed")
		}
	}()
	p.record(st.RunID, StageImage, nil, map[string]any{"path": st.Source.Path, "size": st.Source.Size})

	st.Target, err = p.Resolver.Resolve(ctx, opts.Target)
	p.record(st.RunID, StageTarget, err, nil)
	if err != nil {
		return st, err
	}

	if err = p.write(ctx, st); err != nil {
		return st, err
	}
	defer func() {
		// release even when the run was interrupted
		if rerr := st.Loop.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if opts.Resize {
		req := opts.ResizeRequest
		req.Device = st.Device
		if err = p.resize(ctx, st, req); err != nil {
			return st, err
		}
	} else {
		st.Resize = resize.Skipped
		p.record(st.RunID, StageResize, nil, map[string]any{"skipped": true})
	}

	if opts.Regen {
		if err = p.regen(ctx, st); err != nil {
			return st, err
		}
	}

	p.Log.WithFields(logrus.Fields{"target": st.Target.Path, "device": st.Device}).Info("provisioning complete")

	return st, nil
}

// Resize runs only the partition enlargement stage against device.
func (p *Pipeline) Resize(ctx context.Context, req resize.Request) (st *State, err error) {
	st = &State{}
	st.RunID = p.start("resize", "", req.Device, string(target.KindDevice))
	defer func() { p.finish(st.RunID, err) }()

	if err = p.existing(ctx, st, req.Device); err != nil {
		return st, err
	}

	req.Device = st.Device
	err = p.resize(ctx, st, req)
	return st, err
}

// Regenerate runs only the identifier regeneration stage against device.
func (p *Pipeline) Regenerate(ctx context.Context, device string) (st *State, err error) {
	st = &State{}
	st.RunID = p.start("regen-uuids", "", device, string(target.KindDevice))
	defer func() { p.finish(st.RunID, err) }()

	if err = p.existing(ctx, st, device); err != nil {
		return st, err
	}

	err = p.regen(ctx, st)
	return st, err
}

// existing vets a device a standalone stage works on in place.
func (p *Pipeline) existing(ctx context.Context, st *State, device string) error {
	tgt, err := p.Resolver.Existing(ctx, device)
	p.record(st.RunID, StageTarget, err, nil)
	if err != nil {
		return err
	}

	st.Target = tgt
	st.Device = tgt.Path
	return nil
}

func (p *Pipeline) write(ctx context.Context, st *State) error {
	plan, err := p.Writer.Plan(ctx, st.Source, st.Target)
	if err != nil {
		p.record(st.RunID, StageWrite, err, nil)
		p.discardCreated(st.Target)
		return err
	}

	if err := p.approve(plan.Plan); err != nil {
		p.record(st.RunID, StageWrite, err, nil)
		p.discardCreated(st.Target)
		return err
	}

	res, err := p.Writer.Apply(ctx, plan)
	if err != nil {
		p.record(st.RunID, StageWrite, err, nil)
		return err
	}

	st.Device = res.Device
	st.Loop = res.Loop
	st.Written = res.Written

	if p.Journal != nil && st.RunID != 0 {
		if err := p.Journal.SetDevice(st.RunID, st.Device); err != nil {
			p.Log.WithError(err).Warn("journal update failed")
		}
	}
	p.record(st.RunID, StageWrite, nil, map[string]any{"device": st.Device, "bytes": st.Written})

	return nil
}

// discardCreated removes an image file the resolver created for a run that
// never wrote to it.
func (p *Pipeline) discardCreated(tgt *target.Target) {
	if tgt == nil || tgt.Kind != target.KindFile || !tgt.Created {
		return
	}
	if err := os.Remove(tgt.Path); err != nil {
		p.Log.WithError(err).WithField("file", tgt.Path).Warn("could not remove unused image file")
		return
	}
	p.Log.WithField("file", tgt.Path).Info("removed unused image file")
}

func (p *Pipeline) resize(ctx context.Context, st *State, req resize.Request) error {
	ctrl := p.NewResizer()
	defer func() { st.Resize = ctrl.State() }()

	plan, err := ctrl.Plan(ctx, req)
	if err != nil {
		p.record(st.RunID, StageResize, err, map[string]any{"state": ctrl.State()})
		return err
	}
	if plan == nil {
		p.record(st.RunID, StageResize, nil, map[string]any{"skipped": true})
		return nil
	}

	if err := p.approve(plan.Plan); err != nil {
		p.record(st.RunID, StageResize, err, nil)
		return err
	}

	if err := ctrl.Apply(ctx, plan); err != nil {
		p.record(st.RunID, StageResize, err, map[string]any{"state": ctrl.State()})
		return err
	}

	p.record(st.RunID, StageResize, nil, map[string]any{
		"partition": plan.Partition,
		"old_end":   plan.OldEnd,
		"new_end":   plan.NewEnd,
	})
	return nil
}

func (p *Pipeline) regen(ctx context.Context, st *State) error {
	plan, err := p.Regen.Plan(ctx, st.Device)
	if err != nil {
		p.record(st.RunID, StageRegen, err, nil)
		return err
	}

	if err := p.approve(plan.Plan); err != nil {
		p.record(st.RunID, StageRegen, err, nil)
		return err
	}

	out, err := p.Regen.Apply(ctx, plan)
	if err != nil {
		p.record(st.RunID, StageRegen, err, nil)
		return err
	}

	st.Identities = out.Identities
	st.Sites = out.Sites

	details := map[string]any{}
	for _, id := range out.Identities {
		details[string(id.Role)] = id.Text()
	}
	p.record(st.RunID, StageRegen, nil, details)

	return nil
}

// approve turns a declined plan into ErrDeclined.
func (p *Pipeline) approve(plan approval.Plan) error {
	ok, err := p.Operator.Approve(plan)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", failure.ErrDeclined, plan.Stage)
	}
	return nil
}

func (p *Pipeline) start(command, imagePath, targetPath, kind string) int64 {
	if p.Journal == nil {
		return 0
	}
	id, err := p.Journal.StartRun(command, imagePath, targetPath, kind)
	if err != nil {
		p.Log.WithError(err).Warn("journal unavailable")
		return 0
	}
	return id
}

func (p *Pipeline) record(runID int64, stage string, stageErr error, details map[string]any) {
	log := p.Log.WithField("stage", stage)
	outcome := journal.OutcomeCompleted

	switch {
	case errors.Is(stageErr, failure.ErrDeclined):
		outcome = journal.OutcomeDeclined
		log.Info("declined")
	case stageErr != nil:
		outcome = journal.OutcomeFailed
		log.WithError(stageErr).Error("stage failed")
	case details["skipped"] == true:
		outcome = journal.OutcomeSkipped
		log.Info("skipped")
	default:
		log.WithFields(logrus.Fields(details)).Info("stage completed")
	}

	if p.Journal == nil || runID == 0 {
		return
	}
	if stageErr != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = stageErr.Error()
	}
	if err := p.Journal.RecordStage(runID, stage, outcome, details); err != nil {
		log.WithError(err).Warn("journal update failed")
	}
}

func (p *Pipeline) finish(runID int64, runErr error) {
	if p.Journal == nil || runID == 0 {
		return
	}

	status := journal.StatusOK
	switch {
	case errors.Is(runErr, failure.ErrDeclined):
		status = journal.StatusAborted
	case runErr != nil:
		status = journal.StatusFailed
	}

	if err := p.Journal.FinishRun(runID, status, runErr); err != nil {
		p.Log.WithError(err).Warn("journal update failed")
	}
}
