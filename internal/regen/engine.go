package regen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/blockdev"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/runner"
)

// Plan is a discovered selection with freshly generated identifiers.
type Plan struct {
	approval.Plan

	Device     string
	Strategy   string
	Selection  *Selection
	Identities []Identity
}

// Outcome reports what a regeneration changed.
type Outcome struct {
	Identities []Identity
	Sites      []Site
}

// Engine regenerates filesystem identifiers and keeps the reference sites in
// step with them.
type Engine struct {
	Runner  runner.Runner
	Mounter Mounter
	Sites   SiteConfig
	Log     logrus.FieldLogger
}

// Plan discovers the boot, root and EFI partitions of device and generates
// their new identifiers. Nothing is mounted or modified.
func (e *Engine) Plan(ctx context.Context, device string) (*Plan, error) {
	for _, dir := range e.Sites.LoaderEntryDirs {
		if _, err := ParseLoaderDir(dir); err != nil {
			return nil, err
		}
	}

	disk, err := blockdev.Inspect(ctx, e.Runner, device)
	if err != nil {
		return nil, err
	}

	strategy, err := StrategyFor(disk)
	if err != nil {
		return nil, err
	}

	sel, err := strategy.Discover(disk)
	if err != nil {
		return nil, err
	}

	ids, err := Generate(sel)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Plan: approval.Plan{
			Key:     approval.KeyRegenApply,
			Stage:   "Regenerate filesystem identifiers",
			Summary: fmt.Sprintf("Partitions of %s found by %s.", device, strategy.Name()),
		},
		Device:     device,
		Strategy:   strategy.Name(),
		Selection:  sel,
		Identities: ids,
	}

	for _, id := range ids {
		p.Actions = append(p.Actions, fmt.Sprintf("%s %s (%s): %s -> %s", id.Role, id.Partition, id.FSType, id.Current, id.Text()))
	}
	p.Actions = append(p.Actions, "rewrite identifiers in boot loader configuration and /etc/fstab")
	for _, id := range ids {
		if id.Kind == blockdev.KindEXT4 {
			p.Actions = append(p.Actions, "e2fsck -f -p "+id.Partition)
		}
	}
	for _, id := range ids {
		cmd := superblockCommand(id)
		p.Actions = append(p.Actions, runner.Call{Name: cmd[0], Args: cmd[1:]}.String())
	}

	e.Log.WithFields(logrus.Fields{"device": device, "strategy": strategy.Name()}).Info("identities planned")

	return p, nil
}

// Apply mounts the filesystems, rewrites and commits the reference sites,
// unmounts, checks the ext4 filesystems, then writes the new identifiers
// into the superblocks. The originals of the sites are kept until every
// superblock holds its new identifier; a failure before that point puts
// back the old identifiers and the old site contents.
func (e *Engine) Apply(ctx context.Context, p *Plan) (*Outcome, error) {
	log := e.Log.WithField("device", p.Device)
	ms := &mountSet{mounter: e.Mounter, log: log}

	batch, err := e.propagate(ctx, p, ms)
	if uerr := ms.release(ctx); uerr != nil {
		uerr = fmt.Errorf("failed to unmount %s: %w", p.Device, uerr)
		if err != nil {
			return nil, multierror.Append(err, uerr)
		}
		return nil, e.undo(ctx, p, batch, committedEFI(p), uerr)
	}
	if err != nil {
		return nil, err
	}

	committed := committedEFI(p)
	if err := e.commitSuperblocks(ctx, p, &committed); err != nil {
		return nil, e.undo(ctx, p, batch, committed, err)
	}

	if err := e.verify(ctx, p, batch); err != nil {
		return nil, err
	}

	return &Outcome{Identities: p.Identities, Sites: batch.Sites()}, nil
}

// propagate performs steps up to and including the EFI identifier change
// and returns the committed batch with its backups in place. On failure the
// sites are already restored. The caller unmounts.
func (e *Engine) propagate(ctx context.Context, p *Plan, ms *mountSet) (*Batch, error) {
	if err := e.mountAll(ctx, p, ms, false); err != nil {
		return nil, err
	}
	fss := ms.filesystems()

	sites, err := e.candidateSites(fss)
	if err != nil {
		return nil, err
	}

	rw := NewRewriter(p.Identities)
	batch := &Batch{}
	for _, site := range sites {
		staged, err := batch.Stage(site, fss[site.Role], rw)
		if err != nil {
			return nil, err
		}
		if !staged {
			e.Log.WithField("site", site.String()).Debug("nothing to rewrite")
		}
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	for _, site := range batch.Sites() {
		e.Log.WithField("site", site.String()).Info("reference site rewritten")
	}

	for _, id := range p.Identities {
		if id.Role != RoleEFI {
			continue
		}
		cmd := superblockCommand(id)
		if _, err := e.Runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			err = failure.Tool("set efi identifier", err)
			if rerr := batch.Rollback(); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		e.Log.WithFields(logrus.Fields{"partition": id.Partition, "uuid": id.Text()}).Info("efi identifier committed")
	}

	return batch, nil
}

// commitSuperblocks checks every ext4 filesystem and then writes the boot
// and root identifiers. Each identity written is appended to committed.
func (e *Engine) commitSuperblocks(ctx context.Context, p *Plan, committed *[]Identity) error {
	for _, id := range p.Identities {
		if id.Kind != blockdev.KindEXT4 {
			continue
		}
		if err := blockdev.CheckExt4(ctx, e.Runner, e.Log, id.Partition); err != nil {
			return err
		}
	}

	for _, id := range p.Identities {
		if id.Role == RoleEFI {
			continue
		}
		cmd := superblockCommand(id)
		if _, err := e.Runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			return failure.Tool(fmt.Sprintf("set %s identifier", id.Role), err)
		}
		*committed = append(*committed, id)
		e.Log.WithFields(logrus.Fields{"role": id.Role, "partition": id.Partition, "uuid": id.Text()}).Info("identifier committed")
	}

	return nil
}

// undo writes the old identifiers back into the committed superblocks, in
// reverse order, then remounts and restores the sites from their backups.
// cause is returned together with anything that could not be undone.
func (e *Engine) undo(ctx context.Context, p *Plan, batch *Batch, committed []Identity, cause error) error {
	result := multierror.Append(cause)

	for i := len(committed) - 1; i >= 0; i-- {
		id := committed[i]
		cmd := revertCommand(id)
		if _, err := e.Runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			result = multierror.Append(result, failure.Tool(fmt.Sprintf("restore %s identifier", id.Role), err))
			continue
		}
		e.Log.WithFields(logrus.Fields{"role": id.Role, "partition": id.Partition, "uuid": id.Current}).Warn("identifier restored")
	}

	if batch == nil || len(batch.Sites()) == 0 {
		return result.ErrorOrNil()
	}

	ms := &mountSet{mounter: e.Mounter, log: e.Log}
	if err := e.mountAll(ctx, p, ms, false); err != nil {
		result = multierror.Append(result, fmt.Errorf("sites not restored: %w", err))
	} else {
		batch.Rebind(ms.filesystems())
		if err := batch.Rollback(); err != nil {
			result = multierror.Append(result, err)
		} else {
			e.Log.WithField("device", p.Device).Warn("reference sites restored")
		}
	}
	if err := ms.release(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to unmount after restore: %w", err))
	}

	return result.ErrorOrNil()
}

// committedEFI returns the EFI identity, which propagate has already written.
func committedEFI(p *Plan) []Identity {
	var ids []Identity
	for _, id := range p.Identities {
		if id.Role == RoleEFI {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) mountAll(ctx context.Context, p *Plan, ms *mountSet, readOnly bool) error {
	parts := []struct {
		role Role
		part *blockdev.Partition
	}{
		{RoleBoot, &p.Selection.Boot},
		{RoleRoot, &p.Selection.Root},
		{RoleEFI, p.Selection.EFI},
	}

	for _, m := range parts {
		if m.part == nil {
			continue
		}
		if err := ms.mount(ctx, m.role, m.part.Path, m.part.FSType, readOnly); err != nil {
			return fmt.Errorf("mount %s partition: %w", m.role, err)
		}
	}
	return nil
}

// candidateSites lists the reference sites in rewrite order.
func (e *Engine) candidateSites(fss map[Role]afero.Fs) ([]Site, error) {
	var sites []Site

	if _, ok := fss[RoleEFI]; ok {
		sites = append(sites, Site{Name: "efi grub config", Role: RoleEFI, Path: e.Sites.EFIGrubConfig})
	}
	sites = append(sites, Site{Name: "extlinux config", Role: RoleBoot, Path: e.Sites.ExtlinuxConfig})

	entry, ok, err := FirstLoaderEntry(fss, e.Sites.LoaderEntryDirs)
	if err != nil {
		return nil, err
	}
	if ok {
		sites = append(sites, entry)
	}

	sites = append(sites, Site{Name: "fstab", Role: RoleRoot, Path: e.Sites.Fstab})

	return sites, nil
}

// verify remounts the filesystems, checks no rewritten site still names an
// old identifier and then drops the backups.
func (e *Engine) verify(ctx context.Context, p *Plan, batch *Batch) (err error) {
	ms := &mountSet{mounter: e.Mounter, log: e.Log}
	defer func() {
		if uerr := ms.release(ctx); uerr != nil && err == nil {
			err = fmt.Errorf("failed to unmount after verification: %w", uerr)
		}
	}()

	if err := e.mountAll(ctx, p, ms, false); err != nil {
		return err
	}
	fss := ms.filesystems()
	batch.Rebind(fss)

	rw := NewRewriter(p.Identities)
	for _, site := range batch.Sites() {
		data, err := afero.ReadFile(fss[site.Role], site.Path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", site, err)
		}
		if stale := rw.Stale(data); len(stale) > 0 {
			return fmt.Errorf("verify %s: still mentions %v", site, stale)
		}
	}

	if err := batch.Discard(); err != nil {
		e.Log.WithError(err).Warn("failed to remove backups")
	}

	return nil
}

// superblockCommand returns the command that writes id into its filesystem.
func superblockCommand(id Identity) []string {
	if id.Kind == blockdev.KindFAT32 {
		return []string{"fatlabel", "-i", id.Partition, id.New}
	}
	return []string{"tune2fs", "-U", id.New, id.Partition}
}

// revertCommand writes the old identifier of id back.
func revertCommand(id Identity) []string {
	if id.Kind == blockdev.KindFAT32 {
		return []string{"fatlabel", "-i", id.Partition, strings.ToUpper(strings.ReplaceAll(id.Current, "-", ""))}
	}
	return []string{"tune2fs", "-U", id.Current, id.Partition}
}
