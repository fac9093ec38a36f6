package regen

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/deniswernert/go-fstab"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// Site is a configuration file known to embed filesystem identifiers.
type Site struct {
	Name string
	// Role selects the filesystem the file lives on.
	Role Role
	Path string
}

func (s Site) String() string {
	return fmt.Sprintf("%s:%s", s.Role, s.Path)
}

// SiteConfig lists where the reference sites live.
type SiteConfig struct {
	EFIGrubConfig  string
	ExtlinuxConfig string
	// LoaderEntryDirs are "role:/dir" pairs searched in order for *.conf.
	LoaderEntryDirs []string
	Fstab           string
}

// LoaderDir is a parsed "role:/dir" entry.
type LoaderDir struct {
	Role Role
	Dir  string
}

// ParseLoaderDir splits "boot:/loader/entries".
func ParseLoaderDir(s string) (LoaderDir, error) {
	role, dir, ok := strings.Cut(s, ":")
	if !ok || dir == "" {
		return LoaderDir{}, fmt.Errorf("invalid loader entry dir %q (want role:/path)", s)
	}
	switch Role(role) {
	case RoleBoot, RoleRoot, RoleEFI:
	default:
		return LoaderDir{}, fmt.Errorf("invalid loader entry dir %q: unknown role %q", s, role)
	}
	return LoaderDir{Role: Role(role), Dir: dir}, nil
}

// FirstLoaderEntry returns the first *.conf, in name order, in the first
// directory that has any.
func FirstLoaderEntry(fss map[Role]afero.Fs, dirs []string) (Site, bool, error) {
	for _, raw := range dirs {
		ld, err := ParseLoaderDir(raw)
		if err != nil {
			return Site{}, false, err
		}
		fs, ok := fss[ld.Role]
		if !ok {
			continue
		}

		matches, err := afero.Glob(fs, path.Join(ld.Dir, "*.conf"))
		if err != nil {
			return Site{}, false, err
		}
		if len(matches) == 0 {
			continue
		}
		sort.Strings(matches)

		return Site{Name: "loader entry", Role: ld.Role, Path: matches[0]}, true, nil
	}
	return Site{}, false, nil
}

// Rewriter replaces old identifiers with new ones. Matching ignores case;
// tools disagree on the case of hex digits.
type Rewriter struct {
	rules []rule
}

type rule struct {
	old     string
	pattern *regexp.Regexp
	new     string
}

// NewRewriter builds a rewriter for every identity.
func NewRewriter(ids []Identity) *Rewriter {
	r := &Rewriter{}
	for _, id := range ids {
		if id.Current == "" {
			continue
		}
		r.rules = append(r.rules, rule{
			old:     id.Current,
			pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(id.Current)),
			new:     id.Text(),
		})
	}
	return r
}

// Rewrite returns data with every old identifier replaced.
func (r *Rewriter) Rewrite(data []byte) []byte {
	for _, rl := range r.rules {
		data = rl.pattern.ReplaceAllLiteral(data, []byte(rl.new))
	}
	return data
}

// Stale returns the old identifiers still present in data.
func (r *Rewriter) Stale(data []byte) []string {
	var found []string
	for _, rl := range r.rules {
		if rl.pattern.Match(data) {
			found = append(found, rl.old)
		}
	}
	return found
}

const (
	backupSuffix  = ".imgforge-bak"
	pendingSuffix = ".imgforge-new"
)

type change struct {
	site   Site
	fs     afero.Fs
	before []byte
	after  []byte
	mode   os.FileMode

	backedUp bool
	written  bool
}

// Batch collects staged rewrites and commits them together. Original
// contents are kept as backup files until Discard.
type Batch struct {
	changes []*change
}

// Stage reads site from fs and records the rewrite. It reports false when
// the file does not exist or mentions no old identifier.
func (b *Batch) Stage(site Site, fs afero.Fs, r *Rewriter) (bool, error) {
	info, err := fs.Stat(site.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", site, err)
	}

	before, err := afero.ReadFile(fs, site.Path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", site, err)
	}

	after := r.Rewrite(bytes.Clone(before))
	if bytes.Equal(before, after) {
		return false, nil
	}

	b.changes = append(b.changes, &change{
		site:   site,
		fs:     fs,
		before: before,
		after:  after,
		mode:   info.Mode().Perm(),
	})
	return true, nil
}

// Sites returns the staged sites in staging order.
func (b *Batch) Sites() []Site {
	sites := make([]Site, len(b.changes))
	for i, c := range b.changes {
		sites[i] = c.site
	}
	return sites
}

// Rebind points each staged site at a new view of its filesystem, for use
// after the filesystems were unmounted and mounted again.
func (b *Batch) Rebind(fss map[Role]afero.Fs) {
	for _, c := range b.changes {
		if fs, ok := fss[c.site.Role]; ok {
			c.fs = fs
		}
	}
}

// Validate checks every staged file can be written and that a staged fstab
// still parses.
func (b *Batch) Validate() error {
	var result *multierror.Error

	for _, c := range b.changes {
		f, err := c.fs.OpenFile(c.site.Path, os.O_WRONLY, 0)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s is not writable: %w", c.site, err))
			continue
		}
		f.Close()

		if path.Base(c.site.Path) == "fstab" {
			if _, err := fstab.Parse(bytes.NewReader(c.after)); err != nil {
				result = multierror.Append(result, fmt.Errorf("rewritten %s does not parse: %w", c.site, err))
			}
		}
	}

	return result.ErrorOrNil()
}

// Commit writes every staged file. A backup of each original is written
// first; the new content lands through a rename. On failure every file
// already touched is restored and the error returned.
func (b *Batch) Commit() error {
	for _, c := range b.changes {
		if err := c.commit(); err != nil {
			err = fmt.Errorf("commit %s: %w", c.site, err)
			if rerr := b.Rollback(); rerr != nil {
				return multierror.Append(err, rerr)
			}
			return err
		}
	}
	return nil
}

func (c *change) commit() error {
	if err := afero.WriteFile(c.fs, c.site.Path+backupSuffix, c.before, c.mode); err != nil {
		return err
	}
	c.backedUp = true

	pending := c.site.Path + pendingSuffix
	if err := afero.WriteFile(c.fs, pending, c.after, c.mode); err != nil {
		c.fs.Remove(pending)
		return err
	}
	if err := c.fs.Rename(pending, c.site.Path); err != nil {
		c.fs.Remove(pending)
		return err
	}
	c.written = true

	return nil
}

// Rollback restores the original content of every committed file.
func (b *Batch) Rollback() error {
	var result *multierror.Error

	for i := len(b.changes) - 1; i >= 0; i-- {
		c := b.changes[i]
		if c.written {
			if err := afero.WriteFile(c.fs, c.site.Path, c.before, c.mode); err != nil {
				result = multierror.Append(result, fmt.Errorf("restore %s: %w", c.site, err))
				continue
			}
			c.written = false
		}
		if c.backedUp {
			if err := c.fs.Remove(c.site.Path + backupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
			c.backedUp = false
		}
	}

	return result.ErrorOrNil()
}

// Discard removes the backups once the batch is final.
func (b *Batch) Discard() error {
	var result *multierror.Error

	for _, c := range b.changes {
		if !c.backedUp {
			continue
		}
		if err := c.fs.Remove(c.site.Path + backupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
			continue
		}
		c.backedUp = false
	}

	return result.ErrorOrNil()
}
