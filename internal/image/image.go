// Package image prepares a raw disk image for writing, decompressing .xz and
// .gz archives into a work directory first.
package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// Source is a raw image ready to be copied.
type Source struct {
	Path string
	Size uint64
	// Archive is the compressed file Path was extracted from, if any.
	Archive string
}

// Extracted reports whether Path is a temporary decompressed copy.
func (s *Source) Extracted() bool {
	return s.Archive != ""
}

type decompressor func(io.Reader) (io.Reader, error)

var decompressors = map[string]decompressor{
	".xz": func(r io.Reader) (io.Reader, error) {
		return xz.NewReader(r)
	},
	".gz": func(r io.Reader) (io.Reader, error) {
		return pgzip.NewReader(r)
	},
}

// Preparer turns an operator-supplied image path into a Source.
type Preparer struct {
	// WorkDir receives decompressed images; empty means next to the archive.
	WorkDir       string
	RemoveArchive bool
	Progress      io.Writer
	Log           logrus.FieldLogger
}

// Prepare returns a raw image for path, decompressing it when needed.
func (p *Preparer) Prepare(ctx context.Context, path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	decompress, ok := decompressors[ext]
	if !ok {
		return &Source{Path: path, Size: uint64(info.Size())}, nil
	}

	dir := p.WorkDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	// never reuse an existing name: Cleanup removes whatever path it gets
	out, err := os.CreateTemp(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressed image in %s: %w", dir, err)
	}
	raw := out.Name()

	log := p.Log.WithFields(logrus.Fields{"archive": path, "image": raw})
	log.Info("decompressing image")

	size, err := p.extract(ctx, path, out, decompress)
	if err != nil {
		os.Remove(raw)
		return nil, err
	}

	log.WithField("size", size).Info("image decompressed")

	return &Source{Path: raw, Size: size, Archive: path}, nil
}

func (p *Preparer) extract(ctx context.Context, archive string, out *os.File, decompress decompressor) (uint64, error) {
	defer out.Close()

	in, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	r, err := decompress(in)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", archive, err)
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	var w io.Writer = out
	if p.Progress != nil {
		bar := progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(p.Progress),
			progressbar.OptionSetDescription("decompressing"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("failed to decompress %s: %w", archive, err)
	}

	return uint64(n), out.Close()
}

// Cleanup removes the decompressed copy and, when configured, the archive.
func (p *Preparer) Cleanup(src *Source) error {
	if src == nil || !src.Extracted() {
		return nil
	}

	if err := os.Remove(src.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", src.Path, err)
	}
	p.Log.WithField("image", src.Path).Debug("removed decompressed image")

	if p.RemoveArchive {
		if err := os.Remove(src.Archive); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", src.Archive, err)
		}
		p.Log.WithField("archive", src.Archive).Info("removed archive")
	}

	return nil
}

// ctxReader stops a long copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
