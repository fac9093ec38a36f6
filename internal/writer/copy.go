package writer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/runner"
)

// Copier copies a raw image onto a target, byte for byte from offset zero.
// A non-zero limit stops the copy after that many bytes.
type Copier interface {
	Copy(ctx context.Context, src *image.Source, dst string, limit uint64) error
	Describe(src, dst string, limit uint64) string
}

// NewCopier returns the copier named in the configuration.
func NewCopier(kind string, r runner.Runner, blockSize uint64, progress io.Writer) (Copier, error) {
	switch kind {
	case "dd":
		return &DD{Runner: r, BlockSize: blockSize}, nil
	case "native":
		return &Native{BlockSize: blockSize, Progress: progress}, nil
	default:
		return nil, fmt.Errorf("unknown copier %q", kind)
	}
}

// DD delegates the copy to dd, which reports its own progress.
type DD struct {
	Runner    runner.Runner
	BlockSize uint64
}

func (d *DD) args(src, dst string, limit uint64) []string {
	// notrunc keeps a target file at its full size when the image is smaller
	args := []string{
		"if=" + src,
		"of=" + dst,
		fmt.Sprintf("bs=%d", d.BlockSize),
		"status=progress",
		"conv=fsync,notrunc",
	}
	if limit > 0 {
		args = append(args, "iflag=count_bytes", fmt.Sprintf("count=%d", limit))
	}
	return args
}

func (d *DD) Copy(ctx context.Context, src *image.Source, dst string, limit uint64) error {
	return d.Runner.Stream(ctx, "dd", d.args(src.Path, dst, limit)...)
}

func (d *DD) Describe(src, dst string, limit uint64) string {
	return runner.Call{Name: "dd", Args: d.args(src, dst, limit)}.String()
}

// Native copies in-process with a progress bar and fsyncs the target.
type Native struct {
	BlockSize uint64
	Progress  io.Writer
}

func (n *Native) Copy(ctx context.Context, src *image.Source, dst string, limit uint64) error {
	in, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader = in
	total := src.Size
	if limit > 0 && limit < total {
		r = io.LimitReader(in, int64(limit))
		total = limit
	}

	out, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()

	progress := n.Progress
	if progress == nil {
		progress = io.Discard
	}
	bar := progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("writing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
	)

	buf := make([]byte, n.BlockSize)
	// hide os.File.ReadFrom so every write uses the configured block size
	w := struct{ io.Writer }{io.MultiWriter(out, bar)}
	if _, err := io.CopyBuffer(w, &ctxReader{ctx: ctx, r: r}, buf); err != nil {
		return err
	}
	_ = bar.Finish()

	if err := out.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", dst, err)
	}

	return out.Close()
}

func (n *Native) Describe(src, dst string, limit uint64) string {
	if limit > 0 {
		return fmt.Sprintf("copy first %d bytes of %s -> %s (block size %d)", limit, src, dst, n.BlockSize)
	}
	return fmt.Sprintf("copy %s -> %s (block size %d)", src, dst, n.BlockSize)
}

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
