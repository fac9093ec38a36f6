package partition

import (
	"context"
	"fmt"

	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/runner"
)

// Parted wraps the parted invocations used for enlarging partitions.
type Parted struct {
	Runner runner.Runner
}

// FreeSpace returns parted's table listing with free regions, in MB.
func (p *Parted) FreeSpace(ctx context.Context, device string) (string, error) {
	out, err := p.Runner.Run(ctx, "parted", "-s", device, "unit", "MB", "print", "free")
	if err != nil {
		return "", failure.Tool("parted print free", err)
	}
	return out, nil
}

// EndAll is the resizepart end meaning "up to the end of the disk".
const EndAll = "100%"

// EndBytes renders an exclusive byte offset as parted's inclusive end.
func EndBytes(end uint64) string {
	return fmt.Sprintf("%dB", end-1)
}

// ResizeCommand is the argument list for growing partition index to end.
func ResizeCommand(device string, index int, end string) []string {
	return []string{"-s", device, "resizepart", fmt.Sprint(index), end}
}

// Resize moves the end of partition index; the start is unchanged.
func (p *Parted) Resize(ctx context.Context, device string, index int, end string) error {
	if _, err := p.Runner.Run(ctx, "parted", ResizeCommand(device, index, end)...); err != nil {
		return failure.Tool("parted resizepart", err)
	}
	return nil
}

// MoveBackupHeader moves a GPT backup header to the last sectors of the
// device. An image copied onto a larger medium keeps its backup header at
// the image's old end, and parted in script mode will not fix that itself.
func MoveBackupHeader(ctx context.Context, r runner.Runner, device string) error {
	if _, err := r.Run(ctx, "sgdisk", "-e", device); err != nil {
		return failure.Tool("sgdisk relocate backup header", err)
	}
	return nil
}
