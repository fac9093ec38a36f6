package blockdev

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/runner"
)

// CheckExt4 runs a forced preen of an unmounted ext4 filesystem. Exit status
// 1 to 3 means errors were corrected; 4 and above means some were left.
func CheckExt4(ctx context.Context, r runner.Runner, log logrus.FieldLogger, path string) error {
	out, err := r.Run(ctx, "e2fsck", "-f", "-p", path)
	if err == nil {
		return nil
	}

	code := runner.ExitCode(err)
	switch {
	case code >= 4:
		return fmt.Errorf("%w: e2fsck on %s exited %d: %s",
			failure.ErrFilesystemInconsistent, path, code, strings.TrimSpace(out))
	case code > 0:
		log.WithFields(logrus.Fields{"partition": path, "exit": code}).Warn("e2fsck corrected filesystem errors")
		return nil
	default:
		return failure.Tool("e2fsck", err)
	}
}
