// Package failure holds the error taxonomy shared by all provisioning stages.
// Stages wrap these sentinels with context; callers match them with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

var (
	ErrUnsafeTarget           = errors.New("unsafe target")
	ErrTargetBusy             = errors.New("target busy")
	ErrCapacity               = errors.New("capacity warning")
	ErrExternalTool           = errors.New("external tool failure")
	ErrPartitionNotFound      = errors.New("partition not found")
	ErrFilesystemInconsistent = errors.New("filesystem inconsistent")
	ErrUnsupportedFilesystem  = errors.New("unsupported filesystem")

	// ErrDeclined marks a clean abort at an operator gate, before the
	// corresponding destructive action started.
	ErrDeclined = errors.New("declined by operator")
)

// Tool wraps a failed utility invocation as an ErrExternalTool.
func Tool(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalTool, step, err)
}

// Unsafe builds an ErrUnsafeTarget with a formatted reason.
func Unsafe(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsafeTarget, fmt.Sprintf(format, args...))
}

// Describe returns a short operator-facing label for the error class.
func Describe(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeclined):
		return "aborted"
	case errors.Is(err, ErrUnsafeTarget):
		return "unsafe target"
	case errors.Is(err, ErrTargetBusy):
		return "target busy"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrPartitionNotFound):
		return "partition not found"
	case errors.Is(err, ErrFilesystemInconsistent):
		return "filesystem inconsistent"
	case errors.Is(err, ErrUnsupportedFilesystem):
		return "unsupported filesystem"
	case errors.Is(err, ErrExternalTool):
		return "tool failure"
	default:
		return "error"
	}
}
