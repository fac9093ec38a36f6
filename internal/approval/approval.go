// Package approval separates deciding whether a destructive stage may run from
// the stage itself. Stages describe what they would do as a Plan; an Approver
// decides whether Apply is invoked.
package approval

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Gate keys, used to preset answers from the command line.
const (
	KeyTargetConfirm   = "target.confirm"
	KeyTargetUnmount   = "target.unmount"
	KeyTargetSize      = "target.size"
	KeyCapacity        = "write.capacity-override"
	KeyWriteApply      = "write.apply"
	KeyForceWipe       = "write.force-wipe"
	KeyResizeEnable    = "resize.enable"
	KeyResizePartition = "resize.partition"
	KeyResizeEnd       = "resize.end"
	KeyResizeApply     = "resize.apply"
	KeyRegenApply      = "regen.apply"
)

// Plan describes the actions a stage will take once approved.
type Plan struct {
	Key      string
	Stage    string
	Summary  string
	Actions  []string
	Warnings []string
}

// Render writes the plan for the operator.
func (p Plan) Render(w io.Writer) {
	fmt.Fprintf(w, "\n== %s ==\n", p.Stage)
	if p.Summary != "" {
		fmt.Fprintln(w, p.Summary)
	}
	for _, warn := range p.Warnings {
		color.New(color.FgYellow, color.Bold).Fprintf(w, "WARNING: %s\n", warn)
	}
	if len(p.Actions) > 0 {
		fmt.Fprintln(w, "Will run:")
		for _, a := range p.Actions {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
}

// String renders the plan as plain text.
func (p Plan) String() string {
	var b strings.Builder
	p.Render(&b)
	return b.String()
}

// Approver decides whether a planned stage is applied.
type Approver interface {
	Approve(p Plan) (bool, error)
}

// Question is a free-form operator prompt.
type Question struct {
	Key     string
	Prompt  string
	Default string
}

// Operator is the interactive collaborator behind every gate.
type Operator interface {
	Confirm(key, prompt string) (bool, error)
	Ask(q Question) (string, error)
	Approver
}
