package approval

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ErrNoAnswer is returned when input is required but none is available,
// either because stdin is not a terminal or because it reached EOF.
var ErrNoAnswer = errors.New("operator input required but not available (use --yes or preset flags)")

// Terminal prompts on a line-oriented input stream. Preset answers (from
// command-line flags) are consumed before anything is read from In.
type Terminal struct {
	In          io.Reader
	Out         io.Writer
	AssumeYes   bool
	Interactive bool
	Presets     map[string][]string

	scanner *bufio.Scanner
}

// NewTerminal returns a Terminal on the process stdin/stdout.
func NewTerminal(assumeYes bool) *Terminal {
	return &Terminal{
		In:          os.Stdin,
		Out:         os.Stdout,
		AssumeYes:   assumeYes,
		Interactive: isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
		Presets:     make(map[string][]string),
	}
}

// Preset queues an answer for key.
func (t *Terminal) Preset(key string, answers ...string) {
	if t.Presets == nil {
		t.Presets = make(map[string][]string)
	}
	t.Presets[key] = append(t.Presets[key], answers...)
}

// Confirm asks a yes/no question; anything but an explicit yes is a no.
func (t *Terminal) Confirm(key, prompt string) (bool, error) {
	if answer, ok := t.preset(key); ok {
		fmt.Fprintf(t.Out, "%s [y/N]: %s (preset)\n", prompt, answer)
		return isYes(answer), nil
	}
	if t.AssumeYes {
		fmt.Fprintf(t.Out, "%s [y/N]: y (--yes)\n", prompt)
		return true, nil
	}

	fmt.Fprintf(t.Out, "%s [y/N]: ", prompt)
	answer, err := t.readLine()
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

// Ask prompts for a value; an empty reply selects the default.
func (t *Terminal) Ask(q Question) (string, error) {
	if answer, ok := t.preset(q.Key); ok {
		fmt.Fprintf(t.Out, "%s: %s (preset)\n", q.Prompt, answer)
		return answer, nil
	}

	if q.Default != "" {
		fmt.Fprintf(t.Out, "%s [%s]: ", q.Prompt, q.Default)
	} else {
		fmt.Fprintf(t.Out, "%s: ", q.Prompt)
	}

	answer, err := t.readLine()
	if err != nil {
		if errors.Is(err, ErrNoAnswer) && q.Default != "" && t.AssumeYes {
			return q.Default, nil
		}
		return "", err
	}
	if answer == "" {
		return q.Default, nil
	}
	return answer, nil
}

// Approve renders the plan and asks for confirmation under the plan's key.
func (t *Terminal) Approve(p Plan) (bool, error) {
	p.Render(t.Out)
	return t.Confirm(p.Key, "Proceed?")
}

func (t *Terminal) preset(key string) (string, bool) {
	queue := t.Presets[key]
	if len(queue) == 0 {
		return "", false
	}
	t.Presets[key] = queue[1:]
	return queue[0], true
}

func (t *Terminal) readLine() (string, error) {
	if !t.Interactive {
		fmt.Fprintln(t.Out)
		return "", ErrNoAnswer
	}
	if t.scanner == nil {
		t.scanner = bufio.NewScanner(t.In)
	}
	if !t.scanner.Scan() {
		fmt.Fprintln(t.Out)
		if err := t.scanner.Err(); err != nil {
			return "", err
		}
		return "", ErrNoAnswer
	}
	return strings.TrimSpace(t.scanner.Text()), nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
