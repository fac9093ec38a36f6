package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a shell-like command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Response is the scripted result for a command.
type Response struct {
	Output string
	Err    error
}

// CodeError is a command failure carrying an exit status.
type CodeError struct {
	Code int
}

func (e *CodeError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the scripted exit status.
func (e *CodeError) ExitCode() int { return e.Code }

// Fake records calls and replays scripted responses. Responses are matched by
// command-line prefix; the longest matching prefix wins. Unmatched commands
// succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	Calls     []Call
	responses map[string][]Response
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{responses: make(map[string][]Response)}
}

// On queues a response for commands whose line starts with prefix. Queued
// responses are consumed in order; the last one repeats.
func (f *Fake) On(prefix string, output string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = append(f.responses[prefix], Response{Output: output, Err: err})
	return f
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) (string, error) {
	r := f.record(name, args)
	return r.Output, r.Err
}

// Stream implements Runner.
func (f *Fake) Stream(_ context.Context, name string, args ...string) error {
	return f.record(name, args).Err
}

// Commands returns the recorded command lines.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = c.String()
	}
	return lines
}

// Ran reports whether any recorded command line starts with prefix.
func (f *Fake) Ran(prefix string) bool {
	for _, line := range f.Commands() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) record(name string, args []string) Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Name: name, Args: append([]string(nil), args...)}
	f.Calls = append(f.Calls, call)

	line := call.String()
	best := ""
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Response{}
	}

	queue := f.responses[best]
	r := queue[0]
	if len(queue) > 1 {
		f.responses[best] = queue[1:]
	}
	return r
}
