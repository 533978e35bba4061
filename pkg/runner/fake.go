package runner

import (
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Runner that records every invocation and serves
// canned outputs and errors, keyed by the space-joined command line.
// It is exported so other packages can use it in their tests.
type Fake struct {
	mu       sync.Mutex
	commands [][]string
	Outputs  map[string][]byte
	Errs     map[string]error
	Missing  map[string]bool // binaries LookPath should report absent
}

// NewFake creates an empty Fake runner.
func NewFake() *Fake {
	return &Fake{
		Outputs: make(map[string][]byte),
		Errs:    make(map[string]error),
		Missing: make(map[string]bool),
	}
}

func key(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *Fake) record(name string, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]string{name}, args...))
}

func (f *Fake) Run(name string, args ...string) error {
	f.record(name, args)
	return f.Errs[key(name, args)]
}

func (f *Fake) Output(name string, args ...string) ([]byte, error) {
	f.record(name, args)
	k := key(name, args)
	if err := f.Errs[k]; err != nil {
		return nil, err
	}
	return f.Outputs[k], nil
}

func (f *Fake) LookPath(name string) (string, error) {
	if f.Missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/sbin/" + name, nil
}

// Commands returns a copy of all recorded invocations.
func (f *Fake) Commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandLines returns the recorded invocations as joined strings.
func (f *Fake) CommandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.commands))
	for i, c := range f.commands {
		lines[i] = strings.Join(c, " ")
	}
	return lines
}
