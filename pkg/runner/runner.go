// Package runner abstracts external command execution behind a narrow
// interface so callers can be tested without invoking real binaries.
package runner

import (
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Run executes a command, returning an error that includes the
	// combined output on failure.
	Run(name string, args ...string) error

	// Output executes a command and returns its stdout.
	Output(name string, args ...string) ([]byte, error)

	// LookPath reports the full path of a binary, or an error if it is
	// not present on PATH.
	LookPath(name string) (string, error)
}

type execRunner struct{}

// New returns a Runner backed by os/exec.
func New() Runner {
	return execRunner{}
}

func (execRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s %s failed: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execRunner) Output(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("command %s %s failed: %w",
			name, strings.Join(args, " "), err)
	}
	return out, nil
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
