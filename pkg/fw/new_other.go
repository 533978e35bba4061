//go:build !linux

package fw

import (
	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// NewEngine returns the in-memory fake on non-Linux systems so the tool
// can be developed and exercised on macOS.
func NewEngine(backend, table string, run runner.Runner, logger *zap.Logger) (Engine, error) {
	return NewFakeEngine(logger), nil
}
