package sysctl

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

type param struct {
	key   string
	value string
}

// Manager checks kernel prerequisites and records the missing ones in a
// sysctl.d drop-in file. The file is append-only: existing content is
// never rewritten in place, only de-duplicated after an append.
type Manager struct {
	ctrl      Controller
	run       runner.Runner
	confPath  string
	enableBBR bool
	logger    *zap.Logger
}

// NewManager creates a kernel-prerequisite Manager.
func NewManager(ctrl Controller, run runner.Runner, confPath string, enableBBR bool, logger *zap.Logger) *Manager {
	return &Manager{
		ctrl:      ctrl,
		run:       run,
		confPath:  confPath,
		enableBBR: enableBBR,
		logger:    logger,
	}
}

// EnsurePrerequisites reads the live values of every prerequisite,
// appends a setting line for each one not already satisfied, then
// de-duplicates the drop-in and reloads kernel parameters. Running it
// again with everything satisfied performs no writes and no reload.
// A failed reload is a warning: rules can still be configured, the
// settings just apply after reboot.
func (m *Manager) EnsurePrerequisites() error {
	wanted := []param{
		{"net.ipv4.ip_forward", "1"},
		{"net.ipv6.conf.all.forwarding", "1"},
	}
	if m.enableBBR {
		m.warnIfBBRUnavailable()
		wanted = append(wanted,
			param{"net.core.default_qdisc", "fq"},
			param{"net.ipv4.tcp_congestion_control", "bbr"},
		)
	}

	var missing []param
	for _, p := range wanted {
		current, err := m.ctrl.Get(p.key)
		if err != nil {
			m.logger.Warn("failed to read kernel parameter",
				zap.String("key", p.key), zap.Error(err))
			continue
		}
		if current != p.value {
			missing = append(missing, p)
		}
	}

	if len(missing) == 0 {
		m.logger.Info("kernel prerequisites already satisfied")
		return nil
	}

	if err := m.appendParams(missing); err != nil {
		return err
	}
	if err := m.dedupeFile(); err != nil {
		return err
	}

	if err := m.run.Run("sysctl", "--system"); err != nil {
		m.logger.Warn("failed to reload kernel parameters, settings will apply after reboot",
			zap.Error(err))
	}
	return nil
}

// warnIfBBRUnavailable surfaces an advisory when the running kernel has
// no bbr module; the setting is still written so it takes effect once
// the kernel supports it.
func (m *Manager) warnIfBBRUnavailable() {
	available, err := m.ctrl.Get("net.ipv4.tcp_available_congestion_control")
	if err != nil {
		return
	}
	for _, algo := range strings.Fields(available) {
		if algo == "bbr" {
			return
		}
	}
	m.logger.Warn("BBR is not available in the running kernel, a newer kernel or reboot may be required")
}

func (m *Manager) appendParams(params []param) error {
	f, err := os.OpenFile(m.confPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.confPath, err)
	}
	defer f.Close()

	for _, p := range params {
		if _, err := fmt.Fprintf(f, "%s = %s\n", p.key, p.value); err != nil {
			return fmt.Errorf("failed to append to %s: %w", m.confPath, err)
		}
		m.logger.Info("recorded kernel parameter",
			zap.String("key", p.key), zap.String("value", p.value))
	}
	return nil
}

// dedupeFile stable-sorts the drop-in lines and removes duplicates.
func (m *Manager) dedupeFile() error {
	data, err := os.ReadFile(m.confPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.confPath, err)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i] < lines[j] })

	unique := lines[:0]
	var prev string
	for i, line := range lines {
		if i == 0 || line != prev {
			unique = append(unique, line)
		}
		prev = line
	}

	out := strings.Join(unique, "\n") + "\n"
	if err := os.WriteFile(m.confPath, []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.confPath, err)
	}
	return nil
}
