// Package persist snapshots the live ruleset to the engine's canonical
// on-disk form, keeps timestamped backups of prior versions, and
// arranges boot-time reload through the firewall service unit.
package persist

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// Target is one on-disk artifact of the persisted ruleset. nftables
// needs a single ruleset file; iptables needs one save file per family,
// since iptables-restore and ip6tables-restore each reject the other
// family's rules.
type Target struct {
	Path     string
	Preamble string
	Dump     func() (string, error)
}

// Persister writes the live ruleset to disk and enables the reload
// unit. It is called after every kernel-state mutation, add and clear
// alike, so on-disk and in-kernel state stay synchronized.
type Persister struct {
	targets []Target
	run     runner.Runner
	unit    string
	backups bool
	logger  *zap.Logger

	mu       sync.Mutex
	lastSave time.Time
}

// NFTPreamble is prepended to nftables ruleset files so the dump is
// directly loadable by `nft -f` and replaces prior state on boot.
const NFTPreamble = "#!/usr/sbin/nft -f\n\nflush ruleset\n\n"

// New creates a Persister writing the given targets and managing the
// given service unit.
func New(targets []Target, run runner.Runner, unit string, backups bool, logger *zap.Logger) *Persister {
	return &Persister{
		targets: targets,
		run:     run,
		unit:    unit,
		backups: backups,
		logger:  logger,
	}
}

// Persist dumps every target, backs up the previous on-disk files (when
// they exist), overwrites them with the complete live ruleset, and
// enables and restarts the reload unit. All dumps are taken before the
// first write so a failing dump leaves the on-disk state untouched.
// Service-manager failures are warnings: the dump itself succeeded and
// loads on the next manual reload or reboot.
func (p *Persister) Persist() error {
	dumps := make([]string, len(p.targets))
	for i, t := range p.targets {
		dump, err := t.Dump()
		if err != nil {
			return err
		}
		dumps[i] = dump
	}

	for i, t := range p.targets {
		if err := p.backupExisting(t.Path); err != nil {
			return err
		}
		if err := os.WriteFile(t.Path, []byte(t.Preamble+dumps[i]), 0644); err != nil {
			return fmt.Errorf("failed to write ruleset to %s: %w", t.Path, err)
		}
		p.logger.Info("persisted ruleset", zap.String("path", t.Path))
	}
	p.markSaved()

	if err := p.run.Run("systemctl", "enable", p.unit); err != nil {
		p.logger.Warn("failed to enable firewall service unit", zap.Error(err))
	}
	if err := p.run.Run("systemctl", "restart", p.unit); err != nil {
		p.logger.Warn("failed to restart firewall service unit", zap.Error(err))
	}
	return nil
}

// backupExisting copies the current ruleset file to a timestamped
// sibling path. No prior file means no backup.
func (p *Persister) backupExisting(path string) error {
	if !p.backups {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing ruleset %s: %w", path, err)
	}

	backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	p.logger.Info("backed up previous ruleset", zap.String("path", backupPath))
	return nil
}

func (p *Persister) markSaved() {
	p.mu.Lock()
	p.lastSave = time.Now()
	p.mu.Unlock()
}

// savedRecently reports whether a Persist write happened inside the
// grace window, so the watcher can tell our own writes from external
// ones.
func (p *Persister) savedRecently(grace time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSave) < grace
}
