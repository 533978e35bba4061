// Package app wires the config, kernel-prerequisite, engine,
// persistence, and menu modules into the runnable tool, and owns the
// one-time environment checks that run before any state is mutated.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/config"
	"github.com/ezsetup/ezpf/pkg/fw"
	"github.com/ezsetup/ezpf/pkg/menu"
	"github.com/ezsetup/ezpf/pkg/persist"
	"github.com/ezsetup/ezpf/pkg/runner"
	"github.com/ezsetup/ezpf/pkg/sysctl"
	"github.com/ezsetup/ezpf/pkg/validate"
)

// App coordinates all modules and manages the session lifecycle.
type App struct {
	configMgr *config.Manager
	engine    fw.Engine
	sysctlMgr *sysctl.Manager
	persister *persist.Persister
	run       runner.Runner
	logger    *zap.Logger

	in   io.Reader
	out  io.Writer
	euid func() int
}

// New initializes all modules and returns a ready-to-run App.
func New(configPath string, logger *zap.Logger) (*App, error) {
	run := runner.New()

	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.GetConfig()

	engine, err := fw.NewEngine(cfg.Firewall.Engine, cfg.Firewall.Table, run, logger.Named("fw"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firewall engine: %w", err)
	}

	return newAppWith(configMgr, engine, sysctl.NewController(), run, os.Stdin, os.Stdout, logger), nil
}

// newAppWith wires an App from pre-created collaborators. This allows
// tests to inject fakes for the engine, sysctl controller, and runner.
func newAppWith(configMgr *config.Manager, engine fw.Engine, ctrl sysctl.Controller,
	run runner.Runner, in io.Reader, out io.Writer, logger *zap.Logger) *App {

	cfg := configMgr.GetConfig()

	return &App{
		configMgr: configMgr,
		engine:    engine,
		sysctlMgr: sysctl.NewManager(ctrl, run, cfg.Sysctl.ConfPath,
			cfg.Sysctl.BBREnabled(), logger.Named("sysctl")),
		persister: persist.New(persistTargets(cfg, engine), run,
			cfg.Persist.ServiceUnit, cfg.Persist.BackupsEnabled(),
			logger.Named("persist")),
		run:    run,
		logger: logger,
		in:     in,
		out:    out,
		euid:   os.Geteuid,
	}
}

// familyDumper is implemented by engines whose persisted form must be
// split per address family (the iptables engine and the fake).
type familyDumper interface {
	DumpFamily(family fw.Family) (string, error)
}

// persistTargets maps the engine to its on-disk ruleset layout: one
// nft-loadable file for nftables, or <path>.v4 and <path>.v6 save files
// for iptables, which its restore tools require to be family-pure.
func persistTargets(cfg *config.Config, engine fw.Engine) []persist.Target {
	if cfg.Firewall.Engine == "iptables" {
		if fd, ok := engine.(familyDumper); ok {
			return []persist.Target{
				{Path: cfg.Persist.RulesetPath + ".v4", Dump: func() (string, error) {
					return fd.DumpFamily(fw.FamilyIPv4)
				}},
				{Path: cfg.Persist.RulesetPath + ".v6", Dump: func() (string, error) {
					return fd.DumpFamily(fw.FamilyIPv6)
				}},
			}
		}
	}
	return []persist.Target{{
		Path:     cfg.Persist.RulesetPath,
		Preamble: persist.NFTPreamble,
		Dump:     engine.Dump,
	}}
}

// engineBinaries maps each engine to the binary its operation needs.
var engineBinaries = map[string]string{
	"nftables": "nft",
	"iptables": "iptables",
}

// enginePackages maps each engine to its distro package name.
var enginePackages = map[string]string{
	"nftables": "nftables",
	"iptables": "iptables",
}

// Preflight runs the one-time environment checks: required privilege
// and an installed (or installable) firewall engine. A failure here is
// fatal and happens before any state mutation.
func (a *App) Preflight() error {
	if a.euid() != 0 {
		return errors.New("ezpf must be run as root")
	}

	engineName := a.configMgr.GetConfig().Firewall.Engine
	bin := engineBinaries[engineName]
	if _, err := a.run.LookPath(bin); err == nil {
		return nil
	}

	a.logger.Warn("firewall engine binary not found, attempting installation",
		zap.String("binary", bin))

	pm := a.detectPackageManager()
	if pm == "" {
		return fmt.Errorf("firewall engine %q is not installed and no supported package manager was found", bin)
	}
	pkg := enginePackages[engineName]
	if err := a.run.Run(pm, "install", "-y", pkg); err != nil {
		return fmt.Errorf("failed to install %s via %s: %w", pkg, pm, err)
	}
	if _, err := a.run.LookPath(bin); err != nil {
		return fmt.Errorf("firewall engine %q is still unavailable after installing %s", bin, pkg)
	}
	a.logger.Info("installed firewall engine", zap.String("package", pkg))
	return nil
}

func (a *App) detectPackageManager() string {
	for _, pm := range []string{"apt-get", "dnf", "yum"} {
		if _, err := a.run.LookPath(pm); err == nil {
			return pm
		}
	}
	return ""
}

// Run ensures kernel prerequisites, starts the config and ruleset
// watchers, and drives the interactive menu to completion.
func (a *App) Run(ctx context.Context) error {
	if err := a.sysctlMgr.EnsurePrerequisites(); err != nil {
		a.logger.Warn("kernel prerequisite setup failed", zap.Error(err))
	}

	if err := a.persister.Watch(ctx); err != nil {
		a.logger.Warn("ruleset watcher unavailable", zap.Error(err))
	}

	a.configMgr.WatchConfig()
	go func() {
		for {
			select {
			case <-a.configMgr.OnChange():
				a.logger.Warn("configuration changed, restart ezpf to apply it")
			case <-ctx.Done():
				return
			}
		}
	}()

	m := menu.New(a.in, a.out, a.engine, a.persister, a.logger.Named("menu"))
	return m.Run(ctx)
}

// RunAdd installs one forwarding intent non-interactively. Invalid
// fields reject the whole intent with a field-level error instead of
// re-prompting.
func (a *App) RunAdd(family, localPort, remoteAddr, remotePort string) error {
	fam, err := fw.ParseFamily(family)
	if err != nil {
		return err
	}
	if !validate.Port(localPort) {
		return fmt.Errorf("invalid local port %q: expected an integer between 1 and 65535", localPort)
	}
	if !validate.Address(fam, remoteAddr) {
		return fmt.Errorf("invalid %s remote address %q", fam, remoteAddr)
	}
	if remotePort == "" {
		remotePort = localPort
	}
	if !validate.Port(remotePort) {
		return fmt.Errorf("invalid remote port %q: expected an integer between 1 and 65535", remotePort)
	}

	rule := fw.ForwardingRule{
		Family:     fam,
		LocalPort:  validate.ParsePort(localPort),
		RemoteAddr: remoteAddr,
		RemotePort: validate.ParsePort(remotePort),
	}
	if err := a.engine.AddForwarding(rule); err != nil {
		return err
	}
	return a.persister.Persist()
}

// RunClear deletes the whole forwarding table. Without force it
// refuses, since there is no prompt in non-interactive mode.
func (a *App) RunClear(force bool) error {
	if !force {
		return errors.New("refusing to clear all forwarding rules without --yes")
	}
	if err := a.engine.DeleteAll(); err != nil {
		if errors.Is(err, fw.ErrNothingToClear) {
			a.logger.Info("no forwarding rules present, nothing to clear")
			return nil
		}
		return err
	}
	return a.persister.Persist()
}

// RunShow returns the complete live ruleset.
func (a *App) RunShow() (string, error) {
	return a.engine.Dump()
}
