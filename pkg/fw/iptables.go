package fw

import (
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

const (
	natTable  = "nat"
	preChain  = "EZPF-PREROUTING"
	postChain = "EZPF-POSTROUTING"
)

// IPTHandle is the subset of coreos/go-iptables operations the fallback
// engine needs, abstracted per family for testing.
type IPTHandle interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// IPTEngine is a fallback Engine for hosts without nftables. It owns a
// pair of custom chains in the nat table, jumped to from PREROUTING and
// POSTROUTING. Unlike the nftables engine, rule installation is
// best-effort sequential: a failure can leave a subset of the four
// rules applied, which "show rules" makes visible.
type IPTEngine struct {
	handles map[Family]IPTHandle
	run     runner.Runner
	logger  *zap.Logger
}

// NewIPTEngine creates an iptables-backed Engine with real handles for
// both families.
func NewIPTEngine(run runner.Runner, logger *zap.Logger) (*IPTEngine, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("failed to create ip6tables handle: %w", err)
	}
	return NewIPTEngineWithHandles(v4, v6, run, logger), nil
}

// NewIPTEngineWithHandles creates an IPTEngine with injected handles
// (used in tests).
func NewIPTEngineWithHandles(v4, v6 IPTHandle, run runner.Runner, logger *zap.Logger) *IPTEngine {
	return &IPTEngine{
		handles: map[Family]IPTHandle{FamilyIPv4: v4, FamilyIPv6: v6},
		run:     run,
		logger:  logger,
	}
}

// EnsureTable creates the custom chains and their jump rules for the
// family if absent. ChainExists probes live state on every call.
func (e *IPTEngine) EnsureTable(family Family) error {
	ipt := e.handles[family]
	for hook, chain := range map[string]string{
		"PREROUTING":  preChain,
		"POSTROUTING": postChain,
	} {
		exists, err := ipt.ChainExists(natTable, chain)
		if err != nil {
			return fmt.Errorf("failed to check chain %s: %w", chain, err)
		}
		if !exists {
			if err := ipt.NewChain(natTable, chain); err != nil {
				return fmt.Errorf("failed to create chain %s: %w", chain, err)
			}
			e.logger.Info("created iptables chain",
				zap.String("chain", chain),
				zap.String("family", family.String()),
			)
		}
		if err := ipt.AppendUnique(natTable, hook, "-j", chain); err != nil {
			return fmt.Errorf("failed to add jump rule to %s: %w", hook, err)
		}
	}
	return nil
}

// AddForwarding appends the four rules one by one (AppendUnique keeps
// repeats idempotent). DNAT rules go first so a partial failure never
// leaves a masquerade without its redirect.
func (e *IPTEngine) AddForwarding(rule ForwardingRule) error {
	if err := e.EnsureTable(rule.Family); err != nil {
		return err
	}
	ipt := e.handles[rule.Family]
	for _, spec := range rule.Expand() {
		chain := preChain
		if spec.Kind == KindMasquerade {
			chain = postChain
		}
		if err := ipt.AppendUnique(natTable, chain, iptRuleSpec(spec)...); err != nil {
			return fmt.Errorf("failed to append %s %s rule for %s: %w",
				spec.Protocol, spec.Kind, rule.Key(), err)
		}
	}
	e.logger.Info("installed forwarding rules",
		zap.String("family", rule.Family.String()),
		zap.Uint16("local_port", rule.LocalPort),
		zap.String("target", rule.Target()),
	)
	return nil
}

// iptRuleSpec builds the iptables arguments for one rule spec.
func iptRuleSpec(spec RuleSpec) []string {
	r := spec.Rule
	if spec.Kind == KindDNAT {
		return []string{
			"-p", string(spec.Protocol),
			"--dport", strconv.Itoa(int(r.LocalPort)),
			"-j", "DNAT",
			"--to-destination", r.Target(),
		}
	}
	return []string{
		"-d", r.RemoteAddr,
		"-p", string(spec.Protocol),
		"--dport", strconv.Itoa(int(r.RemotePort)),
		"-j", "MASQUERADE",
	}
}

// TableExists reports whether either family has any managed chain. Both
// chains are probed: a partial EnsureTable failure can leave just one
// behind, and that one must still be reported and clearable.
func (e *IPTEngine) TableExists() (bool, error) {
	for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
		for _, chain := range []string{preChain, postChain} {
			exists, err := e.handles[family].ChainExists(natTable, chain)
			if err != nil {
				return false, fmt.Errorf("failed to check chain %s: %w", chain, err)
			}
			if exists {
				return true, nil
			}
		}
	}
	return false, nil
}

// DeleteAll clears and removes the custom chains and their jump rules
// for every family they exist in.
func (e *IPTEngine) DeleteAll() error {
	found := false
	for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
		ipt := e.handles[family]
		for hook, chain := range map[string]string{
			"PREROUTING":  preChain,
			"POSTROUTING": postChain,
		} {
			exists, err := ipt.ChainExists(natTable, chain)
			if err != nil {
				return fmt.Errorf("failed to check chain %s: %w", chain, err)
			}
			if !exists {
				continue
			}
			found = true
			if err := ipt.ClearChain(natTable, chain); err != nil {
				return fmt.Errorf("failed to clear chain %s: %w", chain, err)
			}
			if err := ipt.DeleteIfExists(natTable, hook, "-j", chain); err != nil {
				return fmt.Errorf("failed to delete jump rule from %s: %w", hook, err)
			}
			if err := ipt.DeleteChain(natTable, chain); err != nil {
				return fmt.Errorf("failed to delete chain %s: %w", chain, err)
			}
		}
	}
	if !found {
		return ErrNothingToClear
	}
	e.logger.Info("deleted forwarding chains")
	return nil
}

// DumpFamily returns one family's nat-table save. The output is what
// iptables-restore (respectively ip6tables-restore) accepts; the two
// families must stay in separate files for a boot-time restore to work.
func (e *IPTEngine) DumpFamily(family Family) (string, error) {
	bin := "iptables-save"
	if family == FamilyIPv6 {
		bin = "ip6tables-save"
	}
	out, err := e.run.Output(bin, "-t", natTable)
	if err != nil {
		return "", fmt.Errorf("failed to dump %s nat table: %w", family, err)
	}
	return string(out), nil
}

// Dump concatenates the nat-table saves of both families, for display
// only; persistence uses DumpFamily.
func (e *IPTEngine) Dump() (string, error) {
	v4, err := e.DumpFamily(FamilyIPv4)
	if err != nil {
		return "", err
	}
	v6, err := e.DumpFamily(FamilyIPv6)
	if err != nil {
		return "", err
	}
	return v4 + v6, nil
}
