package fw

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FakeEngine is an in-memory Engine for tests and for development on
// non-Linux systems. It mirrors the live-probe semantics of the real
// engines: tables exist only once ensured, and DeleteAll on an empty
// state returns ErrNothingToClear.
type FakeEngine struct {
	mu     sync.Mutex
	tables map[Family]bool
	rules  []RuleSpec
	logger *zap.Logger

	// FailAdd, when set, makes the next AddForwarding fail without
	// applying anything, mimicking a rejected netlink batch.
	FailAdd error
}

// NewFakeEngine creates an empty in-memory engine.
func NewFakeEngine(logger *zap.Logger) *FakeEngine {
	return &FakeEngine{
		tables: make(map[Family]bool),
		logger: logger,
	}
}

func (e *FakeEngine) EnsureTable(family Family) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tables[family] {
		e.tables[family] = true
		e.logger.Debug("fake: created table", zap.String("family", family.String()))
	}
	return nil
}

func (e *FakeEngine) AddForwarding(rule ForwardingRule) error {
	if err := e.EnsureTable(rule.Family); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailAdd != nil {
		err := e.FailAdd
		e.FailAdd = nil
		return err
	}
	if _, err := remoteIPBytes(rule); err != nil {
		return err
	}
	e.rules = append(e.rules, rule.Expand()...)
	e.logger.Debug("fake: installed forwarding rules", zap.String("key", rule.Key()))
	return nil
}

func (e *FakeEngine) TableExists() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables[FamilyIPv4] || e.tables[FamilyIPv6], nil
}

func (e *FakeEngine) DeleteAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tables[FamilyIPv4] && !e.tables[FamilyIPv6] {
		return ErrNothingToClear
	}
	e.tables = make(map[Family]bool)
	e.rules = nil
	e.logger.Debug("fake: deleted table")
	return nil
}

// Dump renders the in-memory state in nft-like text so callers that
// display or persist the ruleset see plausible output.
func (e *FakeEngine) Dump() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	families := make([]Family, 0, len(e.tables))
	for f := range e.tables {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	for _, f := range families {
		e.renderFamily(&b, f)
	}
	return b.String(), nil
}

// DumpFamily renders one family's table, empty when it does not exist.
func (e *FakeEngine) DumpFamily(family Family) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	if e.tables[family] {
		e.renderFamily(&b, family)
	}
	return b.String(), nil
}

func (e *FakeEngine) renderFamily(b *strings.Builder, f Family) {
	fam := "ip"
	daddr := "ip daddr"
	if f == FamilyIPv6 {
		fam = "ip6"
		daddr = "ip6 daddr"
	}
	fmt.Fprintf(b, "table %s %s {\n", fam, TableName)
	b.WriteString("\tchain prerouting {\n")
	b.WriteString("\t\ttype nat hook prerouting priority dstnat; policy accept;\n")
	for _, s := range e.rules {
		if s.Rule.Family != f || s.Kind != KindDNAT {
			continue
		}
		fmt.Fprintf(b, "\t\t%s dport %d dnat to %s\n", s.Protocol, s.Rule.LocalPort, s.Rule.Target())
	}
	b.WriteString("\t}\n")
	b.WriteString("\tchain postrouting {\n")
	b.WriteString("\t\ttype nat hook postrouting priority srcnat; policy accept;\n")
	for _, s := range e.rules {
		if s.Rule.Family != f || s.Kind != KindMasquerade {
			continue
		}
		fmt.Fprintf(b, "\t\t%s %s %s dport %d masquerade\n", daddr, s.Rule.RemoteAddr, s.Protocol, s.Rule.RemotePort)
	}
	b.WriteString("\t}\n}\n")
}

// Rules returns a copy of the installed rule specs (for testing).
func (e *FakeEngine) Rules() []RuleSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleSpec, len(e.rules))
	copy(out, e.rules)
	return out
}
