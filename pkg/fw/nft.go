package fw

import (
	"fmt"

	"github.com/google/nftables"
	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// NFTConn abstracts the nftables netlink connection, allowing the engine
// to be tested without a kernel. Mutations are staged on the connection
// and committed as one batch by Flush.
type NFTConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTables() ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChains() ([]*nftables.Chain, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

// NFTEngine manages the port_forward table through nftables. The table
// is created per address family (nftables tables are family-scoped), so
// "the table" is the pair of ip/ip6 tables sharing the managed name.
type NFTEngine struct {
	conn   NFTConn
	run    runner.Runner
	table  string
	logger *zap.Logger
}

// NewNFTEngine creates an nftables-backed Engine over the given
// connection.
func NewNFTEngine(conn NFTConn, run runner.Runner, table string, logger *zap.Logger) *NFTEngine {
	return &NFTEngine{conn: conn, run: run, table: table, logger: logger}
}

// findTable probes live kernel state for the managed table of the given
// family. Existence is never cached.
func (e *NFTEngine) findTable(family Family) (*nftables.Table, error) {
	tables, err := e.conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == e.table && t.Family == nftFamily(family) {
			return t, nil
		}
	}
	return nil, nil
}

// findChains returns the managed prerouting and postrouting chains of
// the given table, either of which may be nil when absent.
func (e *NFTEngine) findChains(tbl *nftables.Table) (pre, post *nftables.Chain, err error) {
	chains, err := e.conn.ListChains()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table == nil || c.Table.Name != tbl.Name || c.Table.Family != tbl.Family {
			continue
		}
		switch c.Name {
		case chainPrerouting:
			pre = c
		case chainPostrouting:
			post = c
		}
	}
	return pre, post, nil
}

const (
	chainPrerouting  = "prerouting"
	chainPostrouting = "postrouting"
)

// EnsureTable creates the family-scoped table and its two NAT chains if
// absent, committing only when something was actually created.
func (e *NFTEngine) EnsureTable(family Family) error {
	tbl, err := e.findTable(family)
	if err != nil {
		return err
	}
	created := false
	if tbl == nil {
		tbl = e.conn.AddTable(&nftables.Table{
			Name:   e.table,
			Family: nftFamily(family),
		})
		created = true
		e.logger.Info("creating firewall table",
			zap.String("table", e.table),
			zap.String("family", family.String()),
		)
	}

	var pre, post *nftables.Chain
	if !created {
		// Only probe chains for a table that already exists; a staged
		// table cannot have chains yet.
		pre, post, err = e.findChains(tbl)
		if err != nil {
			return err
		}
	}

	accept := nftables.ChainPolicyAccept
	if pre == nil {
		e.conn.AddChain(&nftables.Chain{
			Name:     chainPrerouting,
			Table:    tbl,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  nftables.ChainHookPrerouting,
			Priority: nftables.ChainPriorityNATDest,
			Policy:   &accept,
		})
		created = true
	}
	if post == nil {
		e.conn.AddChain(&nftables.Chain{
			Name:     chainPostrouting,
			Table:    tbl,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  nftables.ChainHookPostrouting,
			Priority: nftables.ChainPriorityNATSource,
			Policy:   &accept,
		})
		created = true
	}

	if !created {
		return nil
	}
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create table %s: %w", e.table, err)
	}
	return nil
}

// AddForwarding installs the four rules of one intent in a single
// netlink batch: either all four land in the kernel or none do.
func (e *NFTEngine) AddForwarding(rule ForwardingRule) error {
	if err := e.EnsureTable(rule.Family); err != nil {
		return err
	}

	tbl, err := e.findTable(rule.Family)
	if err != nil {
		return err
	}
	if tbl == nil {
		return fmt.Errorf("table %s vanished after creation", e.table)
	}
	pre, post, err := e.findChains(tbl)
	if err != nil {
		return err
	}
	if pre == nil || post == nil {
		return fmt.Errorf("table %s is missing its NAT chains", e.table)
	}

	for _, spec := range rule.Expand() {
		exprs, err := specExprs(spec)
		if err != nil {
			return err
		}
		chain := pre
		if spec.Kind == KindMasquerade {
			chain = post
		}
		e.conn.AddRule(&nftables.Rule{
			Table: tbl,
			Chain: chain,
			Exprs: exprs,
		})
	}

	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("failed to install forwarding rules for %s: %w", rule.Key(), err)
	}
	e.logger.Info("installed forwarding rules",
		zap.String("family", rule.Family.String()),
		zap.Uint16("local_port", rule.LocalPort),
		zap.String("target", rule.Target()),
	)
	return nil
}

// TableExists probes for the managed table in either family.
func (e *NFTEngine) TableExists() (bool, error) {
	for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
		tbl, err := e.findTable(family)
		if err != nil {
			return false, err
		}
		if tbl != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll removes the managed table for every family it exists in,
// deleting all its rules transitively.
func (e *NFTEngine) DeleteAll() error {
	found := false
	for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
		tbl, err := e.findTable(family)
		if err != nil {
			return err
		}
		if tbl == nil {
			continue
		}
		e.conn.DelTable(tbl)
		found = true
	}
	if !found {
		return ErrNothingToClear
	}
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", e.table, err)
	}
	e.logger.Info("deleted firewall table", zap.String("table", e.table))
	return nil
}

// Dump returns the full textual ruleset via the nft binary; the netlink
// API has no textual listing.
func (e *NFTEngine) Dump() (string, error) {
	out, err := e.run.Output("nft", "list", "ruleset")
	if err != nil {
		return "", fmt.Errorf("failed to dump ruleset: %w", err)
	}
	return string(out), nil
}
