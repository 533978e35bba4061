// Package fw owns the port_forward firewall table: table and chain
// lifecycle, forwarding rule construction, and wholesale teardown. The
// kernel is always the source of truth; existence is probed live, never
// cached.
package fw

import "errors"

// TableName is the name of the firewall table this tool owns. No other
// subsystem may write into it.
const TableName = "port_forward"

// ErrNothingToClear is returned by DeleteAll when no managed table
// exists in the kernel.
var ErrNothingToClear = errors.New("no forwarding table present, nothing to clear")

// Engine manages the forwarding table on one backend (nftables,
// iptables, or an in-memory fake). Implementations are not required to
// be safe for concurrent use; the tool is single-operator by design.
type Engine interface {
	// EnsureTable creates the managed table and its prerouting/
	// postrouting NAT chains for the given family if they are absent.
	// It probes live kernel state on every call and is a no-op when
	// the objects already exist.
	EnsureTable(family Family) error

	// AddForwarding installs the four rules of one forwarding intent
	// (DNAT and masquerade, for TCP and UDP). EnsureTable is applied
	// first.
	AddForwarding(rule ForwardingRule) error

	// TableExists probes whether the managed table exists for any
	// family.
	TableExists() (bool, error)

	// DeleteAll removes the managed table and every rule in it.
	// Returns ErrNothingToClear when there is nothing to remove.
	DeleteAll() error

	// Dump returns the complete live ruleset in textual form, every
	// table included, suitable for display and persistence.
	Dump() (string, error)
}
