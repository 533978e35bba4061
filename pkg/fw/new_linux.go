//go:build linux

package fw

import (
	"fmt"

	"github.com/google/nftables"
	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// NewEngine creates the configured firewall engine. The default is
// nftables over netlink; "iptables" selects the fallback engine for
// hosts without nft support.
func NewEngine(backend, table string, run runner.Runner, logger *zap.Logger) (Engine, error) {
	switch backend {
	case "iptables":
		return NewIPTEngine(run, logger)
	case "", "nftables":
		conn, err := nftables.New()
		if err != nil {
			return nil, fmt.Errorf("failed to open nftables connection: %w", err)
		}
		return NewNFTEngine(conn, run, table, logger), nil
	}
	return nil, fmt.Errorf("unknown firewall engine %q", backend)
}
