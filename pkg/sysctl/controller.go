// Package sysctl ensures the kernel prerequisites for NAT port
// forwarding (IP forwarding for both families, BBR congestion control)
// are enabled and survive reboot via an append-only sysctl.d drop-in.
package sysctl

import (
	"os"
	"path/filepath"
	"strings"
)

// Controller reads live kernel parameter values. It exists so the
// manager can be tested without a /proc/sys.
type Controller interface {
	Get(key string) (string, error)
}

type procController struct {
	root string
}

// NewController returns a Controller reading from /proc/sys.
func NewController() Controller {
	return procController{root: "/proc/sys"}
}

func (c procController) Get(key string) (string, error) {
	path := filepath.Join(c.root, strings.ReplaceAll(key, ".", "/"))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
