// Package tailscale is a thin collaborator over the local `tailscale`
// CLI. The core only ever asks it one question — the host's Tailscale
// IPv4 — and treats its absence as non-fatal.
package tailscale

import (
	"context"
	"net"
	"os/exec"
	"strings"
	"time"
)

const lookupTimeout = 2 * time.Second

// Service resolves the local Tailscale IPv4 address, if any.
type Service interface {
	LocalIPv4() (string, bool)
}

// CLIService shells out to `tailscale ip -4`. Absence of the binary, or
// the host not being part of a tailnet, both resolve to ("", false).
type CLIService struct{}

func New() CLIService { return CLIService{} }

func (CLIService) LocalIPv4() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	if err != nil {
		return "", false
	}
	ip := strings.TrimSpace(string(out))
	if net.ParseIP(ip) == nil {
		return "", false
	}
	return ip, true
}

// NoneService is used when Tailscale integration is disabled entirely.
type NoneService struct{}

func (NoneService) LocalIPv4() (string, bool) { return "", false }
