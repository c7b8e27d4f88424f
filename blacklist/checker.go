package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// AddrResolver turns a hostname into its addresses, AAAA before A.
type AddrResolver interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// BlacklistedHostError is returned when a host resolves (or might resolve)
// into a blacklisted range. It never carries the resolved addresses.
type BlacklistedHostError struct {
	Host   string
	Reason string
}

func (e *BlacklistedHostError) Error() string {
	return fmt.Sprintf("refusing to contact blacklisted host %q: %s", e.Host, e.Reason)
}

// HostChecker applies the fail-closed convention: anything we can't prove is
// safe is treated as blacklisted.
type HostChecker struct {
	// Blacklist defaults to Default() when nil
	Blacklist *Blacklist
	Resolver  AddrResolver
	// Disabled turns every check into a no-op. Operational escape hatch only.
	Disabled bool
	Logger   *slog.Logger

	defaultOnce sync.Once
}

// Check returns a *BlacklistedHostError if host is an IP literal in the
// blacklist, fails to resolve, resolves to nothing, or resolves to at least
// one blacklisted address.
func (c *HostChecker) Check(ctx context.Context, host string) error {
	if c.Disabled {
		return nil
	}
	addrs, err := c.addresses(ctx, host)
	if err != nil {
		c.logger().Debug("blacklist: resolution failed", "host", host, "err", err)
		metricRefusalsTotal.WithLabelValues("unresolvable").Inc()
		return &BlacklistedHostError{Host: host, Reason: "could not resolve host"}
	}
	if len(addrs) == 0 {
		metricRefusalsTotal.WithLabelValues("unresolvable").Inc()
		return &BlacklistedHostError{Host: host, Reason: "host has no addresses"}
	}
	if c.blacklist().IsBlacklisted(addrs) {
		c.logger().Debug("blacklist: host resolves into a blacklisted range", "host", host, "addrs", addrs)
		metricRefusalsTotal.WithLabelValues("blacklisted").Inc()
		return &BlacklistedHostError{Host: host, Reason: "host resolves to a blacklisted IP range"}
	}
	return nil
}

func (c *HostChecker) addresses(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if c.Resolver == nil {
		return nil, fmt.Errorf("no resolver configured")
	}
	return c.Resolver.LookupAddrs(ctx, host)
}

// Allowed reports whether addr may be dialed; used at connect time to catch
// a DNS answer that changed since Check ran.
func (c *HostChecker) Allowed(addr netip.Addr) bool {
	if c.Disabled {
		return true
	}
	if c.blacklist().Contains(addr) {
		metricRefusalsTotal.WithLabelValues("dial").Inc()
		return false
	}
	return true
}

func (c *HostChecker) blacklist() *Blacklist {
	c.defaultOnce.Do(func() {
		if c.Blacklist == nil {
			c.Blacklist = Default()
		}
	})
	return c.Blacklist
}

func (c *HostChecker) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
