// Package blacklist holds the IP ranges we refuse to contact on behalf of a
// remote party, and the fail-closed host check built on top of them.
package blacklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	// DefaultIPv4Ranges are loopback, private, CG-NAT, IETF protocol assignments,
	// link-local, benchmarking, documentation and multicast.
	DefaultIPv4Ranges = []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"192.0.0.0/24",
		"169.254.0.0/16",
		"198.18.0.0/15",
		"192.0.2.0/24",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
	}
	// DefaultIPv6Ranges are loopback, link-local, unique local and the
	// deprecated site-local range.
	DefaultIPv6Ranges = []string{
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"fec0::/10",
	}

	comments     = regexp.MustCompile(`#.*`)
	invalidChars = regexp.MustCompile(`[^\da-f/.:]`)
)

// Blacklist is an immutable set of disallowed prefixes. Every IPv4 prefix is
// also stored in its IPv4-mapped IPv6 form (::ffff:a.b.c.d/n+96) so that a
// mapped address can't sneak past the IPv4 entries.
type Blacklist struct {
	prefixes []netip.Prefix
}

// Default returns the blacklist built from DefaultIPv4Ranges and DefaultIPv6Ranges.
func Default() *Blacklist {
	b, err := New(append(append([]string{}, DefaultIPv4Ranges...), DefaultIPv6Ranges...))
	if err != nil {
		panic(err) // the defaults are constants; this can't happen
	}
	return b
}

// New parses the CIDRs (or bare addresses) into a Blacklist.
func New(ranges []string) (*Blacklist, error) {
	b := &Blacklist{}
	for _, r := range ranges {
		prefix, err := parsePrefix(r)
		if err != nil {
			return nil, err
		}
		b.add(prefix)
	}
	return b, nil
}

// With returns a new Blacklist holding b's prefixes plus the extra ones.
func (b *Blacklist) With(extra []netip.Prefix) *Blacklist {
	merged := &Blacklist{prefixes: append([]netip.Prefix{}, b.prefixes...)}
	for _, prefix := range extra {
		merged.add(prefix)
	}
	return merged
}

func (b *Blacklist) add(prefix netip.Prefix) {
	prefix = prefix.Masked()
	b.prefixes = append(b.prefixes, prefix)
	if prefix.Addr().Is4() {
		mapped := netip.AddrFrom16(prefix.Addr().As16())
		b.prefixes = append(b.prefixes, netip.PrefixFrom(mapped, prefix.Bits()+96))
	}
}

// Prefixes returns a copy of every prefix, mapped forms included.
func (b *Blacklist) Prefixes() []netip.Prefix {
	return append([]netip.Prefix{}, b.prefixes...)
}

// Contains reports whether addr falls in any blacklisted prefix.
func (b *Blacklist) Contains(addr netip.Addr) bool {
	addr = addr.WithZone("")
	for _, prefix := range b.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlacklisted returns true if any of the addresses is blacklisted. An empty
// list is NOT blacklisted here; treating "nothing resolved" as unsafe is the
// caller's job (see HostChecker).
func (b *Blacklist) IsBlacklisted(addrs []netip.Addr) bool {
	for _, addr := range addrs {
		if b.Contains(addr) {
			return true
		}
	}
	return false
}

// ReadRanges "sanitizes" a list of ranges, one per line, stripping comments
// and blank lines. Lines may hold a CIDR or a bare address.
func ReadRanges(r io.Reader) (prefixes []netip.Prefix, err error) {
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.ToLower(scanner.Text())
		line = comments.ReplaceAllString(line, "")
		line = invalidChars.ReplaceAllString(line, "")
		if line == "" {
			continue
		}
		prefix, err := parsePrefix(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		prefixes = append(prefixes, prefix)
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	return prefixes, nil
}

// Load reads extra ranges from a file:// or http(s):// URL.
func Load(ctx context.Context, rangesURL string) ([]netip.Prefix, error) {
	var reader io.ReadCloser
	// file protocol's purpose: so the tests and air-gapped deployments don't need the network
	if path, ok := strings.CutPrefix(rangesURL, "file://"); ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf(`failed to open blacklist "%s": %w`, path, err)
		}
		reader = f
	} else {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rangesURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf(`failed to download blacklist "%s": %w`, rangesURL, err)
		}
		if resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf(`failed to download blacklist "%s", HTTP status: "%d"`, rangesURL, resp.StatusCode)
		}
		reader = resp.Body
	}
	//noinspection GoUnhandledErrorResult
	defer reader.Close()

	prefixes, err := ReadRanges(reader)
	if err != nil {
		return nil, fmt.Errorf(`failed to parse blacklist "%s": %w`, rangesURL, err)
	}
	return prefixes, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
