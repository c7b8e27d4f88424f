// Package resolver looks up A, AAAA and SRV records by talking DNS directly
// to the configured nameservers, so that "name doesn't exist" and "name
// exists but has no such records" can be told apart from real failures.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeout bounds each individual DNS exchange
const DefaultTimeout = 5 * time.Second

// SRV is a single service record; Target has no trailing dot
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// LookupError is returned when every nameserver failed, or one answered
// with an rcode other than NOERROR/NXDOMAIN
type LookupError struct {
	Name  string
	Qtype string
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s %s: %s", e.Qtype, e.Name, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	nameservers []string
	client      *dns.Client
	logger      *slog.Logger
}

// New returns a Resolver querying nameservers ("host" or "host:port",
// port 53 when omitted) in order.
func New(nameservers []string, logger *slog.Logger) (*Resolver, error) {
	var servers []string
	for _, ns := range nameservers {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(strings.Trim(ns, "[]"), "53")
		}
		servers = append(servers, ns)
	}
	if len(servers) == 0 {
		return nil, errors.New("resolver: no nameservers")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		nameservers: servers,
		client:      &dns.Client{Timeout: DefaultTimeout},
		logger:      logger,
	}, nil
}

// FromResolvConf builds a Resolver from the nameservers listed in a
// resolv.conf(5) file, typically /etc/resolv.conf
func FromResolvConf(path string, logger *slog.Logger) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	var servers []string
	for _, server := range conf.Servers {
		servers = append(servers, net.JoinHostPort(server, conf.Port))
	}
	return New(servers, logger)
}

// Nameservers returns the "host:port" of every nameserver queried, in order
func (r *Resolver) Nameservers() []string {
	return append([]string{}, r.nameservers...)
}

// LookupAddrs returns the AAAA addresses followed by the A addresses of host.
// An IP literal is returned as-is without touching the network. NXDOMAIN and
// NODATA are an empty result, not an error.
func (r *Resolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		answers, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range answers {
			switch rr := rr.(type) {
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, addr)
				}
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	return addrs, nil
}

// LookupSRV queries _service._proto.name, e.g. LookupSRV(ctx, "matrix", "tcp", "example.com").
// Records are returned in the order the nameserver sent them; no
// priority/weight sorting is applied.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, name string) ([]SRV, error) {
	target := "_" + service + "._" + proto + "." + name
	answers, err := r.query(ctx, target, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var records []SRV
	for _, rr := range answers {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, SRV{
				Target:   strings.TrimSuffix(srv.Target, "."),
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	return records, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.RecursionDesired = true

	var lastErr error
	for _, server := range r.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, &LookupError{Name: name, Qtype: dns.TypeToString[qtype], Err: err}
		}
		reply, _, err := r.client.ExchangeContext(ctx, q, server)
		if err != nil {
			r.logger.Debug("resolver: nameserver failed, trying next", "server", server, "name", name, "err", err)
			lastErr = err
			continue
		}
		if reply.Truncated {
			// retry over TCP; SRV answers in particular can outgrow 512 bytes
			tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
			if reply, _, err = tcp.ExchangeContext(ctx, q, server); err != nil {
				lastErr = err
				continue
			}
		}
		switch reply.Rcode {
		case dns.RcodeSuccess:
			return reply.Answer, nil // may be empty: NODATA
		case dns.RcodeNameError:
			return nil, nil
		default:
			return nil, &LookupError{Name: name, Qtype: dns.TypeToString[qtype], Err: errors.New(dns.RcodeToString[reply.Rcode])}
		}
	}
	return nil, &LookupError{Name: name, Qtype: dns.TypeToString[qtype], Err: lastErr}
}
