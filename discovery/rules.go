package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
)

// state is what a rule gets to look at: the server name being resolved
// (the original, or the value a well-known document delegated to) and its
// parsed authority
type state struct {
	serverName string
	authority  Authority
	// delegated is set once we're following a well-known m.server
	delegated bool
}

// rule returns ok=false when it doesn't apply, so that the next one gets a go
type rule struct {
	name  string
	apply func(ctx context.Context, e *Engine, s state) (result Result, ok bool, err error)
}

var (
	// serverNameRules are evaluated, in order, for the server name we were asked about
	serverNameRules = []rule{
		{name: "ip-literal", apply: ipLiteral},
		{name: "invalid-domain", apply: invalidDomain},
		{name: "explicit-port", apply: explicitPort},
		{name: "well-known", apply: wellKnown},
		{name: "srv", apply: srv},
	}
	// delegatedRules are evaluated for the m.server of a well-known document.
	// There is no well-known rule: we never follow a second delegation.
	// A delegated hostname that's neither an IP nor a valid domain matches no
	// rule and the delegation is ignored.
	delegatedRules = []rule{
		{name: "delegated-ip-literal", apply: ipLiteral},
		{name: "delegated-explicit-port", apply: validDomainOnly(explicitPort)},
		{name: "delegated-srv", apply: validDomainOnly(srv)},
	}
)

// ipLiteral: use the IP together with the given port, or 8448. The Host
// header is the server name, port included if it had one.
func ipLiteral(_ context.Context, _ *Engine, s state) (Result, bool, error) {
	if _, err := netip.ParseAddr(s.authority.Hostname); err != nil {
		return Result{}, false, nil
	}
	return Result{
		HomeserverURL: "https://" + s.authority.Hostname + ":" + s.authority.Port,
		ServerName:    s.serverName,
	}, true, nil
}

func invalidDomain(_ context.Context, _ *Engine, s state) (Result, bool, error) {
	if IsValidDomain(s.authority.Hostname) {
		return Result{}, false, nil
	}
	return Result{}, false, &InvalidDomainError{Hostname: s.authority.Hostname}
}

// explicitPort: the server name is the target as-is; the HTTP client
// resolves its AAAA/A records when it connects.
func explicitPort(_ context.Context, _ *Engine, s state) (Result, bool, error) {
	if s.authority.DefaultPort {
		return Result{}, false, nil
	}
	return Result{
		HomeserverURL: "https://" + s.serverName,
		ServerName:    s.serverName,
	}, true, nil
}

// wellKnown asks the domain whether it delegates to another server. Any
// failure to find out means "no delegation"; a delegation with a malformed
// port or to a blacklisted host is an error.
func wellKnown(ctx context.Context, e *Engine, s state) (Result, bool, error) {
	wk := e.LookupWellKnown(ctx, s.authority.Hostname)
	switch wk.Outcome {
	case WellKnownFailed:
		e.logger.Debug("discovery: well-known lookup failed, trying SRV", "hostname", s.authority.Hostname, "err", wk.Err)
		return Result{}, false, nil
	case WellKnownNotFound:
		return Result{}, false, nil
	}

	delegated, err := e.gate(ctx, wk.Server)
	if err != nil {
		return Result{}, false, err
	}
	delegated.delegated = true
	return e.evaluate(ctx, delegatedRules, delegated)
}

// srv looks up _matrix._tcp.<hostname>. The first record wins, whatever its
// priority and weight; without a record we fall back to <hostname>:8448.
// A record with port 0 means 8448 for the original name only; a delegated
// name's record port is used as-is.
func srv(ctx context.Context, e *Engine, s state) (Result, bool, error) {
	hostname := s.authority.Hostname
	records, err := e.srv.LookupSRV(ctx, "matrix", "tcp", hostname)
	if err != nil {
		return Result{}, false, fmt.Errorf("discovery: SRV lookup for %s: %w", hostname, err)
	}
	if len(records) > 0 {
		port := DefaultPort
		if records[0].Port != 0 || s.delegated {
			port = strconv.Itoa(int(records[0].Port))
		}
		return Result{
			HomeserverURL: "https://" + records[0].Target + ":" + port,
			ServerName:    hostname,
		}, true, nil
	}
	return Result{
		HomeserverURL: "https://" + hostname + ":" + DefaultPort,
		ServerName:    hostname,
	}, true, nil
}

func validDomainOnly(apply func(context.Context, *Engine, state) (Result, bool, error)) func(context.Context, *Engine, state) (Result, bool, error) {
	return func(ctx context.Context, e *Engine, s state) (Result, bool, error) {
		if !IsValidDomain(s.authority.Hostname) {
			return Result{}, false, nil
		}
		return apply(ctx, e, s)
	}
}
