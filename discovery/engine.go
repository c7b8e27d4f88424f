// Package discovery turns a Matrix server name into the URL to send
// federation requests to and the Host header to send them with, following
// the server-server API's "resolving server names" rules. Every hostname an
// untrusted party gets us to look at is checked against the IP blacklist
// first.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"uvs/blacklist"
	"uvs/guard"
	"uvs/resolver"
)

// Result is where to send federation requests for a server name
type Result struct {
	// HomeserverURL is an https:// origin, without a path
	HomeserverURL string
	// ServerName is the value of the Host header; it differs from the
	// host of HomeserverURL after delegation or SRV lookups
	ServerName string
	// Rule names the discovery rule that produced the result
	Rule string
}

// HostChecker refuses hosts resolving into blacklisted ranges
type HostChecker interface {
	Check(ctx context.Context, host string) error
}

// Fetcher is the guarded GET used for the well-known lookup
type Fetcher interface {
	Get(ctx context.Context, url string, header http.Header) (*guard.Response, error)
}

// SRVResolver looks up SRV records
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) ([]resolver.SRV, error)
}

// Options configure an Engine; Checker, Fetcher and SRV are required
type Options struct {
	Checker HostChecker
	Fetcher Fetcher
	SRV     SRVResolver
	Logger  *slog.Logger
}

// Engine is safe for concurrent use; it caches nothing.
type Engine struct {
	checker HostChecker
	fetcher Fetcher
	srv     SRVResolver
	logger  *slog.Logger
}

// NewEngine follows convention for constructors: https://go.dev/doc/effective_go#allocation_new
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checker: opts.Checker,
		fetcher: opts.Fetcher,
		srv:     opts.SRV,
		logger:  logger,
	}
}

// Discover resolves serverName. The errors worth telling apart are
// *MalformedPortError, *InvalidDomainError and *blacklist.BlacklistedHostError;
// anything else is a failed SRV lookup.
func (e *Engine) Discover(ctx context.Context, serverName string) (Result, error) {
	result, err := e.discover(ctx, serverName)
	if err != nil {
		metricFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		e.logger.Debug("discovery: failed", "server_name", serverName, "err", err)
		return Result{}, err
	}
	metricResultsTotal.WithLabelValues(result.Rule).Inc()
	e.logger.Debug("discovery: resolved", "server_name", serverName, "rule", result.Rule,
		"homeserver_url", result.HomeserverURL, "host", result.ServerName)
	return result, nil
}

func (e *Engine) discover(ctx context.Context, serverName string) (Result, error) {
	s, err := e.gate(ctx, serverName)
	if err != nil {
		return Result{}, err
	}
	result, ok, err := e.evaluate(ctx, serverNameRules, s)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// the last of serverNameRules always applies
		return Result{}, errors.New("discovery: no rule applied")
	}
	return result, nil
}

// gate parses a server name and refuses it if its hostname is blacklisted.
// It's applied to the original server name and again to a delegated one.
func (e *Engine) gate(ctx context.Context, serverName string) (state, error) {
	authority, err := ParseServerName(serverName)
	if err != nil {
		return state{}, err
	}
	if err = e.checker.Check(ctx, authority.Hostname); err != nil {
		return state{}, err
	}
	return state{serverName: serverName, authority: authority}, nil
}

// evaluate runs the rules in order; the first one that applies wins
func (e *Engine) evaluate(ctx context.Context, rules []rule, s state) (Result, bool, error) {
	for _, r := range rules {
		result, ok, err := r.apply(ctx, e, s)
		if err != nil {
			return Result{}, false, err
		}
		if ok {
			if result.Rule == "" { // a delegated rule already named itself
				result.Rule = r.name
			}
			return result, true, nil
		}
	}
	return Result{}, false, nil
}

func failureReason(err error) string {
	var malformed *MalformedPortError
	var invalid *InvalidDomainError
	var blacklisted *blacklist.BlacklistedHostError
	switch {
	case errors.As(err, &malformed):
		return "malformed_port"
	case errors.As(err, &invalid):
		return "invalid_domain"
	case errors.As(err, &blacklisted):
		return "blacklisted"
	default:
		return "error"
	}
}
