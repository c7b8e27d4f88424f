package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"uvs/guard"
)

// WellKnownOutcome tells "the domain doesn't delegate" apart from "we
// couldn't find out"
type WellKnownOutcome int

const (
	WellKnownNotFound WellKnownOutcome = iota
	WellKnownFound
	WellKnownFailed
)

func (o WellKnownOutcome) String() string {
	switch o {
	case WellKnownFound:
		return "found"
	case WellKnownFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// WellKnownResult is the outcome of fetching /.well-known/matrix/server.
// Server is set iff Outcome is WellKnownFound; Err is set iff it's WellKnownFailed.
type WellKnownResult struct {
	Outcome WellKnownOutcome
	Server  string
	Err     error
}

// LookupWellKnown fetches https://<hostname>/.well-known/matrix/server
// through the guarded client. It never returns an error; failures are
// reported in the result.
func (e *Engine) LookupWellKnown(ctx context.Context, hostname string) WellKnownResult {
	result := e.lookupWellKnown(ctx, hostname)
	metricWellKnownTotal.WithLabelValues(result.Outcome.String()).Inc()
	return result
}

func (e *Engine) lookupWellKnown(ctx context.Context, hostname string) WellKnownResult {
	resp, err := e.fetcher.Get(ctx, "https://"+hostname+"/.well-known/matrix/server", nil)
	if err != nil {
		var statusErr *guard.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone) {
			return WellKnownResult{Outcome: WellKnownNotFound}
		}
		return WellKnownResult{Outcome: WellKnownFailed, Err: err}
	}
	if !gjson.ValidBytes(resp.Body) {
		return WellKnownResult{Outcome: WellKnownFailed, Err: errors.New("well-known: body is not valid JSON")}
	}
	server := gjson.GetBytes(resp.Body, `m\.server`)
	switch {
	case !server.Exists():
		return WellKnownResult{Outcome: WellKnownNotFound}
	case server.Type != gjson.String:
		return WellKnownResult{Outcome: WellKnownFailed, Err: fmt.Errorf("well-known: m.server is a %s, not a string", server.Type)}
	case server.Str == "":
		return WellKnownResult{Outcome: WellKnownNotFound}
	}
	return WellKnownResult{Outcome: WellKnownFound, Server: server.Str}
}
