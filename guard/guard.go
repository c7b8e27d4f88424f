// Package guard is a hardened HTTP GET for talking to servers named by
// untrusted parties: every hop of a redirect chain is checked against the
// IP range blacklist before we connect to it.
package guard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"uvs/blacklist"
)

const (
	// DefaultTimeout is the budget of a single hop, not of the whole chain
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRedirects is the number of redirects we'll follow
	DefaultMaxRedirects = 4
	// MaxBodySize caps how much of a response body we read
	MaxBodySize = 1 << 20
)

// Checker decides whether a host may be contacted
type Checker interface {
	Check(ctx context.Context, host string) error
	Allowed(addr netip.Addr) bool
}

// TooManyRedirectsError is returned once a chain wants more than MaxRedirects hops
type TooManyRedirectsError struct {
	URL       string
	Redirects int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("maximum amount of redirects (%d) reached", e.Redirects)
}

// StatusError is returned for a final status outside [200,400)
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// Response is a fully-read response; Body holds at most MaxBodySize bytes
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL, after redirects
	URL string
}

// Options configure a Client. Zero values mean the defaults.
type Options struct {
	Checker      Checker
	Timeout      time.Duration
	MaxRedirects int
	// TLSConfig is cloned for every request; ServerName is overwritten
	TLSConfig *tls.Config
	// DialContext replaces the default (blacklist-enforcing) dialer. Tests
	// use it to steer connections to a local server.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger      *slog.Logger
}

// Client performs guarded GETs. It holds no connections between calls.
type Client struct {
	checker      Checker
	timeout      time.Duration
	maxRedirects int
	tlsConfig    *tls.Config
	dialContext  func(ctx context.Context, network, addr string) (net.Conn, error)
	logger       *slog.Logger
}

// NewClient follows convention for constructors: https://go.dev/doc/effective_go#allocation_new
func NewClient(opts Options) *Client {
	c := &Client{
		checker:      opts.Checker,
		timeout:      opts.Timeout,
		maxRedirects: opts.MaxRedirects,
		tlsConfig:    opts.TLSConfig,
		dialContext:  opts.DialContext,
		logger:       opts.Logger,
	}
	if c.checker == nil {
		c.checker = &blacklist.HostChecker{Blacklist: blacklist.Default()}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = DefaultMaxRedirects
	}
	if c.tlsConfig == nil {
		c.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.dialContext == nil {
		dialer := &net.Dialer{
			Timeout: c.timeout,
			Control: c.control,
		}
		c.dialContext = dialer.DialContext
	}
	return c
}

// Get fetches rawURL, following up to MaxRedirects redirects itself so that
// every hop goes through the blacklist. header is sent on every hop; a "Host"
// entry becomes the request's Host and the TLS server name.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	for redirects := 0; ; redirects++ {
		resp, err := c.hop(ctx, rawURL, header)
		if err != nil {
			metricFetchesTotal.WithLabelValues(resultOf(err)).Inc()
			return nil, err
		}
		if resp.StatusCode < 300 {
			metricFetchesTotal.WithLabelValues("success").Inc()
			return resp, nil
		}
		if redirects >= c.maxRedirects {
			metricFetchesTotal.WithLabelValues("too_many_redirects").Inc()
			return nil, &TooManyRedirectsError{URL: rawURL, Redirects: c.maxRedirects}
		}
		next, err := location(rawURL, resp.Header.Get("Location"))
		if err != nil {
			metricFetchesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		c.logger.Debug("guard: following redirect", "from", rawURL, "to", next, "status", resp.StatusCode)
		rawURL = next
	}
}

func (c *Client) hop(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("guard: invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("guard: unsupported scheme %q", u.Scheme)
	}
	if err = c.checker.Check(ctx, u.Hostname()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = append([]string{}, values...)
	}
	tlsConfig := c.tlsConfig.Clone()
	tlsConfig.ServerName = u.Hostname()
	if host := header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
		tlsConfig.ServerName = hostname(host)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         c.dialContext,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: c.timeout,
			DisableKeepAlives:   true,
			ForceAttemptHTTP2:   true,
		},
		// we follow redirects ourselves, after checking the blacklist
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guard: GET %s: %w", u.Redacted(), err)
	}
	//noinspection GoUnhandledErrorResult
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("guard: reading body of %s: %w", u.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        u.String(),
	}, nil
}

// control runs after DNS resolution, right before connect(2): the last
// chance to refuse an address the pre-flight check didn't see.
func (c *Client) control(_, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return err
	}
	if !c.checker.Allowed(addrPort.Addr().Unmap()) || !c.checker.Allowed(addrPort.Addr()) {
		return &blacklist.BlacklistedHostError{Host: address, Reason: "dialed address is in a blacklisted IP range"}
	}
	return nil
}

func location(current, loc string) (string, error) {
	if loc == "" {
		return "", errors.New("guard: redirect without a Location header")
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	next, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("guard: invalid Location header: %w", err)
	}
	return base.ResolveReference(next).String(), nil
}

// hostname strips the port of a "host[:port]" virtual host
func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func resultOf(err error) string {
	var blErr *blacklist.BlacklistedHostError
	var statusErr *StatusError
	switch {
	case errors.As(err, &blErr):
		return "blacklisted"
	case errors.As(err, &statusErr):
		return "status"
	default:
		return "error"
	}
}
