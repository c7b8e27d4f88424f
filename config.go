package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

type cli struct {
	ListenAddress             string   `help:"address the HTTP server should bind to" env:"UVS_LISTEN_ADDRESS" default:"127.0.0.1"`
	Port                      int      `help:"port the HTTP server should bind to" env:"UVS_PORT" default:"3000"`
	LogLevel                  string   `help:"one of debug, info, warn, error" env:"UVS_LOG_LEVEL" default:"info"`
	AuthToken                 string   `help:"if set, callers must send it as a bearer token" env:"UVS_AUTH_TOKEN"`
	HomeserverURL             string   `name:"homeserver-url" help:"our homeserver, e.g. https://matrix.example.com; the admin API is called on it" env:"UVS_HOMESERVER_URL"`
	AccessToken               string   `help:"access token of an admin user on the homeserver, for room checks" env:"UVS_ACCESS_TOKEN"`
	OpenIDVerifyAnyHomeserver bool     `name:"openid-verify-any-homeserver" help:"verify OpenID tokens against the homeserver of the server name in the request instead of ours" env:"UVS_OPENID_VERIFY_ANY_HOMESERVER"`
	DisableIPBlacklist        bool     `name:"disable-ip-blacklist" help:"allow discovery and fetches to reach private and reserved IP ranges. Don't" env:"UVS_DISABLE_IP_BLACKLIST"`
	BlacklistURL              string   `name:"blacklist-url" help:"URL of extra IP ranges to refuse, one per line, e.g. \"file:///etc/uvs/blacklist.txt\"" env:"UVS_BLACKLIST_URL"`
	Nameservers               []string `help:"comma-separated nameservers to query, \"host[:port]\"; the default is those in --resolv-conf" env:"UVS_NAMESERVERS" sep:","`
	ResolvConf                string   `help:"resolv.conf to read nameservers from when none are given" env:"UVS_RESOLV_CONF" default:"/etc/resolv.conf" type:"path"`
}

// validate reports every problem with the configuration at once
func (c *cli) validate() error {
	var result *multierror.Error
	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d is out of range", c.Port))
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	if c.HomeserverURL == "" {
		result = multierror.Append(result, fmt.Errorf("UVS_HOMESERVER_URL is required"))
	} else if u, err := url.Parse(c.HomeserverURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("UVS_HOMESERVER_URL %q isn't an http(s) URL", c.HomeserverURL))
	}
	if c.BlacklistURL != "" {
		if u, err := url.Parse(c.BlacklistURL); err != nil || (u.Scheme != "file" && u.Scheme != "http" && u.Scheme != "https") {
			result = multierror.Append(result, fmt.Errorf("UVS_BLACKLIST_URL %q isn't a file:// or http(s) URL", c.BlacklistURL))
		}
	}
	return result.ErrorOrNil()
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return l, fmt.Errorf("log level %q: %w", level, err)
	}
	return l, nil
}

// newLogger logs to stderr; colors only when it's a terminal
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}
