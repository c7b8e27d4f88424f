// Package verify asks homeservers whether an OpenID token is genuine, and
// asks our own homeserver's admin API about room membership and power
// levels. Every failure is a plain "not verified"; the details only ever
// reach the debug log.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"uvs/discovery"
	"uvs/guard"
)

// Fetcher is a GET returning the body of a 2xx response
type Fetcher interface {
	Get(ctx context.Context, url string, header http.Header) (*guard.Response, error)
}

// Discoverer finds the homeserver of a server name
type Discoverer interface {
	Discover(ctx context.Context, serverName string) (discovery.Result, error)
}

// PowerLevels is what we report about a user in a room: the room's whole
// m.room.power_levels content and the user's own level
type PowerLevels struct {
	Room json.RawMessage `json:"room"`
	User int64           `json:"user"`
}

// Options configure a Verifier
type Options struct {
	// HomeserverURL is our homeserver: OpenID tokens are checked against it
	// unless VerifyAnyHomeserver is set, and the admin API is always called on it
	HomeserverURL string
	// AccessToken is an admin's access token on HomeserverURL
	AccessToken string
	// VerifyAnyHomeserver checks OpenID tokens against the homeserver of the
	// server name given with the request
	VerifyAnyHomeserver bool
	// Discoverer is required when VerifyAnyHomeserver is set
	Discoverer Discoverer
	// Federation fetches from homeservers found by discovery; it must be guarded
	Federation Fetcher
	// Homeserver fetches from HomeserverURL
	Homeserver Fetcher
	Logger     *slog.Logger
}

type Verifier struct {
	homeserverURL       string
	accessToken         string
	verifyAnyHomeserver bool
	discoverer          Discoverer
	federation          Fetcher
	homeserver          Fetcher
	logger              *slog.Logger
}

// NewVerifier follows convention for constructors: https://go.dev/doc/effective_go#allocation_new
func NewVerifier(opts Options) *Verifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		homeserverURL:       strings.TrimSuffix(opts.HomeserverURL, "/"),
		accessToken:         opts.AccessToken,
		verifyAnyHomeserver: opts.VerifyAnyHomeserver,
		discoverer:          opts.Discoverer,
		federation:          opts.Federation,
		homeserver:          opts.Homeserver,
		logger:              logger,
	}
}

// VerifyAnyHomeserver reports whether requests must name the server to verify against
func (v *Verifier) VerifyAnyHomeserver() bool {
	return v.verifyAnyHomeserver
}

// VerifyOpenIDToken returns the Matrix user ID an OpenID token was issued
// to. serverName is ignored unless the Verifier verifies against any
// homeserver, in which case the user must belong to serverName.
func (v *Verifier) VerifyOpenIDToken(ctx context.Context, serverName, token string) (string, bool) {
	userID, err := v.verifyOpenIDToken(ctx, serverName, token)
	if err != nil {
		metricVerificationsTotal.WithLabelValues("user", "failure").Inc()
		v.logger.Debug("verify: OpenID token check failed", "server_name", serverName, "err", err)
		return "", false
	}
	metricVerificationsTotal.WithLabelValues("user", "success").Inc()
	return userID, true
}

func (v *Verifier) verifyOpenIDToken(ctx context.Context, serverName, token string) (string, error) {
	path := "/_matrix/federation/v1/openid/userinfo?access_token=" + url.QueryEscape(token)
	var (
		resp *guard.Response
		err  error
	)
	if v.verifyAnyHomeserver {
		if serverName == "" {
			return "", errors.New("no server name given")
		}
		result, err := v.discoverer.Discover(ctx, serverName)
		if err != nil {
			return "", fmt.Errorf("discovering %s: %w", serverName, err)
		}
		resp, err = v.federation.Get(ctx, result.HomeserverURL+path, http.Header{"Host": {result.ServerName}})
		if err != nil {
			return "", err
		}
	} else {
		resp, err = v.homeserver.Get(ctx, v.homeserverURL+path, nil)
		if err != nil {
			return "", err
		}
	}

	sub := gjson.GetBytes(resp.Body, "sub")
	if sub.Type != gjson.String || sub.Str == "" {
		return "", errors.New("userinfo has no sub")
	}
	if v.verifyAnyHomeserver && UserServerName(sub.Str) != serverName {
		return "", fmt.Errorf("user %s doesn't belong to %s", sub.Str, serverName)
	}
	return sub.Str, nil
}

// VerifyRoomMembership asks the admin API whether userID is in roomID
func (v *Verifier) VerifyRoomMembership(ctx context.Context, userID, roomID string) bool {
	resp, err := v.admin(ctx, roomID, "members")
	if err != nil {
		metricVerificationsTotal.WithLabelValues("room_membership", "failure").Inc()
		v.logger.Debug("verify: fetching room members failed", "room_id", roomID, "err", err)
		return false
	}
	member := false
	gjson.GetBytes(resp.Body, "members").ForEach(func(_, m gjson.Result) bool {
		member = m.Type == gjson.String && m.Str == userID
		return !member
	})
	if member {
		metricVerificationsTotal.WithLabelValues("room_membership", "success").Inc()
	} else {
		metricVerificationsTotal.WithLabelValues("room_membership", "failure").Inc()
	}
	return member
}

// RoomPowerLevels finds the room's m.room.power_levels state event and the
// level of userID in it: their entry in "users", else "users_default", else 0.
func (v *Verifier) RoomPowerLevels(ctx context.Context, userID, roomID string) (*PowerLevels, bool) {
	resp, err := v.admin(ctx, roomID, "state")
	if err != nil {
		metricVerificationsTotal.WithLabelValues("power_levels", "failure").Inc()
		v.logger.Debug("verify: fetching room state failed", "room_id", roomID, "err", err)
		return nil, false
	}
	content := gjson.GetBytes(resp.Body, `state.#(type=="m.room.power_levels").content`)
	if !content.IsObject() {
		metricVerificationsTotal.WithLabelValues("power_levels", "failure").Inc()
		v.logger.Debug("verify: room has no power levels", "room_id", roomID)
		return nil, false
	}

	levels := &PowerLevels{Room: json.RawMessage(content.Raw)}
	found := false
	content.Get("users").ForEach(func(user, level gjson.Result) bool {
		if user.String() == userID {
			levels.User, found = level.Int(), true
		}
		return !found
	})
	if !found {
		levels.User = content.Get("users_default").Int() // 0 when missing
	}
	metricVerificationsTotal.WithLabelValues("power_levels", "success").Inc()
	return levels, true
}

func (v *Verifier) admin(ctx context.Context, roomID, resource string) (*guard.Response, error) {
	return v.homeserver.Get(ctx,
		v.homeserverURL+"/_synapse/admin/v1/rooms/"+url.PathEscape(roomID)+"/"+resource,
		http.Header{"Authorization": {"Bearer " + v.accessToken}})
}

// UserServerName is the server part of a user ID: "matrix.org" for
// "@alice:matrix.org". It's empty for something that isn't a user ID.
func UserServerName(userID string) string {
	if !strings.HasPrefix(userID, "@") {
		return ""
	}
	_, server, found := strings.Cut(userID, ":")
	if !found {
		return ""
	}
	return server
}
