// Package api is the HTTP interface: a health check, the two verification
// endpoints and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"uvs/verify"
)

// MaxRequestBodySize caps the JSON bodies we're willing to read
const MaxRequestBodySize = 64 << 10

// Verifier is what the verification endpoints need
type Verifier interface {
	VerifyAnyHomeserver() bool
	VerifyOpenIDToken(ctx context.Context, serverName, token string) (string, bool)
	VerifyRoomMembership(ctx context.Context, userID, roomID string) bool
	RoomPowerLevels(ctx context.Context, userID, roomID string) (*verify.PowerLevels, bool)
}

type Options struct {
	Verifier Verifier
	// AuthToken, when set, must be sent as "Authorization: Bearer <AuthToken>"
	// to the verification endpoints
	AuthToken string
	Logger    *slog.Logger
}

type service struct {
	verifier  Verifier
	authToken string
	logger    *slog.Logger
}

type userResults struct {
	User bool `json:"user"`
}

type userResponse struct {
	Results userResults `json:"results"`
	UserID  *string     `json:"user_id"`
}

type userInRoomResults struct {
	User           bool  `json:"user"`
	RoomMembership *bool `json:"room_membership"`
}

type userInRoomResponse struct {
	Results     userInRoomResults   `json:"results"`
	UserID      *string             `json:"user_id"`
	PowerLevels *verify.PowerLevels `json:"power_levels"`
}

// NewHandler follows convention for constructors: https://go.dev/doc/effective_go#allocation_new
func NewHandler(opts Options) http.Handler {
	s := &service{
		verifier:  opts.Verifier,
		authToken: opts.AuthToken,
		logger:    opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	router := httprouter.New()
	router.Handler(http.MethodGet, "/health", s.route("/health", s.getHealth))
	router.Handler(http.MethodPost, "/verify/user", s.route("/verify/user", s.authenticated(s.postVerifyUser)))
	router.Handler(http.MethodPost, "/verify/user_in_room", s.route("/verify/user_in_room", s.authenticated(s.postVerifyUserInRoom)))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

func (s *service) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, "👍")
}

func (s *service) postVerifyUser(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context())
	fields := []string{"token"}
	if s.verifier.VerifyAnyHomeserver() {
		fields = append(fields, "matrix_server_name")
	}
	body, ok := s.sanityCheck(w, r, fields)
	if !ok {
		logger.Info("Request sanity check failed.")
		return
	}

	userID, ok := s.verifier.VerifyOpenIDToken(r.Context(), body.Get("matrix_server_name").String(), body.Get("token").String())
	if !ok {
		sendJSON(w, userResponse{Results: userResults{User: false}})
		logger.Info("User token check failed.")
		return
	}
	sendJSON(w, userResponse{Results: userResults{User: true}, UserID: &userID})
	logger.Info("User token checks out, user verified.")
}

func (s *service) postVerifyUserInRoom(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context())
	fields := []string{"token", "room_id"}
	if s.verifier.VerifyAnyHomeserver() {
		fields = append(fields, "matrix_server_name")
	}
	body, ok := s.sanityCheck(w, r, fields)
	if !ok {
		logger.Info("Request sanity check failed.")
		return
	}
	ctx := r.Context()
	roomID := body.Get("room_id").String()

	userID, ok := s.verifier.VerifyOpenIDToken(ctx, body.Get("matrix_server_name").String(), body.Get("token").String())
	if !ok {
		sendJSON(w, userInRoomResponse{})
		logger.Info("User token check failed.")
		return
	}
	member := s.verifier.VerifyRoomMembership(ctx, userID, roomID)
	if !member {
		sendJSON(w, userInRoomResponse{
			Results: userInRoomResults{User: true, RoomMembership: &member},
			UserID:  &userID,
		})
		logger.Info("User verified but room membership check failed.")
		return
	}
	levels, ok := s.verifier.RoomPowerLevels(ctx, userID, roomID)
	if !ok {
		logger.Info("User and room membership verified, but failed to fetch power levels")
	} else {
		logger.Info("Token and room membership check out, user verified.")
	}
	sendJSON(w, userInRoomResponse{
		Results:     userInRoomResults{User: true, RoomMembership: &member},
		UserID:      &userID,
		PowerLevels: levels,
	})
}

// sanityCheck reads the JSON body and makes sure every one of fields is
// present and not empty. It writes the 400 itself.
func (s *service) sanityCheck(w http.ResponseWriter, r *http.Request, fields []string) (gjson.Result, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil || !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		http.Error(w, "Invalid request: no JSON content found in body.", http.StatusBadRequest)
		return gjson.Result{}, false
	}
	body := gjson.ParseBytes(raw)
	loggerFrom(r.Context()).Info(r.Method+" "+r.URL.Path, "body", redacted(body))
	for _, field := range fields {
		value := body.Get(field)
		if !value.Exists() || value.Type == gjson.Null || (value.Type == gjson.String && value.Str == "") {
			http.Error(w, "Invalid request: "+field+" not found or with empty value in the JSON payload.", http.StatusBadRequest)
			return gjson.Result{}, false
		}
	}
	return body, true
}

// authenticated enforces the bearer token, when there is one
func (s *service) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		logger := loggerFrom(r.Context())
		authorization := r.Header.Get("Authorization")
		if authorization == "" {
			logger.Warn("No authorization header found.")
			forbidden(w)
			return
		}
		scheme, token, _ := strings.Cut(authorization, " ")
		if scheme != "Bearer" || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			logger.Warn("Invalid Authorization header or wrong token.")
			forbidden(w)
			return
		}
		next(w, r)
	}
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = fmt.Fprint(w, "{}")
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.Marshal(jsonObject)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(bs)
}

// redacted is the request body as we log it: never with the token
func redacted(body gjson.Result) string {
	fields := map[string]json.RawMessage{}
	body.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = json.RawMessage(value.Raw)
		return true
	})
	if _, ok := fields["token"]; ok {
		fields["token"] = json.RawMessage(`"<redacted>"`)
	}
	bs, err := json.Marshal(fields)
	if err != nil {
		return "<unprintable>"
	}
	return string(bs)
}
