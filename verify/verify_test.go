package verify_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"uvs/blacklist"
	"uvs/discovery"
	"uvs/guard"
	"uvs/verify"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const powerLevelsState = `{"state":[
	{"type":"m.room.create","state_key":"","content":{"creator":"@admin:example.com"}},
	{"type":"m.room.power_levels","state_key":"","content":{"users":{"@admin:example.com":100,"@mod:example.com":50},"users_default":5,"ban":50}}
]}`

type fakeDiscoverer struct {
	result discovery.Result
	err    error
	asked  []string
}

func (d *fakeDiscoverer) Discover(_ context.Context, serverName string) (discovery.Result, error) {
	d.asked = append(d.asked, serverName)
	return d.result, d.err
}

var _ = Describe("Verifier", func() {
	var (
		server     *httptest.Server
		mu         sync.Mutex
		requests   []*http.Request
		sub        string
		state      string
		discoverer *fakeDiscoverer
		client     *guard.Client
		ctx        = context.Background()
	)

	BeforeEach(func() {
		requests = nil
		sub = "@alice:example.com"
		state = powerLevelsState
		mux := http.NewServeMux()
		mux.HandleFunc("/_matrix/federation/v1/openid/userinfo", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("access_token") != "openid-token" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = fmt.Fprint(w, `{"errcode":"M_UNKNOWN_TOKEN"}`)
				return
			}
			_, _ = fmt.Fprintf(w, `{"sub":%q}`, sub)
		})
		mux.HandleFunc("/_synapse/admin/v1/rooms/{room}/members", func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("room") != "!room:example.com" {
				http.NotFound(w, r)
				return
			}
			_, _ = fmt.Fprint(w, `{"members":["@admin:example.com","@alice:example.com"],"total":2}`)
		})
		mux.HandleFunc("/_synapse/admin/v1/rooms/{room}/state", func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("room") != "!room:example.com" {
				http.NotFound(w, r)
				return
			}
			_, _ = fmt.Fprint(w, state)
		})
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			requests = append(requests, r)
			mu.Unlock()
			if r.Header.Get("Authorization") != "" && r.Header.Get("Authorization") != "Bearer admin-token" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			mux.ServeHTTP(w, r)
		}))
		discoverer = &fakeDiscoverer{result: discovery.Result{HomeserverURL: server.URL, ServerName: "example.com"}}
		client = guard.NewClient(guard.Options{Checker: &blacklist.HostChecker{Disabled: true}})
	})
	AfterEach(func() {
		server.Close()
	})

	newVerifier := func(verifyAny bool) *verify.Verifier {
		return verify.NewVerifier(verify.Options{
			HomeserverURL:       server.URL + "/",
			AccessToken:         "admin-token",
			VerifyAnyHomeserver: verifyAny,
			Discoverer:          discoverer,
			Federation:          client,
			Homeserver:          client,
		})
	}

	Describe("VerifyOpenIDToken()", func() {
		When("verifying against our own homeserver", func() {
			It("returns the user the token belongs to", func() {
				userID, ok := newVerifier(false).VerifyOpenIDToken(ctx, "", "openid-token")
				Expect(ok).To(BeTrue())
				Expect(userID).To(Equal("@alice:example.com"))
				Expect(discoverer.asked).To(BeEmpty())
				Expect(requests).To(HaveLen(1))
				Expect(requests[0].URL.Path).To(Equal("/_matrix/federation/v1/openid/userinfo"))
			})
			It("ignores the server name", func() {
				_, ok := newVerifier(false).VerifyOpenIDToken(ctx, "elsewhere.example", "openid-token")
				Expect(ok).To(BeTrue())
			})
			It("rejects a bad token", func() {
				userID, ok := newVerifier(false).VerifyOpenIDToken(ctx, "", "wrong")
				Expect(ok).To(BeFalse())
				Expect(userID).To(BeEmpty())
			})
			It("escapes the token", func() {
				_, ok := newVerifier(false).VerifyOpenIDToken(ctx, "", "openid-token&access_token=x")
				Expect(ok).To(BeFalse())
				Expect(requests[0].URL.Query()["access_token"]).To(Equal([]string{"openid-token&access_token=x"}))
			})
			It("rejects a userinfo without a sub", func() {
				sub = ""
				_, ok := newVerifier(false).VerifyOpenIDToken(ctx, "", "openid-token")
				Expect(ok).To(BeFalse())
			})
		})

		When("verifying against any homeserver", func() {
			It("discovers the homeserver and sends the discovered Host", func() {
				userID, ok := newVerifier(true).VerifyOpenIDToken(ctx, "example.com", "openid-token")
				Expect(ok).To(BeTrue())
				Expect(userID).To(Equal("@alice:example.com"))
				Expect(discoverer.asked).To(Equal([]string{"example.com"}))
				Expect(requests).To(HaveLen(1))
				Expect(requests[0].Host).To(Equal("example.com"))
			})
			It("rejects a user from another server", func() {
				sub = "@mallory:evil.example"
				_, ok := newVerifier(true).VerifyOpenIDToken(ctx, "example.com", "openid-token")
				Expect(ok).To(BeFalse())
			})
			It("fails without a server name", func() {
				_, ok := newVerifier(true).VerifyOpenIDToken(ctx, "", "openid-token")
				Expect(ok).To(BeFalse())
				Expect(discoverer.asked).To(BeEmpty())
			})
			It("fails when discovery fails, without calling anything", func() {
				discoverer.err = &blacklist.BlacklistedHostError{Host: "example.com", Reason: "host has no addresses"}
				_, ok := newVerifier(true).VerifyOpenIDToken(ctx, "example.com", "openid-token")
				Expect(ok).To(BeFalse())
				Expect(requests).To(BeEmpty())
			})
			It("fails when the guarded fetch is refused", func() {
				refusing := guard.NewClient(guard.Options{Checker: &blacklist.HostChecker{Blacklist: blacklist.Default()}})
				v := verify.NewVerifier(verify.Options{
					VerifyAnyHomeserver: true,
					Discoverer:          discoverer,
					Federation:          refusing,
					Homeserver:          client,
				})
				_, ok := v.VerifyOpenIDToken(ctx, "example.com", "openid-token")
				Expect(ok).To(BeFalse())
				Expect(requests).To(BeEmpty())
			})
		})
	})

	Describe("VerifyRoomMembership()", func() {
		It("finds a member", func() {
			Expect(newVerifier(false).VerifyRoomMembership(ctx, "@alice:example.com", "!room:example.com")).To(BeTrue())
			Expect(requests[0].Header.Get("Authorization")).To(Equal("Bearer admin-token"))
			Expect(requests[0].URL.Path).To(Equal("/_synapse/admin/v1/rooms/!room:example.com/members"))
		})
		It("doesn't find a non-member", func() {
			Expect(newVerifier(false).VerifyRoomMembership(ctx, "@bob:example.com", "!room:example.com")).To(BeFalse())
		})
		It("fails for an unknown room", func() {
			Expect(newVerifier(false).VerifyRoomMembership(ctx, "@alice:example.com", "!other:example.com")).To(BeFalse())
		})
		It("fails with the wrong access token", func() {
			v := verify.NewVerifier(verify.Options{HomeserverURL: server.URL, AccessToken: "nope", Homeserver: client})
			Expect(v.VerifyRoomMembership(ctx, "@alice:example.com", "!room:example.com")).To(BeFalse())
		})
	})

	Describe("RoomPowerLevels()", func() {
		It("returns the user's own level and the room's levels", func() {
			levels, ok := newVerifier(false).RoomPowerLevels(ctx, "@mod:example.com", "!room:example.com")
			Expect(ok).To(BeTrue())
			Expect(levels.User).To(BeEquivalentTo(50))
			Expect(string(levels.Room)).To(MatchJSON(`{"users":{"@admin:example.com":100,"@mod:example.com":50},"users_default":5,"ban":50}`))
		})
		It("falls back to users_default", func() {
			levels, ok := newVerifier(false).RoomPowerLevels(ctx, "@alice:example.com", "!room:example.com")
			Expect(ok).To(BeTrue())
			Expect(levels.User).To(BeEquivalentTo(5))
		})
		It("falls back to 0 without users_default", func() {
			state = `{"state":[{"type":"m.room.power_levels","state_key":"","content":{"users":{}}}]}`
			levels, ok := newVerifier(false).RoomPowerLevels(ctx, "@alice:example.com", "!room:example.com")
			Expect(ok).To(BeTrue())
			Expect(levels.User).To(BeZero())
		})
		It("fails for a room without power levels", func() {
			state = `{"state":[{"type":"m.room.create","state_key":"","content":{}}]}`
			_, ok := newVerifier(false).RoomPowerLevels(ctx, "@alice:example.com", "!room:example.com")
			Expect(ok).To(BeFalse())
		})
		It("fails for an unknown room", func() {
			_, ok := newVerifier(false).RoomPowerLevels(ctx, "@alice:example.com", "!other:example.com")
			Expect(ok).To(BeFalse())
		})
	})
})

var _ = DescribeTable("UserServerName()",
	func(userID, serverName string) {
		Expect(verify.UserServerName(userID)).To(Equal(serverName))
	},
	Entry("plain", "@alice:example.com", "example.com"),
	Entry("with a port", "@alice:example.com:8448", "example.com:8448"),
	Entry("IPv6 literal", "@alice:[::1]:8448", "[::1]:8448"),
	Entry("no sigil", "alice:example.com", ""),
	Entry("no server", "@alice", ""),
)
