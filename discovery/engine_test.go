package discovery_test

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"uvs/blacklist"
	"uvs/discovery"
	"uvs/guard"
	"uvs/resolver"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeChecker refuses the hosts it's told to; everything else is fine
type fakeChecker struct {
	blocked map[string]bool
	checked []string
}

func (c *fakeChecker) Check(_ context.Context, host string) error {
	c.checked = append(c.checked, host)
	if c.blocked[host] {
		return &blacklist.BlacklistedHostError{Host: host, Reason: "host resolves to a blacklisted IP range"}
	}
	return nil
}

// fakeFetcher serves well-known documents by URL; unknown URLs are 404s
type fakeFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	errs      map[string]error
	requested []string
}

func (f *fakeFetcher) Get(_ context.Context, url string, _ http.Header) (*guard.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, &guard.StatusError{StatusCode: http.StatusNotFound}
	}
	return &guard.Response{StatusCode: http.StatusOK, Body: []byte(body), URL: url}, nil
}

// fakeSRV answers _matrix._tcp lookups by hostname
type fakeSRV struct {
	records map[string][]resolver.SRV
	errs    map[string]error
	lookups []string
}

func (s *fakeSRV) LookupSRV(_ context.Context, service, proto, name string) ([]resolver.SRV, error) {
	s.lookups = append(s.lookups, "_"+service+"._"+proto+"."+name)
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	return s.records[name], nil
}

func wellKnownURL(hostname string) string {
	return "https://" + hostname + "/.well-known/matrix/server"
}

var _ = Describe("Engine", func() {
	var (
		checker *fakeChecker
		fetcher *fakeFetcher
		srv     *fakeSRV
		engine  *discovery.Engine
		ctx     = context.Background()
	)

	BeforeEach(func() {
		checker = &fakeChecker{blocked: map[string]bool{}}
		fetcher = &fakeFetcher{bodies: map[string]string{}, errs: map[string]error{}}
		srv = &fakeSRV{records: map[string][]resolver.SRV{}, errs: map[string]error{}}
		engine = discovery.NewEngine(discovery.Options{Checker: checker, Fetcher: fetcher, SRV: srv})
	})

	Describe("Discover()", func() {
		When("the server name is an IP literal", func() {
			It("uses the IP and the default port", func() {
				result, err := engine.Discover(ctx, "1.2.3.4")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://1.2.3.4:8448",
					ServerName:    "1.2.3.4",
					Rule:          "ip-literal",
				}))
			})
			It("keeps an explicit port in both the URL and the Host", func() {
				result, err := engine.Discover(ctx, "1.2.3.4:1234")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://1.2.3.4:1234"))
				Expect(result.ServerName).To(Equal("1.2.3.4:1234"))
			})
			It("neither fetches nor looks up anything", func() {
				_, err := engine.Discover(ctx, "1.2.3.4")
				Expect(err).ToNot(HaveOccurred())
				Expect(fetcher.requested).To(BeEmpty())
				Expect(srv.lookups).To(BeEmpty())
			})
		})

		When("the port is malformed", func() {
			It("fails before checking the blacklist", func() {
				_, err := engine.Discover(ctx, "matrix.org:")
				var malformed *discovery.MalformedPortError
				Expect(errors.As(err, &malformed)).To(BeTrue())
				Expect(checker.checked).To(BeEmpty())
			})
		})

		When("the hostname is blacklisted", func() {
			It("refuses it without any network traffic", func() {
				checker.blocked["internal.example"] = true
				_, err := engine.Discover(ctx, "internal.example")
				var blErr *blacklist.BlacklistedHostError
				Expect(errors.As(err, &blErr)).To(BeTrue())
				Expect(blErr.Host).To(Equal("internal.example"))
				Expect(fetcher.requested).To(BeEmpty())
				Expect(srv.lookups).To(BeEmpty())
			})
			It("refuses a blacklisted IP literal too", func() {
				checker.blocked["10.0.0.1"] = true
				_, err := engine.Discover(ctx, "10.0.0.1:8448")
				Expect(err).To(BeAssignableToTypeOf(&blacklist.BlacklistedHostError{}))
			})
		})

		DescribeTable("hostnames that are neither IPs nor domains",
			func(serverName string) {
				_, err := engine.Discover(ctx, serverName)
				var invalid *discovery.InvalidDomainError
				Expect(errors.As(err, &invalid)).To(BeTrue())
				Expect(fetcher.requested).To(BeEmpty())
			},
			Entry("no dot", "matrix"),
			Entry("a space", "matrix org"),
			Entry("a number", "42"),
			Entry("no dot, with a port", "matrix:8448"),
		)

		When("there's an explicit port", func() {
			It("uses the server name as-is without delegation", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example:9999"}`
				result, err := engine.Discover(ctx, "matrix.org:1234")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://matrix.org:1234",
					ServerName:    "matrix.org:1234",
					Rule:          "explicit-port",
				}))
				Expect(fetcher.requested).To(BeEmpty())
				Expect(srv.lookups).To(BeEmpty())
			})
		})

		When("there's no well-known document", func() {
			It("falls back to the default port without an SRV record", func() {
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://matrix.org:8448",
					ServerName:    "matrix.org",
					Rule:          "srv",
				}))
				Expect(fetcher.requested).To(Equal([]string{wellKnownURL("matrix.org")}))
				Expect(srv.lookups).To(Equal([]string{"_matrix._tcp.matrix.org"}))
			})
			It("uses the first SRV record, keeping the server name as Host", func() {
				srv.records["matrix.org"] = []resolver.SRV{
					{Target: "fed1.matrix.org", Port: 443, Priority: 10, Weight: 5},
					{Target: "fed2.matrix.org", Port: 8443, Priority: 0, Weight: 5},
				}
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://fed1.matrix.org:443"))
				Expect(result.ServerName).To(Equal("matrix.org"))
			})
			It("uses the default port for an SRV record with port 0", func() {
				srv.records["matrix.org"] = []resolver.SRV{{Target: "fed.matrix.org", Port: 0}}
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://fed.matrix.org:8448"))
			})
			It("fails when the SRV lookup fails", func() {
				lookupErr := &resolver.LookupError{Name: "_matrix._tcp.matrix.org.", Qtype: "SRV", Err: errors.New("SERVFAIL")}
				srv.errs["matrix.org"] = lookupErr
				_, err := engine.Discover(ctx, "matrix.org")
				Expect(err).To(MatchError(ContainSubstring("SRV lookup for matrix.org")))
				Expect(errors.Is(err, lookupErr)).To(BeTrue())
			})
		})

		DescribeTable("well-known documents that don't delegate",
			func(body string) {
				fetcher.bodies[wellKnownURL("matrix.org")] = body
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://matrix.org:8448"))
				Expect(result.ServerName).To(Equal("matrix.org"))
				Expect(result.Rule).To(Equal("srv"))
			},
			Entry("not JSON", `<html>hello</html>`),
			Entry("no m.server", `{"m.homeserver":"x"}`),
			Entry("empty m.server", `{"m.server":""}`),
			Entry("m.server is a number", `{"m.server":42}`),
			Entry("m.server isn't a domain", `{"m.server":"not a domain"}`),
		)

		It("falls through to SRV when the well-known fetch errors", func() {
			fetcher.errs[wellKnownURL("matrix.org")] = &guard.TooManyRedirectsError{URL: wellKnownURL("matrix.org"), Redirects: 4}
			result, err := engine.Discover(ctx, "matrix.org")
			Expect(err).ToNot(HaveOccurred())
			Expect(result.HomeserverURL).To(Equal("https://matrix.org:8448"))
		})

		When("the well-known document delegates", func() {
			It("uses a delegated explicit port as-is", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example:9999"}`
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://deleg.example:9999",
					ServerName:    "deleg.example:9999",
					Rule:          "delegated-explicit-port",
				}))
				Expect(srv.lookups).To(BeEmpty())
			})
			It("uses a delegated IP literal", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"5.6.7.8"}`
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://5.6.7.8:8448",
					ServerName:    "5.6.7.8",
					Rule:          "delegated-ip-literal",
				}))
			})
			It("looks up SRV for the delegated hostname", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example"}`
				srv.records["deleg.example"] = []resolver.SRV{{Target: "fed.deleg.example", Port: 8443}}
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result).To(Equal(discovery.Result{
					HomeserverURL: "https://fed.deleg.example:8443",
					ServerName:    "deleg.example",
					Rule:          "delegated-srv",
				}))
				Expect(srv.lookups).To(Equal([]string{"_matrix._tcp.deleg.example"}))
			})
			It("falls back to the delegated hostname on the default port", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example"}`
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://deleg.example:8448"))
				Expect(result.ServerName).To(Equal("deleg.example"))
			})
			It("keeps a delegated SRV record's port 0", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example"}`
				srv.records["deleg.example"] = []resolver.SRV{{Target: "fed.deleg.example", Port: 0}}
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://fed.deleg.example:0"))
				Expect(result.Rule).To(Equal("delegated-srv"))
			})
			DescribeTable("fails on a delegated port that's malformed",
				func(mServer string) {
					fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"` + mServer + `"}`
					_, err := engine.Discover(ctx, "matrix.org")
					var malformed *discovery.MalformedPortError
					Expect(errors.As(err, &malformed)).To(BeTrue())
					Expect(malformed.ServerName).To(Equal(mServer))
					Expect(srv.lookups).To(BeEmpty())
					Expect(checker.checked).To(Equal([]string{"matrix.org"}))
				},
				Entry("empty port", "deleg.example:"),
				Entry("not a number", "deleg.example:https"),
				Entry("too big", "deleg.example:99999"),
			)
			It("never follows a second delegation", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example"}`
				fetcher.bodies[wellKnownURL("deleg.example")] = `{"m.server":"other.example:1234"}`
				result, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(result.HomeserverURL).To(Equal("https://deleg.example:8448"))
				Expect(fetcher.requested).To(Equal([]string{wellKnownURL("matrix.org")}))
			})
			It("refuses a delegation into the blacklist", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"internal.example:8448"}`
				checker.blocked["internal.example"] = true
				_, err := engine.Discover(ctx, "matrix.org")
				var blErr *blacklist.BlacklistedHostError
				Expect(errors.As(err, &blErr)).To(BeTrue())
				Expect(blErr.Host).To(Equal("internal.example"))
				Expect(srv.lookups).To(BeEmpty())
			})
			It("checks both the original and the delegated hostname", func() {
				fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example:9999"}`
				_, err := engine.Discover(ctx, "matrix.org")
				Expect(err).ToNot(HaveOccurred())
				Expect(checker.checked).To(Equal([]string{"matrix.org", "deleg.example"}))
			})
		})

		It("gives the same answer every time", func() {
			fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example:9999"}`
			first, err := engine.Discover(ctx, "matrix.org")
			Expect(err).ToNot(HaveOccurred())
			second, err := engine.Discover(ctx, "matrix.org")
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(first))
			Expect(fetcher.requested).To(HaveLen(2))
		})
	})

	Describe("LookupWellKnown()", func() {
		It("finds m.server", func() {
			fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":"deleg.example:9999"}`
			result := engine.LookupWellKnown(ctx, "matrix.org")
			Expect(result.Outcome).To(Equal(discovery.WellKnownFound))
			Expect(result.Server).To(Equal("deleg.example:9999"))
			Expect(result.Err).ToNot(HaveOccurred())
		})
		It("treats 404 as no delegation", func() {
			result := engine.LookupWellKnown(ctx, "matrix.org")
			Expect(result.Outcome).To(Equal(discovery.WellKnownNotFound))
			Expect(result.Err).ToNot(HaveOccurred())
		})
		It("treats 410 as no delegation", func() {
			fetcher.errs[wellKnownURL("matrix.org")] = &guard.StatusError{StatusCode: http.StatusGone}
			Expect(engine.LookupWellKnown(ctx, "matrix.org").Outcome).To(Equal(discovery.WellKnownNotFound))
		})
		It("reports a 500 as a failure", func() {
			fetcher.errs[wellKnownURL("matrix.org")] = &guard.StatusError{StatusCode: http.StatusInternalServerError}
			result := engine.LookupWellKnown(ctx, "matrix.org")
			Expect(result.Outcome).To(Equal(discovery.WellKnownFailed))
			Expect(result.Err).To(BeAssignableToTypeOf(&guard.StatusError{}))
		})
		It("reports a body that isn't JSON as a failure", func() {
			fetcher.bodies[wellKnownURL("matrix.org")] = `{"m.server":`
			result := engine.LookupWellKnown(ctx, "matrix.org")
			Expect(result.Outcome).To(Equal(discovery.WellKnownFailed))
			Expect(result.Err).To(MatchError(ContainSubstring("not valid JSON")))
		})
		It("has printable outcomes", func() {
			Expect(discovery.WellKnownFound.String()).To(Equal("found"))
			Expect(discovery.WellKnownNotFound.String()).To(Equal("not_found"))
			Expect(discovery.WellKnownFailed.String()).To(Equal("failed"))
		})
	})
})
