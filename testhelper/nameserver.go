package testhelper

import (
	"net"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/net/dns/dnsmessage"
)

// SRV is an SRV answer served by the Nameserver
type SRV struct {
	Target string
	Port   uint16
}

// Nameserver is a tiny authoritative DNS server listening on a random UDP
// port on the loopback interface. Tests point the resolver at Addr() and
// populate the records they need. Names are matched case-insensitively and
// without the trailing dot. Names it knows nothing about get NXDOMAIN;
// names listed in ServFail get SERVFAIL.
type Nameserver struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	a        map[string][]netip.Addr
	aaaa     map[string][]netip.Addr
	srv      map[string][]SRV
	servFail map[string]bool
	queries  []string
}

// NewNameserver starts the server; call Close() when done
func NewNameserver() (*Nameserver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	ns := &Nameserver{
		conn:     conn,
		a:        map[string][]netip.Addr{},
		aaaa:     map[string][]netip.Addr{},
		srv:      map[string][]SRV{},
		servFail: map[string]bool{},
	}
	go ns.readFromUDP()
	return ns, nil
}

// Addr is the "host:port" to query
func (ns *Nameserver) Addr() string {
	return ns.conn.LocalAddr().String()
}

// Close stops the server
func (ns *Nameserver) Close() error {
	return ns.conn.Close()
}

// AddAddr adds an A or AAAA record, depending on the address family
func (ns *Nameserver) AddAddr(name string, addr string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ip := netip.MustParseAddr(addr)
	name = canonical(name)
	if ip.Is4() {
		ns.a[name] = append(ns.a[name], ip)
	} else {
		ns.aaaa[name] = append(ns.aaaa[name], ip)
	}
}

// AddSRV adds an SRV record, e.g. AddSRV("_matrix._tcp.example.com", "matrix.example.com", 443)
func (ns *Nameserver) AddSRV(name string, target string, port uint16) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	name = canonical(name)
	ns.srv[name] = append(ns.srv[name], SRV{Target: target, Port: port})
}

// ServFail makes every query for name return SERVFAIL
func (ns *Nameserver) ServFail(name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.servFail[canonical(name)] = true
}

// Queries returns the log of queries answered so far, e.g. "TypeAAAA matrix.org."
func (ns *Nameserver) Queries() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]string{}, ns.queries...)
}

func (ns *Nameserver) readFromUDP() {
	for {
		query := make([]byte, 512)
		n, addr, err := ns.conn.ReadFromUDP(query)
		if err != nil {
			return // closed
		}
		response, err := ns.QueryResponse(query[:n])
		if err != nil {
			continue
		}
		_, _ = ns.conn.WriteToUDP(response, addr)
	}
}

// QueryResponse takes in a raw (packed) DNS query and returns a raw (packed)
// DNS response. We only answer the first question; de facto there's one and
// only one question.
func (ns *Nameserver) QueryResponse(queryBytes []byte) ([]byte, error) {
	var p dnsmessage.Parser
	queryHeader, err := p.Start(queryBytes)
	if err != nil {
		return nil, err
	}
	q, err := p.Question()
	if err != nil {
		return nil, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.queries = append(ns.queries, q.Type.String()+" "+q.Name.String())

	name := canonical(q.Name.String())
	header := dnsmessage.Header{
		ID:                 queryHeader.ID,
		Response:           true,
		Authoritative:      true,
		RecursionDesired:   queryHeader.RecursionDesired,
		RecursionAvailable: true,
	}
	known := len(ns.a[name]) > 0 || len(ns.aaaa[name]) > 0 || len(ns.srv[name]) > 0
	switch {
	case ns.servFail[name]:
		header.RCode = dnsmessage.RCodeServerFailure
	case !known:
		header.RCode = dnsmessage.RCodeNameError
	}

	b := dnsmessage.NewBuilder(nil, header)
	b.EnableCompression()
	if err = b.StartQuestions(); err != nil {
		return nil, err
	}
	if err = b.Question(q); err != nil {
		return nil, err
	}
	if err = b.StartAnswers(); err != nil {
		return nil, err
	}
	if header.RCode == dnsmessage.RCodeSuccess {
		if err = ns.answers(&b, q, name); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

func (ns *Nameserver) answers(b *dnsmessage.Builder, q dnsmessage.Question, name string) (err error) {
	rh := dnsmessage.ResourceHeader{
		Name:  q.Name,
		Type:  q.Type,
		Class: dnsmessage.ClassINET,
		TTL:   60,
	}
	switch q.Type {
	case dnsmessage.TypeA:
		for _, ip := range ns.a[name] {
			if err = b.AResource(rh, dnsmessage.AResource{A: ip.As4()}); err != nil {
				return err
			}
		}
	case dnsmessage.TypeAAAA:
		for _, ip := range ns.aaaa[name] {
			if err = b.AAAAResource(rh, dnsmessage.AAAAResource{AAAA: ip.As16()}); err != nil {
				return err
			}
		}
	case dnsmessage.TypeSRV:
		for _, srv := range ns.srv[name] {
			target := srv.Target
			// all targets must be absolute (end in ".")
			if !strings.HasSuffix(target, ".") {
				target += "."
			}
			err = b.SRVResource(rh, dnsmessage.SRVResource{
				Priority: 10,
				Weight:   5,
				Port:     srv.Port,
				Target:   dnsmessage.MustNewName(target),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func canonical(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
