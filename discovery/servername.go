package discovery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is the federation port used when a server name doesn't have one
const DefaultPort = "8448"

// one or more labels followed by a top-level label of at least two characters
var domainRE = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,197}[a-z0-9])?\.)+[a-z0-9][a-z0-9-]{0,28}[a-z0-9]$`)

// Authority is a server name split into its parts
type Authority struct {
	Hostname string
	Port     string
	// DefaultPort is true iff the server name had no ":port" suffix
	DefaultPort bool
}

// MalformedPortError is returned for "host:", "host:notaport" and ports
// above 65535
type MalformedPortError struct {
	ServerName string
}

func (e *MalformedPortError) Error() string {
	return fmt.Sprintf("malformed port in server name %q", e.ServerName)
}

// InvalidDomainError is returned when a hostname is neither an IP literal nor
// a syntactically valid domain
type InvalidDomainError struct {
	Hostname string
}

func (e *InvalidDomainError) Error() string {
	return fmt.Sprintf("%q is not an IP and not a domain, cannot continue discovery", e.Hostname)
}

// ParseServerName splits serverName on its LAST colon. Bracketed IPv6
// literals ("[::1]:8448") are not special-cased, and a bare IPv6 literal
// will be split in the wrong place. The port must fit in 16 bits, so
// "host:99999" is a *MalformedPortError too.
func ParseServerName(serverName string) (Authority, error) {
	i := strings.LastIndexByte(serverName, ':')
	if i < 0 {
		return Authority{Hostname: serverName, Port: DefaultPort, DefaultPort: true}, nil
	}
	port := serverName[i+1:]
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return Authority{}, &MalformedPortError{ServerName: serverName}
	}
	return Authority{Hostname: serverName[:i], Port: port}, nil
}

// IsValidDomain checks the syntax of a (lower-case) domain name. IP literals
// are never valid domains.
func IsValidDomain(hostname string) bool {
	return domainRE.MatchString(hostname)
}
