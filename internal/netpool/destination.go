package netpool

import (
	"strconv"
	"strings"
)

type Proxy struct {
	Scheme string
	Host   string
	Port   int
	User   string
	// Tunnel proxies take a CONNECT, others get absolute-form requests.
	Tunnel bool
}

func (p *Proxy) matches(o *Proxy) bool {
	return p.Scheme == o.Scheme && strings.EqualFold(p.Host, o.Host) && p.Port == o.Port && p.User == o.User
}

// Destination is everything that makes two connections interchangeable.
type Destination struct {
	Scheme string
	Family string // protocol family, "http" for both http and https
	Host   string
	Port   int
	TLS    bool

	Proxy *Proxy // nil when connecting directly

	// connect-to override, the socket goes here instead of Host:Port
	ConnectToHost string
	ConnectToPort int

	LocalDevice string
	LocalPort   int

	User, Password string

	// TLSFingerprint identifies the tls configuration in use, see
	// [github.com/frankli0324/go-xfer/internal/dialer.Fingerprint].
	TLSFingerprint string
}

// key groups destinations into bundles: the proxy when there is one, the
// origin otherwise.
func (d *Destination) key() string {
	if d.Proxy != nil {
		return "proxy:" + strings.ToLower(d.Proxy.Host) + ":" + itoa(d.Proxy.Port)
	}
	return strings.ToLower(d.Host) + ":" + itoa(d.Port)
}

func (d *Destination) String() string {
	s := d.Scheme + "://" + d.Host + ":" + itoa(d.Port)
	if d.Proxy != nil {
		s += " via " + d.Proxy.Host + ":" + itoa(d.Proxy.Port)
	}
	return s
}

func itoa(i int) string { return strconv.Itoa(i) }
