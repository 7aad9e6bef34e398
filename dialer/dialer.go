package dialer

import (
	"github.com/frankli0324/go-xfer/internal/dialer"
)

// Dialers are responsible for creating the streams requests are written to
// and responses are read from, for example a raw TCP connection, possibly
// tunneled through a proxy and wrapped in TLS.
//
// A Dialer MUST NOT hold connection state: connections are pooled by the
// [xfer.Client], which swaps dialers freely. It SHOULD hold connection
// related configuration like a *[crypto/tls.Config].
type Dialer = dialer.Dialer

// CoreDialer is the default implementation of the [Dialer] interface. It
// would be used by a zero value [xfer.Client].
type CoreDialer = dialer.CoreDialer

// Target is where a connection goes: the origin, the addresses it resolved
// to and the proxy in between, if any.
type Target = dialer.Target

type Proxy = dialer.Proxy

// Fingerprint identifies a TLS configuration. Connections made under
// configurations with different fingerprints are never shared.
func Fingerprint(d *CoreDialer) string {
	if d == nil {
		return ""
	}
	return dialer.Fingerprint(d.TLSConfig)
}
