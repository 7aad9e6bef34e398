package dialer

import (
	"crypto/tls"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the parts of a tls configuration that make two
// connections to the same host not interchangeable. Certificate pools and
// callbacks are compared by identity.
func Fingerprint(c *tls.Config) string {
	if c == nil {
		return ""
	}
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%t|%d|%d|%v|%v|%v|%p|%p|%p|%d",
		c.ServerName, c.InsecureSkipVerify, c.MinVersion, c.MaxVersion,
		c.CipherSuites, c.CurvePreferences, c.NextProtos,
		c.RootCAs, c.VerifyPeerCertificate, c.VerifyConnection, c.Renegotiation)
	for _, cert := range c.Certificates {
		for _, der := range cert.Certificate {
			h.Write(der)
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
