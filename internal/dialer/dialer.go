// package dialer opens the sockets connections are made of: a TCP
// connection to the first reachable address, optionally tunnelled through a
// proxy and wrapped in tls.
package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Dialers handle pretty much everything related to establishing the actual
// connection. Names are resolved before a Dialer is called, it gets the
// addresses to try.
type Dialer interface {
	Dial(ctx context.Context, t *Target) (net.Conn, error)
	Unwrap() Dialer
}

// Target is one connection to establish.
type Target struct {
	// Host and Port the connection is for, used for tls and tunnelling.
	Host string
	Port int
	TLS  bool

	// Addrs are tried in order on DialPort. They belong to the proxy when
	// there is one, to the connect-to override when set.
	Addrs    []netip.Addr
	DialPort int

	Proxy *Proxy

	LocalDevice string
	LocalPort   int
}

func (t *Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

type Proxy struct {
	Host string
	Port int
	TLS  bool
	// Tunnel issues a CONNECT for the target, otherwise the connection to
	// the proxy is returned as is.
	Tunnel         bool
	User, Password string
}

type CoreDialer struct {
	TLSConfig *tls.Config // the config to use

	// ProxyTLSConfig is used with https proxies, TLSConfig when nil.
	ProxyTLSConfig *tls.Config

	ConnectTimeout time.Duration // per address, 0 is no limit
	KeepAlive      time.Duration

	Logger *zap.Logger
}

func (d *CoreDialer) Clone() *CoreDialer {
	if d == nil {
		return nil
	}
	return &CoreDialer{
		TLSConfig:      d.TLSConfig.Clone(),
		ProxyTLSConfig: d.ProxyTLSConfig.Clone(),
		ConnectTimeout: d.ConnectTimeout,
		KeepAlive:      d.KeepAlive,
		Logger:         d.Logger,
	}
}

func (d *CoreDialer) Unwrap() Dialer {
	return nil
}

func (d *CoreDialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
