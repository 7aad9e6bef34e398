package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

// Dial connects to the first address of t that accepts, then sets up the
// tunnel and tls when asked to.
func (d *CoreDialer) Dial(ctx context.Context, t *Target) (net.Conn, error) {
	conn, err := d.dialAddrs(ctx, t)
	if err != nil {
		return nil, err
	}

	if p := t.Proxy; p != nil {
		if p.TLS {
			cfg := d.ProxyTLSConfig
			if cfg == nil {
				cfg = d.TLSConfig
			}
			if conn, err = d.handshake(ctx, conn, cfg, p.Host); err != nil {
				return nil, errs.ConnectFailed(net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), err)
			}
		}
		if p.Tunnel {
			if err := d.tunnel(ctx, conn, t); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	if t.TLS {
		if conn, err = d.handshake(ctx, conn, d.TLSConfig, t.Host); err != nil {
			return nil, errs.ConnectFailed(t.HostPort(), err)
		}
	}
	return conn, nil
}

func (d *CoreDialer) dialAddrs(ctx context.Context, t *Target) (net.Conn, error) {
	nd := net.Dialer{
		Timeout:   d.ConnectTimeout,
		KeepAlive: d.KeepAlive,
	}
	if t.LocalPort > 0 {
		nd.LocalAddr = &net.TCPAddr{Port: t.LocalPort}
	}
	if t.LocalDevice != "" {
		nd.Control = bindToDevice(t.LocalDevice)
	}

	var failed error
	for _, a := range t.Addrs {
		addr := netip.AddrPortFrom(a, uint16(t.DialPort)).String()
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			d.logger().Debug("connected", zap.String("addr", addr), zap.String("target", t.HostPort()))
			return conn, nil
		}
		d.logger().Debug("connect failed", zap.String("addr", addr), zap.Error(err))
		failed = multierr.Append(failed, err)
		if ctx.Err() != nil {
			break
		}
	}
	if failed == nil {
		failed = errs.ErrResolutionFailed.With("no addresses")
	}
	return nil, errs.ConnectFailed(t.HostPort(), failed)
}

func (d *CoreDialer) handshake(ctx context.Context, conn net.Conn, cfg *tls.Config, host string) (net.Conn, error) {
	config := cfg.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = host
	}
	if len(config.NextProtos) == 0 {
		config.NextProtos = []string{"http/1.1"}
	}
	c := tls.Client(conn, config)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
