package dialer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
	"github.com/frankli0324/go-xfer/internal/transport"
)

const maxTunnelHead = 16 << 10

// tunnel asks the proxy on conn to CONNECT to the target and waits for its
// answer. The exchange is blocking, it happens before the connection is
// handed to the pool.
func (d *CoreDialer) tunnel(ctx context.Context, conn net.Conn, t *Target) error {
	p := t.Proxy
	req := &model.Request{Method: http.MethodConnect, URL: "http://" + t.HostPort()}
	pr, err := req.Prepare()
	if err != nil {
		return err
	}
	h, err := transport.Lookup("http")
	if err != nil {
		return err
	}
	ex, err := h.NewExchange(pr, &transport.ExchangeOptions{
		ProxyUser: p.User, ProxyPassword: p.Password, MaxHeaderBytes: maxTunnelHead,
	})
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	if _, err := conn.Write(ex.Head()); err != nil {
		return errs.ConnectFailed(t.HostPort(), err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		rest := buf[:n]
		for len(rest) > 0 {
			used, head, serr := ex.Split(rest)
			if serr != nil {
				return errs.ConnectFailed(t.HostPort(), serr)
			}
			rest = rest[used:]
			if head.Progress != transport.HeadDone {
				// partial heads take everything, interim ones are skipped
				continue
			}
			if head.StatusCode/100 != 2 {
				return errs.ConnectFailed(t.HostPort(), errs.ErrWeirdServerReply.With(
					fmt.Sprintf("CONNECT refused by proxy, status %d", head.StatusCode)))
			}
			if len(rest) > 0 {
				return errs.ConnectFailed(t.HostPort(), errs.ErrWeirdServerReply.With("proxy sent data after the CONNECT response"))
			}
			d.logger().Debug("tunnel established", zap.String("proxy", p.Host), zap.String("target", t.HostPort()))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return errs.ConnectFailed(t.HostPort(), err)
		}
	}
}
