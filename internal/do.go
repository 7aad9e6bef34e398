package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/frankli0324/go-xfer/internal/dialer"
	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
	"github.com/frankli0324/go-xfer/internal/netpool"
	"github.com/frankli0324/go-xfer/internal/resolver"
	"github.com/frankli0324/go-xfer/internal/sock"
	"github.com/frankli0324/go-xfer/internal/transfer"
	"github.com/frankli0324/go-xfer/internal/transport"
)

const (
	// upper bound of a readiness wait, the context is checked in between
	pollSlice = 100 * time.Millisecond
	// pause before asking the pool again after a Wait decision
	acquireRetry = 10 * time.Millisecond
)

// route is where a request goes and through what.
type route struct {
	dest          netpool.Destination
	proxyPassword string
	// the socket connects here, the proxy or a connect-to override
	dialHost string
	dialPort int
}

func (s *session) clock() clock.Clock {
	if s.opts.Clock == nil {
		return clock.New()
	}
	return s.opts.Clock
}

// do sends pr and follows redirects when asked to.
func (s *session) do(ctx context.Context, pr *PreparedRequest) (*model.Response, error) {
	for redirects := 0; ; redirects++ {
		resp, err := s.send(ctx, pr)
		if err != nil {
			return nil, err
		}
		loc := resp.Header.Get("Location")
		if !s.opts.FollowRedirects || !isRedirect(resp.StatusCode) || loc == "" {
			return resp, nil
		}
		resp.Body.Close()
		if limit := s.opts.MaxRedirects; limit >= 0 && redirects >= limit {
			return nil, errs.ErrTooManyRedirects.With(fmt.Sprintf("maximum (%d) redirects followed", limit))
		}
		s.log.Debug("following redirect", zap.Int("status", resp.StatusCode), zap.String("location", loc))
		if pr, err = pr.Redirect(loc, resp.StatusCode); err != nil {
			return nil, err
		}
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// send makes attempts at pr until one is not worth retrying.
func (s *session) send(ctx context.Context, pr *PreparedRequest) (*model.Response, error) {
	for tries := 1; ; tries++ {
		resp, retry, err := s.attempt(ctx, pr)
		if !retry || ctx.Err() != nil {
			return resp, err
		}
		if tries >= maxRetries {
			return nil, errs.ErrWriteError.With(fmt.Sprintf("connection died, tried %d times before giving up", maxRetries)).Wrap(err)
		}
		s.log.Debug("connection died, retrying", zap.Int("try", tries), zap.Error(err))
	}
}

// attempt sends pr once. retry reports a failure on a reused connection that
// a fresh one may not have.
func (s *session) attempt(ctx context.Context, pr *PreparedRequest) (resp *model.Response, retry bool, err error) {
	h, err := transport.Lookup(pr.Scheme)
	if err != nil {
		return nil, false, err
	}
	r, err := s.route(ctx, pr, h)
	if err != nil {
		return nil, false, err
	}
	tr := newTracer(ctx)
	tr.getConn(r.dest.String())

	id := s.nextID.Add(1)
	conn, err := s.acquire(ctx, &netpool.Needle{
		Dest:         r.dest,
		Method:       pr.Method,
		CredsPerConn: h.Flags().Has(transport.FlagCredsPerConn),
		PipeWait:     s.opts.PipeWait,
	}, id)
	if err != nil {
		return nil, false, err
	}
	if conn.NetConn() == nil {
		if err := s.connect(ctx, conn, r, tr); err != nil {
			s.pool.Discard(conn)
			return nil, false, err
		}
	}
	tr.gotConn(conn)

	resp, retry, err = s.exchange(ctx, conn, id, pr, h, r, tr)
	s.pool.Prune()
	s.resolver.Cache().Prune(s.clock().Now())
	return resp, retry, err
}

func (s *session) route(ctx context.Context, pr *PreparedRequest, h transport.Handler) (*route, error) {
	port := pr.Port
	if port == 0 {
		port = h.DefaultPort()
	}
	d := netpool.Destination{
		Scheme:      h.Scheme(),
		Family:      h.Family(),
		Host:        pr.Host,
		Port:        port,
		TLS:         h.Flags().Has(transport.FlagSSL),
		LocalDevice: s.opts.LocalDevice,
		LocalPort:   s.opts.LocalPort,
	}
	if h.Flags().Has(transport.FlagCredsPerConn) {
		d.User, d.Password = pr.User, pr.Password
	}
	if d.TLS {
		d.TLSFingerprint = tlsFingerprint(s.dialer)
	}
	for _, ct := range s.connectTo {
		if ct.matches(d.Host, d.Port) {
			d.ConnectToHost, d.ConnectToPort = ct.toHost, ct.toPort
			break
		}
	}

	r := &route{dest: d, dialHost: d.Host, dialPort: d.Port}
	if d.ConnectToHost != "" {
		r.dialHost = d.ConnectToHost
	}
	if d.ConnectToPort != 0 {
		r.dialPort = d.ConnectToPort
	}
	if s.opts.GetProxy == nil {
		return r, nil
	}
	raw, err := s.opts.GetProxy(ctx, pr.Request)
	if err != nil || raw == "" {
		return r, err
	}
	p, password, err := parseProxy(raw)
	if err != nil {
		return nil, err
	}
	p.Tunnel = d.TLS || s.opts.ProxyTunnel
	r.dest.Proxy, r.proxyPassword = p, password
	r.dialHost, r.dialPort = p.Host, p.Port
	return r, nil
}

// acquire asks the pool until it hands out a connection. Requests over the
// connection limits queue here until a connection frees up or ctx ends.
func (s *session) acquire(ctx context.Context, n *netpool.Needle, id uint64) (*netpool.Conn, error) {
	for {
		d, err := s.pool.Acquire(n, id)
		if err != nil && (s.pool.Closed() || !errors.Is(err, errs.ErrNoConnectionCapacity)) {
			return nil, err
		}
		if err == nil && d.Outcome != netpool.Wait {
			return d.Conn, nil
		}
		t := s.clock().Timer(acquireRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errs.ErrNoConnectionCapacity.Wrap(ctx.Err())
		case <-t.C:
		}
	}
}

func (s *session) resolve(ctx context.Context, host string, port int) (*resolver.Handle, error) {
	h, job, err := s.resolver.Resolve(ctx, host, port)
	if err != nil || job == nil {
		return h, err
	}
	return s.resolver.Wait(ctx, job)
}

// connect establishes the socket of a connection the pool just created.
func (s *session) connect(ctx context.Context, conn *netpool.Conn, r *route, tr tracer) error {
	tr.dnsStart(r.dialHost)
	h, err := s.resolve(shadowStandardClientTrace(ctx), r.dialHost, r.dialPort)
	tr.dnsDone(h, err)
	if err != nil {
		return err
	}
	defer h.Release()

	t := &dialer.Target{
		Host:        r.dest.Host,
		Port:        r.dest.Port,
		TLS:         r.dest.TLS,
		Addrs:       h.Addrs(),
		DialPort:    r.dialPort,
		LocalDevice: r.dest.LocalDevice,
		LocalPort:   r.dest.LocalPort,
	}
	if p := r.dest.Proxy; p != nil {
		t.Proxy = &dialer.Proxy{
			Host: p.Host, Port: p.Port, TLS: p.Scheme == "https", Tunnel: p.Tunnel,
			User: p.User, Password: r.proxyPassword,
		}
	}
	tr.connectStart(t)
	nc, err := s.dialer.Dial(shadowStandardClientTrace(ctx), t)
	tr.connectDone(t, err)
	if err != nil {
		return err
	}
	conn.Attach(sock.Wrap(nc))
	return nil
}

// exchange runs the transfer of pr on conn and gives the connection back.
func (s *session) exchange(ctx context.Context, conn *netpool.Conn, id uint64, pr *PreparedRequest, h transport.Handler, r *route, tr tracer) (*model.Response, bool, error) {
	if pr.Header == nil {
		pr.Header = http.Header{}
	}
	// a header set by an earlier attempt counts as ours
	ae := pr.Header.Get("Accept-Encoding")
	decode := s.opts.DecodeContent && (ae == "" || ae == acceptEncoding)
	if decode {
		pr.Header.Set("Accept-Encoding", acceptEncoding)
	}
	eo := &transport.ExchangeOptions{
		FollowRedirects:         s.opts.FollowRedirects,
		AllowHTTP09:             s.opts.AllowHTTP09,
		MaxHeaderBytes:          s.opts.MaxHeaderBytes,
		ExpectContinueThreshold: s.opts.ExpectContinueThreshold,
		DisableExpectContinue:   s.opts.DisableExpectContinue,
		CRLF:                    s.opts.Transfer.CRLF,
	}
	if p := r.dest.Proxy; p != nil && !p.Tunnel {
		eo.AbsoluteForm, eo.ProxyUser, eo.ProxyPassword = true, p.User, r.proxyPassword
	}
	ex, err := h.NewExchange(pr, eo)
	if err != nil {
		s.pool.Release(conn, id)
		return nil, false, err
	}

	sc, ok := conn.NetConn().(*sock.Conn)
	if !ok {
		sc = sock.Wrap(conn.NetConn())
	}
	var body bytes.Buffer
	sink := transfer.SinkFunc(func(p []byte, k transfer.Kind) error {
		if k == transfer.KindBody {
			body.Write(p)
		}
		return nil
	})
	src := transfer.NewBodySource(pr.GetBody)
	defer src.Close()

	o := s.opts.Transfer.Clone()
	o.AlwaysResponse = h.Flags().Has(transport.FlagAlwaysResponse)
	o.NoBody = pr.Method == http.MethodHead
	// one request at a time per connection, bytes past a response are junk
	o.Pipelining = false
	t := transfer.New(transfer.WithRewound(sc, conn.TakeRewound()), ex, sink, src, o)

	if err := s.drive(ctx, t, sc, tr); err != nil {
		retry, rerr := t.ShouldRetry(conn.Reused())
		conn.MarkClose()
		s.pool.Release(conn, id)
		if rerr != nil {
			return nil, false, rerr
		}
		return nil, retry, err
	}

	head, _ := t.Head()
	mode := netpool.MultiuseSerial
	if head.CanPipeline() {
		mode = netpool.MultiusePipeline
	}
	if b := conn.Bundle(); b != nil {
		b.Learn(mode, head.Server)
	}
	if t.MustClose() {
		conn.MarkClose()
	} else {
		conn.Rewind(t.Excess())
	}
	s.pool.Release(conn, id)

	resp := ex.Response()
	resp.Request = pr
	resp.Trailer = transport.ParseTrailer(t.Trailer())
	if resp.Body, err = decodeBody(resp, body.Bytes(), decode); err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// drive polls the socket and steps the transfer until it is over.
func (s *session) drive(ctx context.Context, t *transfer.Transfer, sc *sock.Conn, tr tracer) error {
	wrote, answered := false, false
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errs.ErrOperationTimedOut.Wrap(err)
			}
			return errs.ErrAbortedByCallback.Wrap(err)
		}
		want, wait := t.Want()
		if wait < 0 || wait > pollSlice {
			wait = pollSlice
		}
		ev, err := sock.Wait(sc, want, wait)
		if err != nil {
			return errs.ErrReadError.Wrap(err)
		}
		if ev == 0 {
			// layered connections may hold data the descriptor doesn't show
			ev = want & sock.EventRead
		}

		active, err := t.Step(ev)
		if !wrote && t.SendState() == transfer.Done {
			wrote = true
			tr.wroteRequest(nil)
		}
		if c := t.Counters(); !answered && (c.HeaderBytes > 0 || c.Received > 0) {
			answered = true
			tr.firstByte()
		}
		if err != nil || !active {
			return err
		}
	}
}
