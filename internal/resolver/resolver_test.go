package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

func newTestResolver(t *testing.T, lookup LookupFunc) *Resolver {
	r, err := New(&Config{Lookup: lookup, Logger: zaptest.NewLogger(t)}, nil)
	require.NoError(t, err)
	return r
}

func TestResolveCachesAnswers(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, func(_ context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		assert.Equal(t, "Example.test", host)
		return []netip.Addr{addr1}, nil
	})
	ctx := context.Background()

	h, job, err := r.Resolve(ctx, "Example.test", 80)
	require.NoError(t, err)
	require.Nil(t, h)
	require.NotNil(t, job)
	h, err = r.Wait(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr1}, h.Addrs())
	h.Release()

	h, job, err = r.Resolve(ctx, "example.TEST", 80)
	require.NoError(t, err)
	assert.Nil(t, job)
	require.NotNil(t, h)
	assert.Equal(t, []netip.Addr{addr1}, h.Addrs())
	h.Release()
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveLiterals(t *testing.T) {
	r := newTestResolver(t, func(context.Context, string) ([]netip.Addr, error) {
		t.Error("literal hosts must not be looked up")
		return nil, nil
	})

	for host, want := range map[string][]netip.Addr{
		"10.0.0.1":        {netip.MustParseAddr("10.0.0.1")},
		"[::1]":           {netip.IPv6Loopback()},
		"localhost":       {netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()},
		"app.localhost.":  {netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()},
		"::ffff:10.0.0.2": {netip.MustParseAddr("10.0.0.2")},
	} {
		job, addrs, err := r.Start(context.Background(), host, 80)
		require.NoError(t, err)
		assert.Nil(t, job, host)
		assert.Equal(t, want, addrs, host)

		h, job, err := r.Resolve(context.Background(), host, 80)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.Equal(t, want, h.Addrs())
		h.Release()
	}
}

func TestResolveFailure(t *testing.T) {
	boom := errors.New("no such host")
	r := newTestResolver(t, func(context.Context, string) ([]netip.Addr, error) {
		return nil, boom
	})
	_, job, err := r.Resolve(context.Background(), "missing.test", 443)
	require.NoError(t, err)
	_, err = r.Wait(context.Background(), job)
	require.ErrorIs(t, err, errs.ErrResolutionFailed)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errs.Retriable(err))
	assert.Contains(t, err.Error(), "missing.test")
	assert.Zero(t, r.Cache().Len(), "failures are not cached")
}

func TestWaitCancelled(t *testing.T) {
	var freed atomic.Int32
	r := newTestResolver(t, blockingLookup(make(chan struct{})))
	r.OnFree = func(*Result) { freed.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, job, err := r.Resolve(context.Background(), "slow.test", 80)
	require.NoError(t, err)
	_, err = r.Wait(ctx, job)
	require.ErrorIs(t, err, errs.ErrResolutionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-job.Done()
	assert.Equal(t, int32(1), freed.Load())
}

// serveDNS answers A and AAAA queries for example.test. on both udp and
// tcp of the same port. AAAA answers over udp come back truncated.
func serveDNS(t *testing.T) string {
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if q.Name != "example.test." {
			m.Rcode = dns.RcodeNameError
			w.WriteMsg(m)
			return
		}
		switch q.Qtype {
		case dns.TypeA:
			rr, _ := dns.NewRR("example.test. 60 IN A 10.0.0.1")
			m.Answer = append(m.Answer, rr)
		case dns.TypeAAAA:
			if w.LocalAddr().Network() == "udp" {
				m.Truncated = true
				break
			}
			rr, _ := dns.NewRR("example.test. 60 IN AAAA fd00::1")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)

	for _, srv := range []*dns.Server{
		{PacketConn: pc, Handler: handler},
		{Listener: ln, Handler: handler},
	} {
		srv := srv
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		go srv.ActivateAndServe()
		<-started
		t.Cleanup(func() { srv.Shutdown() })
	}
	return pc.LocalAddr().String()
}

func TestServerLookup(t *testing.T) {
	server := serveDNS(t)
	ctx := context.Background()

	addrs, err := ServerLookup(server, "ip")(ctx, "example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("fd00::1")}, addrs)

	addrs, err = ServerLookup(server, "ip4")(ctx, "example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)

	_, err = ServerLookup(server, "ip")(ctx, "missing.test")
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.True(t, dnsErr.IsNotFound)
}

func TestResolverCustomServer(t *testing.T) {
	server := serveDNS(t)
	r, err := New(&Config{CustomDNSServer: server, Network: "ip6"}, nil)
	require.NoError(t, err)

	_, job, err := r.Resolve(context.Background(), "example.test", 443)
	require.NoError(t, err)
	h, err := r.Wait(context.Background(), job)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fd00::1")}, h.Addrs())
}
