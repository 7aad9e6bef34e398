package netpool

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/sock"
)

func newTestPool(t *testing.T, cfg *Config) (*Pool, *clock.Mock) {
	if cfg == nil {
		cfg = &Config{}
	}
	mock := clock.NewMock()
	cfg.Clock = mock
	cfg.Logger = zaptest.NewLogger(t)
	p := New(cfg)
	t.Cleanup(func() { p.Close() })
	return p, mock
}

func needle(host string) *Needle {
	return &Needle{
		Dest:   Destination{Scheme: "http", Family: "http", Host: host, Port: 80},
		Method: "GET",
	}
}

func attach(t *testing.T, c *Conn) net.Conn {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c.Attach(a)
	return b
}

func acquire(t *testing.T, p *Pool, n *Needle, id uint64, want Outcome) *Conn {
	t.Helper()
	d, err := p.Acquire(n, id)
	require.NoError(t, err)
	require.Equal(t, want, d.Outcome)
	if want == Create {
		attach(t, d.Conn)
	}
	return d.Conn
}

func decisions(p *Pool, o Outcome) float64 {
	return testutil.ToFloat64(p.metrics.decisions.WithLabelValues(o.String()))
}

func closed(p *Pool, reason string) float64 {
	return testutil.ToFloat64(p.metrics.closed.WithLabelValues(reason))
}

func TestIdempotentReuse(t *testing.T) {
	p, _ := newTestPool(t, nil)
	c1 := acquire(t, p, needle("a.test"), 1, Create)
	assert.False(t, c1.Reused())
	p.Release(c1, 1)

	c2 := acquire(t, p, needle("A.TEST"), 2, Reuse)
	assert.Same(t, c1, c2)
	assert.True(t, c2.Reused())
	p.Release(c2, 2)

	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1.0, decisions(p, Create))
	assert.Equal(t, 1.0, decisions(p, Reuse))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.conns))
}

func TestPerHostLimitRejects(t *testing.T) {
	p, _ := newTestPool(t, &Config{MaxHostConnections: 2})
	acquire(t, p, needle("a.test"), 1, Create)
	acquire(t, p, needle("a.test"), 2, Create)

	d, err := p.Acquire(needle("a.test"), 3)
	assert.Equal(t, Reject, d.Outcome)
	assert.Nil(t, d.Conn)
	require.ErrorIs(t, err, errs.ErrNoConnectionCapacity)
	assert.True(t, errs.Retriable(err))
	assert.False(t, errors.Is(err, errs.ErrResolutionFailed))

	// other hosts are not limited by a.test's bundle
	acquire(t, p, needle("b.test"), 4, Create)
	assert.Equal(t, 1.0, decisions(p, Reject))
}

func TestPerHostLimitEvictsIdle(t *testing.T) {
	p, mock := newTestPool(t, &Config{MaxHostConnections: 1})
	n := needle("a.test")
	n.CredsPerConn = true
	n.Dest.User = "alice"
	c1 := acquire(t, p, n, 1, Create)
	peer := attach(t, c1)
	p.Release(c1, 1)
	mock.Add(time.Second)

	n2 := needle("a.test")
	n2.CredsPerConn = true
	n2.Dest.User = "bob"
	c2 := acquire(t, p, n2, 2, Create)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1.0, closed(p, "evicted"))

	_, err := peer.Read(make([]byte, 1))
	assert.Error(t, err, "evicted connection must be closed")
}

func TestGlobalLimit(t *testing.T) {
	p, _ := newTestPool(t, &Config{MaxTotalConnections: 2})
	a := acquire(t, p, needle("a.test"), 1, Create)
	acquire(t, p, needle("b.test"), 2, Create)

	_, err := p.Acquire(needle("c.test"), 3)
	require.ErrorIs(t, err, errs.ErrNoConnectionCapacity)

	p.Release(a, 1)
	c := acquire(t, p, needle("c.test"), 4, Create)
	assert.Equal(t, "c.test", c.Dest.Host)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 1.0, closed(p, "evicted"))
}

func TestDeadCandidateIsDisconnected(t *testing.T) {
	dead := map[uint64]bool{}
	p, _ := newTestPool(t, &Config{IsDead: func(c *Conn) bool { return dead[c.ID] }})
	c1 := acquire(t, p, needle("a.test"), 1, Create)
	p.Release(c1, 1)
	dead[c1.ID] = true

	c2 := acquire(t, p, needle("a.test"), 2, Create)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1.0, closed(p, "dead"))
}

func TestDefaultDeadProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	p, _ := newTestPool(t, nil)
	d, err := p.Acquire(needle("a.test"), 1)
	require.NoError(t, err)
	d.Conn.Attach(conn)
	p.Release(d.Conn, 1)

	require.Eventually(t, func() bool { return !sock.Alive(conn) }, time.Second, 5*time.Millisecond)
	acquire(t, p, needle("a.test"), 2, Create)
	assert.Equal(t, 1.0, closed(p, "dead"))
}

func pipelined(host string) *Needle {
	n := needle(host)
	n.CanPipeline = true
	return n
}

func TestPipelining(t *testing.T) {
	p, _ := newTestPool(t, &Config{MaxPipelineLength: 2})
	c1 := acquire(t, p, pipelined("a.test"), 1, Create)

	// the server's behaviour is not known yet
	acquire(t, p, pipelined("a.test"), 2, Create).Bundle().Learn(MultiusePipeline, "nginx")
	assert.Equal(t, MultiusePipeline, c1.Bundle().Mode())

	c := acquire(t, p, pipelined("a.test"), 3, Reuse)
	assert.Equal(t, 2, c.PipelineLen())
	other := c2(p, c1)
	c = acquire(t, p, pipelined("a.test"), 4, Reuse)
	assert.Same(t, other, c, "the connection with the shorter queue is picked")

	// both at the pipeline length limit
	acquire(t, p, pipelined("a.test"), 5, Create)

	post := pipelined("a.test")
	post.Method = "POST"
	acquire(t, p, post, 6, Create)
}

// c2 returns the connection of c1's bundle that is not c1.
func c2(p *Pool, c1 *Conn) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range c1.bundle.conns {
		if c != c1 {
			return c
		}
	}
	return nil
}

func TestPipeliningBlacklists(t *testing.T) {
	p, _ := newTestPool(t, &Config{
		PipelineServerBlacklist: []string{"Apache/1"},
		PipelineSiteBlacklist:   []string{"b.test:80"},
	})
	acquire(t, p, pipelined("a.test"), 1, Create).Bundle().Learn(MultiusePipeline, "Apache/1.3.29")
	acquire(t, p, pipelined("a.test"), 2, Create)

	acquire(t, p, pipelined("b.test"), 3, Create).Bundle().Learn(MultiusePipeline, "")
	acquire(t, p, pipelined("b.test"), 4, Create)
}

func TestPenalizedConnectionsAreSkipped(t *testing.T) {
	var penalized *Conn
	p, _ := newTestPool(t, &Config{IsPenalized: func(c *Conn) bool { return c == penalized }})
	c1 := acquire(t, p, pipelined("a.test"), 1, Create)
	c1.Bundle().Learn(MultiusePipeline, "")
	penalized = c1
	acquire(t, p, pipelined("a.test"), 2, Create)
	penalized = nil
	assert.Same(t, c1, acquire(t, p, pipelined("a.test"), 3, Reuse))
}

func TestPipeWait(t *testing.T) {
	p, _ := newTestPool(t, nil)
	n := pipelined("a.test")
	n.PipeWait = true
	d, err := p.Acquire(n, 1)
	require.NoError(t, err)
	require.Equal(t, Create, d.Outcome)

	// multiuse unknown until the first response
	d, err = p.Acquire(n, 2)
	require.NoError(t, err)
	assert.Equal(t, Wait, d.Outcome)
	assert.Equal(t, 1.0, decisions(p, Wait))

	// known to pipeline, but the only candidate is still connecting
	p.bundles["a.test:80"].Learn(MultiusePipeline, "")
	d, err = p.Acquire(n, 3)
	require.NoError(t, err)
	assert.Equal(t, Wait, d.Outcome)

	n.PipeWait = false
	d, err = p.Acquire(n, 4)
	require.NoError(t, err)
	assert.Equal(t, Create, d.Outcome)
}

func TestMultiplexStreamLimit(t *testing.T) {
	p, _ := newTestPool(t, nil)
	n := needle("h2.test")
	n.CanMultiplex = true
	n.Method = "POST"
	c1 := acquire(t, p, n, 1, Create)
	c1.Bundle().Learn(MultiuseMultiplex, "")
	c1.SetMaxStreams(2)

	assert.Same(t, c1, acquire(t, p, n, 2, Reuse))
	acquire(t, p, n, 3, Create)
}

func TestNTLMForceReuse(t *testing.T) {
	p, _ := newTestPool(t, nil)
	n := needle("ntlm.test")
	n.Dest.User, n.Dest.Password = "user", "secret"
	plain := acquire(t, p, n, 1, Create)
	authing := acquire(t, p, n, 2, Create)
	authing.SetNTLM(NTLMType2)
	p.Release(plain, 1)
	p.Release(authing, 2)

	want := *n
	want.WantNTLM = true
	d, err := p.Acquire(&want, 3)
	require.NoError(t, err)
	assert.Equal(t, Reuse, d.Outcome)
	assert.Same(t, authing, d.Conn)
	assert.True(t, d.ForceReuse)
	p.Release(d.Conn, 3)

	// requests not doing NTLM stay off connections that are
	d, err = p.Acquire(n, 4)
	require.NoError(t, err)
	assert.Same(t, plain, d.Conn)
	assert.False(t, d.ForceReuse)
	p.Release(d.Conn, 4)

	other := want
	other.Dest.Password = "wrong"
	acquire(t, p, &other, 5, Create)
}

func TestIdentityMismatches(t *testing.T) {
	base := func() *Needle {
		n := needle("id.test")
		n.Dest.Scheme, n.Dest.TLS, n.Dest.Port, n.Dest.TLSFingerprint = "https", true, 443, "fp1"
		return n
	}
	p, _ := newTestPool(t, nil)
	c := acquire(t, p, base(), 1, Create)
	p.Release(c, 1)

	for name, mutate := range map[string]func(*Needle){
		"tls fingerprint": func(n *Needle) { n.Dest.TLSFingerprint = "fp2" },
		"plain":           func(n *Needle) { n.Dest.Scheme, n.Dest.TLS = "http", false },
		"connect-to":      func(n *Needle) { n.Dest.ConnectToHost = "10.0.0.1" },
		"local device":    func(n *Needle) { n.Dest.LocalDevice = "eth1" },
	} {
		n := base()
		mutate(n)
		d, err := p.Acquire(n, 100)
		require.NoError(t, err, name)
		assert.Equal(t, Create, d.Outcome, name)
		require.NoError(t, p.Discard(d.Conn))
	}
	assert.Same(t, c, acquire(t, p, base(), 2, Reuse))
}

func TestProxyBundles(t *testing.T) {
	p, _ := newTestPool(t, nil)
	viaProxy := func(host string, tunnel bool) *Needle {
		n := needle(host)
		n.Dest.Proxy = &Proxy{Scheme: "http", Host: "proxy.test", Port: 3128, Tunnel: tunnel}
		return n
	}
	c := acquire(t, p, viaProxy("a.test", false), 1, Create)
	p.Release(c, 1)
	// forwarding proxies carry requests for any origin
	assert.Same(t, c, acquire(t, p, viaProxy("b.test", false), 2, Reuse))
	p.Release(c, 2)

	acquire(t, p, viaProxy("a.test", true), 3, Create)
}

func TestReleaseClosesMarkedAndOverflow(t *testing.T) {
	p, _ := newTestPool(t, &Config{MaxConnects: 1})
	a := acquire(t, p, needle("a.test"), 1, Create)
	b := acquire(t, p, needle("b.test"), 2, Create)
	c := acquire(t, p, needle("c.test"), 3, Create)

	c.MarkClose()
	p.Release(c, 3)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 1.0, closed(p, "done"))

	p.Release(a, 1)
	p.Release(b, 2)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1.0, closed(p, "idle limit"))
}

func TestPipelineRelease(t *testing.T) {
	p, _ := newTestPool(t, nil)
	c := acquire(t, p, pipelined("a.test"), 1, Create)
	c.Bundle().Learn(MultiusePipeline, "")
	acquire(t, p, pipelined("a.test"), 2, Reuse)

	c.MarkClose()
	p.Release(c, 1)
	assert.Equal(t, 1, p.Len(), "a closing connection stays until its queue drains")
	assert.Equal(t, 1, c.PipelineLen())
	p.Release(c, 2)
	assert.Zero(t, p.Len())
}

func TestRewound(t *testing.T) {
	p, _ := newTestPool(t, nil)
	c := acquire(t, p, needle("a.test"), 1, Create)
	c.Rewind(sock.NewCursor([]byte("HTTP/1.1 200 OK\r\n")))
	c.Rewind(sock.NewCursor([]byte("Content-Length: 0\r\n")))
	got := c.TakeRewound()
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n", string(got.Bytes()))
	got = c.TakeRewound()
	assert.Zero(t, got.Len())
}

func TestPrune(t *testing.T) {
	p, mock := newTestPool(t, &Config{MaxIdleAge: 10 * time.Second})
	a := acquire(t, p, needle("a.test"), 1, Create)
	acquire(t, p, needle("b.test"), 2, Create)
	p.Release(a, 1)

	mock.Add(11 * time.Second)
	assert.Equal(t, 1, p.Prune())
	assert.Equal(t, 1, p.Len())
}

type failingConn struct{ net.Conn }

func (failingConn) Close() error { return errors.New("close failed") }

func TestCloseAggregatesErrors(t *testing.T) {
	p, _ := newTestPool(t, nil)
	for i, host := range []string{"a.test", "b.test"} {
		d, err := p.Acquire(needle(host), uint64(i))
		require.NoError(t, err)
		d.Conn.Attach(failingConn{})
	}
	err := p.Close()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	_, err = p.Acquire(needle("a.test"), 9)
	assert.ErrorIs(t, err, errs.ErrNoConnectionCapacity)
}
