package resolver

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *clock.Mock) {
	mock := clock.NewMock()
	c, err := NewCache(&Config{TTL: ttl, CacheSize: size, Clock: mock, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return c, mock
}

var (
	addr1 = netip.MustParseAddr("93.184.216.34")
	addr2 = netip.MustParseAddr("2606:2800:220:1:248:1893:25c8:1946")
)

func TestCacheInsertLookup(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 0)

	h := c.Insert("Example.COM", 443, []netip.Addr{addr1, addr2})
	require.NotNil(t, h)
	assert.False(t, h.Pinned())

	got := c.Lookup("example.com", 443)
	require.NotNil(t, got)
	assert.Equal(t, []netip.Addr{addr1, addr2}, got.Addrs())
	assert.Nil(t, c.Lookup("example.com", 80))

	h.Release()
	h.Release() // idempotent
	assert.Nil(t, h.Addrs())
	assert.Equal(t, []netip.Addr{addr1, addr2}, got.Addrs())
	got.Release()

	// only the cache's own reference remains
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.live))
	c.Purge()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.live))
	assert.Nil(t, c.Lookup("example.com", 443))
}

func TestCacheHeldEntrySurvivesEviction(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 0)
	h := c.Insert("a.test", 80, []netip.Addr{addr1})
	c.Purge()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []netip.Addr{addr1}, h.Addrs())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.live))
	h.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.live))
}

func TestCacheTTLEdge(t *testing.T) {
	const ttl = 10 * time.Second
	c, mock := newTestCache(t, ttl, 0)
	c.Insert("host.test", 80, []netip.Addr{addr1}).Release()

	mock.Add(ttl - time.Nanosecond)
	h := c.Lookup("host.test", 80)
	require.NotNil(t, h, "entry must still be fresh one tick before the ttl")
	h.Release()

	mock.Add(time.Nanosecond)
	assert.Nil(t, c.Lookup("host.test", 80))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.stale))
}

func TestCacheScenarioSixtySeconds(t *testing.T) {
	c, mock := newTestCache(t, 60*time.Second, 0)
	c.Insert("example.com", 443, []netip.Addr{addr1}).Release()

	mock.Add(59 * time.Second)
	h := c.Lookup("example.com", 443)
	require.NotNil(t, h)
	h.Release()

	mock.Add(2 * time.Second)
	assert.Nil(t, c.Lookup("example.com", 443))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.live))
}

func TestCacheNegativeTTLNeverExpires(t *testing.T) {
	c, mock := newTestCache(t, -1, 0)
	c.Insert("host.test", 80, []netip.Addr{addr1}).Release()
	mock.Add(24 * time.Hour)
	h := c.Lookup("host.test", 80)
	require.NotNil(t, h)
	h.Release()
	assert.Zero(t, c.Prune(mock.Now()))
}

func TestCachePrune(t *testing.T) {
	c, mock := newTestCache(t, time.Second, 0)
	c.Insert("a.test", 80, []netip.Addr{addr1}).Release()
	mock.Add(time.Second / 2)
	c.Insert("b.test", 80, []netip.Addr{addr1}).Release()
	c.Pin("c.test", 80, []netip.Addr{addr2})

	assert.Equal(t, 1, c.Prune(mock.Now().Add(time.Second/2)))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.Prune(mock.Now().Add(time.Hour)))
	assert.Equal(t, 1, c.Len(), "pinned entries are never pruned")
}

func TestCacheReplace(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 0)
	old := c.Insert("a.test", 80, []netip.Addr{addr1})
	c.Insert("a.test", 80, []netip.Addr{addr2}).Release()

	assert.Equal(t, []netip.Addr{addr1}, old.Addrs())
	h := c.Lookup("a.test", 80)
	require.NotNil(t, h)
	assert.Equal(t, []netip.Addr{addr2}, h.Addrs())
	h.Release()
	old.Release()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.live))
}

func TestCacheSizeBound(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 2)
	for _, host := range []string{"a.test", "b.test", "c.test"} {
		c.Insert(host, 80, []netip.Addr{addr1}).Release()
	}
	assert.Equal(t, 2, c.Len())
	assert.Nil(t, c.Lookup("a.test", 80))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.live))
}

func TestCachePinned(t *testing.T) {
	c, mock := newTestCache(t, time.Second, 0)
	c.Pin("pinned.test", AnyPort, []netip.Addr{addr1})
	c.Pin("pinned.test", 8443, []netip.Addr{addr2})
	mock.Add(time.Hour)

	h := c.Lookup("PINNED.test", 80)
	require.NotNil(t, h)
	assert.True(t, h.Pinned())
	assert.Equal(t, []netip.Addr{addr1}, h.Addrs())
	h.Release()

	h = c.Lookup("pinned.test", 8443)
	require.NotNil(t, h)
	assert.Equal(t, []netip.Addr{addr2}, h.Addrs())
	h.Release()

	assert.True(t, c.Unpin("pinned.test", AnyPort))
	assert.Nil(t, c.Lookup("pinned.test", 80))
	assert.False(t, c.Unpin("pinned.test", AnyPort))
}

func TestParseOverride(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Override
		err  bool
	}{
		{in: "example.com:443:127.0.0.1", want: Override{Host: "example.com", Port: 443, Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}},
		{in: "example.com:*:[::1], 10.0.0.1", want: Override{Host: "example.com", Port: AnyPort, Addrs: []netip.Addr{netip.IPv6Loopback(), netip.MustParseAddr("10.0.0.1")}}},
		{in: "-example.com:80", want: Override{Host: "example.com", Port: 80, Remove: true}},
		{in: "example.com:http:127.0.0.1", err: true},
		{in: "example.com:80:", err: true},
		{in: "example.com:80:not-an-ip", err: true},
		{in: ":80:127.0.0.1", err: true},
	} {
		got, err := ParseOverride(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewCacheStaticHosts(t *testing.T) {
	c, err := NewCache(&Config{
		StaticHosts: map[string]string{"static.test": "10.1.1.1"},
		Overrides:   []string{"over.test:443:10.2.2.2", "-static.test:*"},
	})
	require.NoError(t, err)
	assert.Nil(t, c.Lookup("static.test", 80))
	h := c.Lookup("over.test", 443)
	require.NotNil(t, h)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.2.2.2")}, h.Addrs())
	h.Release()

	_, err = NewCache(&Config{StaticHosts: map[string]string{"bad.test": "nope"}})
	assert.Error(t, err)
}

func TestCacheReferencesBalance(t *testing.T) {
	c, mock := newTestCache(t, 5*time.Second, 8)
	rnd := rand.New(rand.NewSource(1))
	hosts := []string{"a.test", "b.test", "c.test", "d.test", "e.test", "f.test", "g.test", "h.test", "i.test", "j.test"}
	var held []*Handle

	for i := 0; i < 5000; i++ {
		host := hosts[rnd.Intn(len(hosts))]
		switch rnd.Intn(4) {
		case 0:
			held = append(held, c.Insert(host, 80, []netip.Addr{addr1}))
		case 1:
			if h := c.Lookup(host, 80); h != nil {
				require.Equal(t, []netip.Addr{addr1}, h.Addrs())
				held = append(held, h)
			}
		case 2:
			if len(held) > 0 {
				j := rnd.Intn(len(held))
				held[j].Release()
				held = append(held[:j], held[j+1:]...)
			}
		case 3:
			mock.Add(time.Duration(rnd.Intn(1000)) * time.Millisecond)
		}
	}
	for _, h := range held {
		h.Release()
	}
	c.Purge()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.live))
}
