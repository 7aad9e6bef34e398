package resolver

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AnyPort pins a static host for every port.
const AnyPort = -1

type entry struct {
	addrs []netip.Addr
	stamp time.Time // zero for pinned entries
	refs  int
}

// Handle is one reference to a cache entry. The addresses stay valid until
// Release, which may be called any number of times.
type Handle struct {
	c    *Cache
	e    *entry
	done atomic.Bool
}

// Detached returns a handle not backed by any cache, used for addresses
// that never need resolving.
func Detached(addrs []netip.Addr) *Handle {
	return &Handle{e: &entry{addrs: addrs, refs: 1}}
}

func (h *Handle) Addrs() []netip.Addr {
	if h == nil || h.done.Load() {
		return nil
	}
	return h.e.addrs
}

func (h *Handle) Pinned() bool {
	return h != nil && h.c != nil && h.e.stamp.IsZero()
}

func (h *Handle) Release() {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	if h.c == nil {
		return
	}
	h.c.mu.Lock()
	h.c.unref(h.e)
	h.c.mu.Unlock()
}

// Cache maps host:port to reference counted address lists. It is safe for
// use by several clients at once.
type Cache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry]
	pinned    map[string]*entry
	ttl       time.Duration
	lastPrune time.Time

	clock   clock.Clock
	log     *zap.Logger
	metrics *cacheMetrics
}

func NewCache(cfg *Config) (*Cache, error) {
	c := &Cache{
		pinned:  map[string]*entry{},
		ttl:     cfg.ttl(),
		clock:   cfg.clock(),
		log:     cfg.logger(),
		metrics: newCacheMetrics(),
	}
	lru, err := simplelru.NewLRU(cfg.size(), func(key string, e *entry) {
		c.metrics.evictions.Inc()
		c.unref(e)
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	if cfg == nil {
		return c, nil
	}
	for host, v := range cfg.StaticHosts {
		addrs, err := parseAddrs(v)
		if err != nil {
			return nil, fmt.Errorf("resolver: static host %s: %w", host, err)
		}
		c.Pin(host, AnyPort, addrs)
	}
	for _, s := range cfg.Overrides {
		o, err := ParseOverride(s)
		if err != nil {
			return nil, err
		}
		c.Apply(o)
	}
	return c, nil
}

func cacheKey(host string, port int) string {
	if port == AnyPort {
		return strings.ToLower(host) + ":*"
	}
	return strings.ToLower(host) + ":" + strconv.Itoa(port)
}

// called with c.mu held
func (c *Cache) unref(e *entry) {
	e.refs--
	if e.refs == 0 {
		e.addrs = nil
		c.metrics.live.Dec()
	}
}

func (c *Cache) acquire(e *entry) *Handle {
	e.refs++
	return &Handle{c: c, e: e}
}

func (c *Cache) stale(e *entry, now time.Time) bool {
	return !e.stamp.IsZero() && c.ttl >= 0 && now.Sub(e.stamp) >= c.ttl
}

// Lookup returns a new reference to the entry for host:port, or nil when
// there is none or it went stale.
func (c *Cache) Lookup(host string, port int) *Handle {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPrune) >= time.Second {
		c.prune(now)
	}

	e := c.pinned[cacheKey(host, port)]
	if e == nil {
		e = c.pinned[cacheKey(host, AnyPort)]
	}
	if e == nil {
		k := cacheKey(host, port)
		if v, ok := c.lru.Get(k); ok {
			if c.stale(v, now) {
				c.metrics.stale.Inc()
				c.lru.Remove(k)
			} else {
				e = v
			}
		}
	}
	if e == nil {
		c.metrics.misses.Inc()
		return nil
	}
	c.metrics.hits.Inc()
	return c.acquire(e)
}

// Insert caches addrs for host:port and returns the caller's reference.
// An entry already cached for the key is replaced.
func (c *Cache) Insert(host string, port int, addrs []netip.Addr) *Handle {
	stamp := c.clock.Now()
	if stamp.IsZero() {
		stamp = time.Unix(0, 1) // zero is reserved for pinned entries
	}
	e := &entry{addrs: append([]netip.Addr(nil), addrs...), stamp: stamp, refs: 1}
	k := cacheKey(host, port)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.live.Inc()
	c.metrics.inserts.Inc()
	c.lru.Remove(k) // Add does not report replaced values
	c.lru.Add(k, e)
	return c.acquire(e)
}

// Pin installs a static entry that never goes stale.
func (c *Cache) Pin(host string, port int, addrs []netip.Addr) {
	e := &entry{addrs: append([]netip.Addr(nil), addrs...), refs: 1}
	k := cacheKey(host, port)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.live.Inc()
	if old, ok := c.pinned[k]; ok {
		c.unref(old)
	}
	c.pinned[k] = e
}

func (c *Cache) Unpin(host string, port int) bool {
	k := cacheKey(host, port)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pinned[k]
	if ok {
		delete(c.pinned, k)
		c.unref(e)
	}
	// a resolved entry for the same key goes too
	if c.lru.Remove(k) {
		ok = true
	}
	return ok
}

func (c *Cache) Apply(o Override) {
	if o.Remove {
		c.Unpin(o.Host, o.Port)
		return
	}
	c.Pin(o.Host, o.Port, o.Addrs)
	c.log.Debug("pinned host", zap.String("host", o.Host), zap.Int("port", o.Port), zap.Stringers("addrs", o.Addrs))
}

// Prune drops every resolved entry that is stale at now and reports how
// many went away.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prune(now)
}

func (c *Cache) prune(now time.Time) int {
	c.lastPrune = now
	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.stale(e, now) {
			c.lru.Remove(k)
			n++
		}
	}
	if n > 0 {
		c.metrics.stale.Add(float64(n))
		c.log.Debug("pruned stale entries", zap.Int("count", n))
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + len(c.pinned)
}

// Purge empties the cache, pinned entries included. Handles held by
// callers stay valid.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	for k, e := range c.pinned {
		delete(c.pinned, k)
		c.unref(e)
	}
}

func (c *Cache) Collectors() []prometheus.Collector {
	return c.metrics.collectors()
}

// Override is one static host entry, see [ParseOverride].
type Override struct {
	Host   string
	Port   int
	Addrs  []netip.Addr
	Remove bool
}

// ParseOverride parses "host:port:addr[,addr]..." and the removing form
// "-host:port". Port may be "*" to match every port, IPv6 addresses may be
// written in brackets.
func ParseOverride(s string) (Override, error) {
	var o Override
	if strings.HasPrefix(s, "-") {
		o.Remove = true
		s = s[1:]
	}
	host, rest, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return o, fmt.Errorf("resolver: bad override %q", s)
	}
	port, addrs, _ := strings.Cut(rest, ":")
	o.Host = host
	if port == "*" {
		o.Port = AnyPort
	} else {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return o, fmt.Errorf("resolver: bad override port %q", port)
		}
		o.Port = int(p)
	}
	if o.Remove {
		return o, nil
	}
	var err error
	if o.Addrs, err = parseAddrs(addrs); err != nil {
		return o, fmt.Errorf("resolver: override %q: %w", s, err)
	}
	return o, nil
}

func parseAddrs(s string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		f = strings.TrimSuffix(strings.TrimPrefix(f, "["), "]")
		if f == "" {
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses in %q", s)
	}
	return out, nil
}
