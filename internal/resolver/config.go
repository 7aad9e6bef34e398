package resolver

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultTTL       = 60 * time.Second
	DefaultCacheSize = 512
)

type Config struct {
	// TTL of resolved entries, zero means DefaultTTL and a negative value
	// keeps entries until they are evicted by size.
	TTL       time.Duration
	CacheSize int

	CustomDNSServer string
	Network         string            // one of "ip4", "ip6", default is "ip"
	StaticHosts     map[string]string // resembles /etc/hosts, host -> "addr[,addr]"
	// Overrides in "host:port:addr[,addr]" form, see [ParseOverride].
	Overrides []string

	// Lookup replaces the lookup derived from Network and CustomDNSServer.
	Lookup LookupFunc

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	n := *c
	if c.StaticHosts != nil {
		n.StaticHosts = make(map[string]string, len(c.StaticHosts))
		for k, v := range c.StaticHosts {
			n.StaticHosts[k] = v
		}
	}
	n.Overrides = append([]string(nil), c.Overrides...)
	return &n
}

func (c *Config) ttl() time.Duration {
	if c == nil || c.TTL == 0 {
		return DefaultTTL
	}
	return c.TTL
}

func (c *Config) size() int {
	if c == nil || c.CacheSize <= 0 {
		return DefaultCacheSize
	}
	return c.CacheSize
}

func (c *Config) network() string {
	if c == nil || c.Network == "" {
		return "ip"
	}
	return c.Network
}

func (c *Config) clock() clock.Clock {
	if c == nil || c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

func (c *Config) logger() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) lookup() LookupFunc {
	switch {
	case c == nil:
		return SystemLookup("ip")
	case c.Lookup != nil:
		return c.Lookup
	case c.CustomDNSServer != "":
		return ServerLookup(c.CustomDNSServer, c.network())
	}
	return SystemLookup(c.network())
}
