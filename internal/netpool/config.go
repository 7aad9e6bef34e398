package netpool

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/frankli0324/go-xfer/internal/sock"
)

type Config struct {
	MaxHostConnections  int // per bundle, 0 is unlimited
	MaxTotalConnections int // 0 is unlimited
	// MaxConnects bounds the idle connections kept for reuse, the oldest
	// idle connection is closed when another one goes idle past it.
	MaxConnects int
	MaxIdleAge  time.Duration // 0 keeps idle connections forever
	// MaxPipelineLength bounds the requests queued on one http/1
	// connection, 0 is unlimited.
	MaxPipelineLength int

	// hosts ("host" or "host:port") and Server header prefixes that must
	// never see pipelined or multiplexed requests
	PipelineSiteBlacklist   []string
	PipelineServerBlacklist []string

	// IsPenalized excludes connections from carrying more pipelined
	// requests, e.g. after a pipelining related failure on them.
	IsPenalized func(*Conn) bool
	// IsDead reports peer closed idle connections, it defaults to a
	// non-consuming peek at the socket.
	IsDead func(*Conn) bool

	Clock  clock.Clock
	Logger *zap.Logger
}

func DefaultConfig() *Config {
	return &Config{
		MaxConnects: 20,
		MaxIdleAge:  118 * time.Second,
	}
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	n := *c
	n.PipelineSiteBlacklist = append([]string(nil), c.PipelineSiteBlacklist...)
	n.PipelineServerBlacklist = append([]string(nil), c.PipelineServerBlacklist...)
	return &n
}

func (c *Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) penalized(conn *Conn) bool {
	return c.IsPenalized != nil && c.IsPenalized(conn)
}

func (c *Config) dead(conn *Conn) bool {
	if c.IsDead != nil {
		return c.IsDead(conn)
	}
	nc := conn.NetConn()
	return nc != nil && !sock.Alive(nc)
}

func (c *Config) siteBlacklisted(d *Destination) bool {
	for _, site := range c.PipelineSiteBlacklist {
		host, port, hasPort := strings.Cut(site, ":")
		if !strings.EqualFold(host, d.Host) {
			continue
		}
		if !hasPort || port == itoa(d.Port) {
			return true
		}
	}
	return false
}

func (c *Config) serverBlacklisted(server string) bool {
	if server == "" {
		return false
	}
	for _, prefix := range c.PipelineServerBlacklist {
		if strings.HasPrefix(server, prefix) {
			return true
		}
	}
	return false
}
