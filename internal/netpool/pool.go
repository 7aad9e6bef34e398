// package netpool keeps the connections of a client and decides, for every
// new request, whether one of them may carry it or a new one has to be
// opened within the configured limits.
package netpool

import (
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

type Outcome uint8

const (
	Reuse Outcome = iota
	Create
	Wait
	Reject
)

func (o Outcome) String() string {
	return [...]string{"reuse", "create", "wait", "reject"}[o]
}

// Needle describes the connection a request is looking for.
type Needle struct {
	Dest   Destination
	Method string

	CanPipeline  bool // protocol and client both allow http/1 pipelining
	CanMultiplex bool
	// CredsPerConn requires the same user and password on reused
	// connections.
	CredsPerConn bool
	WantNTLM     bool
	// PipeWait prefers waiting for a pipelining capable connection over
	// opening another one.
	PipeWait bool
}

type Decision struct {
	Outcome Outcome
	Conn    *Conn // set for Reuse and Create
	// ForceReuse means the connection is in the middle of an NTLM
	// handshake and no other connection would do.
	ForceReuse bool
}

type Pool struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
	count   int
	nextID  uint64
	closed  bool

	cfg     *Config
	clock   clock.Clock
	log     *zap.Logger
	metrics *poolMetrics
}

func New(cfg *Config) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Pool{
		bundles: map[string]*Bundle{},
		cfg:     cfg,
		clock:   cfg.clock(),
		log:     cfg.logger(),
		metrics: newPoolMetrics(),
	}
}

func (p *Pool) Collectors() []prometheus.Collector {
	return p.metrics.collectors()
}

// Len returns the number of connections in the pool, busy or idle.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Acquire finds a connection for request id. On Reuse and Create the
// connection is marked in use and id is queued on it before the lock is
// dropped, the caller gives it back with [Pool.Release].
func (p *Pool) Acquire(n *Needle, id uint64) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Decision{Outcome: Reject}, errs.ErrNoConnectionCapacity.With("pool closed")
	}

	d, pending := p.find(n)
	if d.Conn != nil {
		p.enqueue(d.Conn, id)
		p.metrics.decisions.WithLabelValues(d.Outcome.String()).Inc()
		p.log.Debug("reusing connection", zap.Uint64("conn", d.Conn.ID), zap.Stringer("dest", &n.Dest),
			zap.Int("pipeline", d.Conn.pipeLen()), zap.Bool("forced", d.ForceReuse))
		return d, nil
	}
	if d.Outcome == Wait || (pending && n.PipeWait) {
		p.metrics.decisions.WithLabelValues(Wait.String()).Inc()
		return Decision{Outcome: Wait}, nil
	}
	return p.admit(n, id)
}

// find runs the matcher. pending reports a candidate that could take the
// request once it finished connecting.
func (p *Pool) find(n *Needle) (d Decision, pending bool) {
	canPipe := n.CanPipeline && (n.Method == http.MethodGet || n.Method == http.MethodHead)
	canMux := n.CanMultiplex
	if (canPipe || canMux) && p.cfg.siteBlacklisted(&n.Dest) {
		canPipe, canMux = false, false
	}

	b := p.bundles[n.Dest.key()]
	if b == nil {
		return Decision{Outcome: Create}, false
	}
	if (canPipe || canMux) && p.cfg.serverBlacklisted(b.server) {
		canPipe, canMux = false, false
	}
	if b.mode == MultiuseUnknown && (canPipe || canMux) && n.PipeWait {
		p.log.Debug("server multiuse unknown yet, waiting", zap.String("bundle", b.key))
		return Decision{Outcome: Wait}, false
	}
	// the bundle's learned mode decides which kind of sharing applies
	pipe := canPipe && b.mode == MultiusePipeline
	mux := canMux && b.mode == MultiuseMultiplex
	shared := pipe || mux

	var chosen, best *Conn
	force := false
	for _, c := range append([]*Conn(nil), b.conns...) {
		if !c.inUse && !c.handshaking && p.cfg.dead(c) {
			p.log.Debug("connection dead, closing", zap.Uint64("conn", c.ID))
			p.disconnect(c, "dead")
			continue
		}
		if c.closing || (c.inUse && !shared) {
			continue
		}
		if shared {
			if c.handshaking {
				if c.inUse {
					pending = true
				}
				continue
			}
			if pipe && p.cfg.MaxPipelineLength > 0 && c.pipeLen() >= p.cfg.MaxPipelineLength {
				continue
			}
			if p.cfg.penalized(c) {
				continue
			}
		}
		ok, waitTLS := p.matches(n, c)
		if waitTLS {
			pending = true
		}
		if !ok {
			continue
		}

		credsMatch := n.Dest.User == c.Dest.User && n.Dest.Password == c.Dest.Password
		if n.WantNTLM {
			if !credsMatch {
				continue
			}
		} else if c.ntlm != NTLMNone {
			continue // authenticating with NTLM, which this request does not want
		}

		if !shared {
			if n.WantNTLM {
				if c.ntlm != NTLMNone {
					// restarting the handshake elsewhere is not possible
					chosen, force = c, true
					break
				}
				if chosen == nil {
					chosen = c // keep looking for one mid handshake
				}
				continue
			}
			chosen = c
			break
		}

		l := c.pipeLen()
		if l == 0 {
			chosen = c
			break
		}
		if mux {
			if l < c.streamLimit() {
				chosen = c
				break
			}
			continue
		}
		if best == nil || l < best.pipeLen() {
			best = c
		}
	}
	if chosen == nil {
		chosen = best
	}
	if chosen != nil {
		return Decision{Outcome: Reuse, Conn: chosen, ForceReuse: force}, pending
	}
	return Decision{Outcome: Create}, pending
}

// matches is the identity check between the needle and a candidate. A
// candidate still doing its tls handshake never matches but is reported
// through waitTLS.
func (p *Pool) matches(n *Needle, c *Conn) (ok, waitTLS bool) {
	nd, cd := &n.Dest, &c.Dest
	sameFamily := nd.Family != "" && nd.Family == cd.Family && c.upgraded
	if nd.TLS != cd.TLS && !sameFamily {
		return false, false
	}
	if (nd.Proxy == nil) != (cd.Proxy == nil) {
		return false, false
	}
	if (nd.ConnectToHost != "") != (cd.ConnectToHost != "") || (nd.ConnectToPort != 0) != (cd.ConnectToPort != 0) {
		return false, false
	}
	if nd.Proxy != nil && (!nd.Proxy.matches(cd.Proxy) || nd.Proxy.Tunnel != cd.Proxy.Tunnel) {
		return false, false
	}
	if nd.LocalDevice != "" || nd.LocalPort != 0 {
		if nd.LocalPort != cd.LocalPort || (nd.LocalDevice != "" && nd.LocalDevice != cd.LocalDevice) {
			return false, false
		}
	}
	if n.CredsPerConn && (nd.User != cd.User || nd.Password != cd.Password) {
		return false, false
	}

	if nd.Proxy != nil && !nd.TLS && !nd.Proxy.Tunnel {
		// plain requests through the same forwarding proxy share connections
		return true, false
	}
	if !strings.EqualFold(nd.Scheme, cd.Scheme) && !sameFamily {
		return false, false
	}
	if nd.ConnectToHost != "" && !strings.EqualFold(nd.ConnectToHost, cd.ConnectToHost) {
		return false, false
	}
	if nd.ConnectToPort != 0 && nd.ConnectToPort != cd.ConnectToPort {
		return false, false
	}
	if !strings.EqualFold(nd.Host, cd.Host) || nd.Port != cd.Port {
		return false, false
	}
	if nd.TLS {
		if nd.TLSFingerprint != cd.TLSFingerprint {
			return false, false
		}
		if c.handshaking {
			return false, true
		}
	}
	return true, false
}

func (c *Conn) streamLimit() int {
	if c.maxStreams <= 0 {
		return 100
	}
	return c.maxStreams
}

func (p *Pool) enqueue(c *Conn, id uint64) {
	c.inUse = true
	c.uses++
	c.lastUsed = p.clock.Now()
	c.queue = append(c.queue, id)
}

// admit opens a new connection slot, evicting idle connections to stay
// within the per bundle and the global limits.
func (p *Pool) admit(n *Needle, id uint64) (Decision, error) {
	key := n.Dest.key()
	b := p.bundles[key]
	if max := p.cfg.MaxHostConnections; max > 0 && b != nil && len(b.conns) >= max {
		victim := oldestIdle(b.conns)
		if victim == nil {
			return p.reject("host connection limit reached", n)
		}
		p.disconnect(victim, "evicted")
	}
	if max := p.cfg.MaxTotalConnections; max > 0 && p.count >= max {
		victim := p.oldestIdle()
		if victim == nil {
			return p.reject("total connection limit reached", n)
		}
		p.disconnect(victim, "evicted")
	}

	if b = p.bundles[key]; b == nil {
		b = &Bundle{key: key, pool: p}
		p.bundles[key] = b
	}
	p.nextID++
	now := p.clock.Now()
	c := &Conn{
		ID:          p.nextID,
		Dest:        n.Dest,
		created:     now,
		handshaking: true,
		bundle:      b,
		pool:        p,
	}
	b.conns = append(b.conns, c)
	p.count++
	p.metrics.conns.Inc()
	p.enqueue(c, id)
	p.metrics.decisions.WithLabelValues(Create.String()).Inc()
	p.log.Debug("new connection", zap.Uint64("conn", c.ID), zap.Stringer("dest", &n.Dest))
	return Decision{Outcome: Create, Conn: c}, nil
}

func (p *Pool) reject(why string, n *Needle) (Decision, error) {
	p.metrics.decisions.WithLabelValues(Reject.String()).Inc()
	p.log.Debug("no connection capacity", zap.String("reason", why), zap.Stringer("dest", &n.Dest))
	return Decision{Outcome: Reject}, errs.ErrNoConnectionCapacity.With(why)
}

func (p *Pool) oldestIdle() *Conn {
	var victim *Conn
	for _, b := range p.bundles {
		if c := oldestIdle(b.conns); c != nil && (victim == nil || c.lastUsed.Before(victim.lastUsed)) {
			victim = c
		}
	}
	return victim
}

// disconnect closes c and forgets about it, called with p.mu held.
func (p *Pool) disconnect(c *Conn, reason string) error {
	b := c.bundle
	b.remove(c)
	if len(b.conns) == 0 && p.bundles[b.key] == b {
		delete(p.bundles, b.key)
	}
	p.count--
	p.metrics.conns.Dec()
	p.metrics.closed.WithLabelValues(reason).Inc()
	c.bundle = &Bundle{key: b.key, pool: p} // detached
	err := c.close()
	if err != nil {
		p.log.Debug("error closing connection", zap.Uint64("conn", c.ID), zap.Error(err))
	}
	return err
}

// Release ends request id on c. A connection left without requests goes
// idle, or is closed when it was marked for closing or the idle cache is
// full.
func (p *Pool) Release(c *Conn, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known(c) {
		return
	}
	c.detach(id)
	if c.inUse {
		return
	}
	c.lastUsed = p.clock.Now()
	if c.closing || c.conn == nil || p.closed {
		p.disconnect(c, "done")
		return
	}
	if max := p.cfg.MaxConnects; max > 0 && p.idle() > max {
		if victim := p.oldestIdle(); victim != nil {
			p.disconnect(victim, "idle limit")
		}
	}
}

// Discard closes c at once, whatever is queued on it.
func (p *Pool) Discard(c *Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known(c) {
		return c.close()
	}
	return p.disconnect(c, "discarded")
}

// Prune closes idle connections older than MaxIdleAge or found dead, and
// returns how many it closed.
func (p *Pool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := 0
	for _, b := range p.bundles {
		for _, c := range append([]*Conn(nil), b.conns...) {
			if c.inUse {
				continue
			}
			switch {
			case p.cfg.MaxIdleAge > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleAge:
				p.disconnect(c, "idle age")
			case p.cfg.dead(c):
				p.disconnect(c, "dead")
			default:
				continue
			}
			n++
		}
	}
	return n
}

// Closed reports whether [Pool.Close] was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes every connection, busy ones included, and refuses further
// acquisitions.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for _, b := range p.bundles {
		for _, c := range append([]*Conn(nil), b.conns...) {
			err = multierr.Append(err, p.disconnect(c, "shutdown"))
		}
	}
	return err
}

func (p *Pool) known(c *Conn) bool {
	b := p.bundles[c.bundle.key]
	return b != nil && b == c.bundle
}

func (p *Pool) idle() int {
	n := 0
	for _, b := range p.bundles {
		for _, c := range b.conns {
			if !c.inUse {
				n++
			}
		}
	}
	return n
}
