package internal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/frankli0324/go-xfer/internal/dialer"
	"github.com/frankli0324/go-xfer/internal/model"
	"github.com/frankli0324/go-xfer/internal/netpool"
	"github.com/frankli0324/go-xfer/internal/resolver"
)

type PreparedRequest = model.PreparedRequest

type Handler = func(ctx context.Context, req *PreparedRequest) (*model.Response, error)
type Middleware func(next Handler) Handler

// Client sends requests over pooled connections. The zero value is ready to
// use with [DefaultOptions].
type Client struct {
	middlewares []Middleware

	mu     sync.Mutex
	opts   *Options
	dialer dialer.Dialer
	sess   *session

	nextID atomic.Uint64
}

// session is what a client builds from its options on first use. Requests
// keep the session they started with when the client is reconfigured.
type session struct {
	opts      *Options
	dialer    dialer.Dialer
	resolver  *resolver.Resolver
	pool      *netpool.Pool
	connectTo []connectTo
	log       *zap.Logger
	nextID    *atomic.Uint64
}

// Use appends mw to the end of the chain. The last "Use"d mw executes first
func (c *Client) Use(mws ...Middleware) {
	c.middlewares = append(c.middlewares, mws...)
}

// Configure changes the options. Connections made under the previous
// options are closed, in use or not.
func (c *Client) Configure(fn func(*Options)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.options().Clone()
	fn(o)
	c.opts = o
	return c.reset()
}

// UseDialer replaces the dialer with what fn makes of the current one.
func (c *Client) UseDialer(fn func(dialer.Dialer) dialer.Dialer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialer = fn(c.currentDialer())
	// pooled connections may not match what the new dialer would make
	return c.reset()
}

// UseCoreDialer hands fn a copy of the default dialer to adjust or wrap.
func (c *Client) UseCoreDialer(fn func(*dialer.CoreDialer) dialer.Dialer) error {
	return c.UseDialer(func(d dialer.Dialer) dialer.Dialer {
		cd := coreDialer(d).Clone()
		if cd == nil {
			cd = newCoreDialer(c.options().logger())
		}
		return fn(cd)
	})
}

// SetLogger makes every component log through l.
func (c *Client) SetLogger(l *zap.Logger) error {
	return c.Configure(func(o *Options) { o.Logger = l })
}

func (c *Client) options() *Options {
	if c.opts == nil {
		c.opts = DefaultOptions()
	}
	return c.opts
}

func (c *Client) currentDialer() dialer.Dialer {
	if c.dialer == nil {
		c.dialer = newCoreDialer(c.options().logger())
	}
	return c.dialer
}

func newCoreDialer(log *zap.Logger) *dialer.CoreDialer {
	return &dialer.CoreDialer{Logger: log.Named("dialer")}
}

// reset drops the session, the next request builds another.
func (c *Client) reset() error {
	if c.sess == nil {
		return nil
	}
	err := c.sess.pool.Close()
	c.sess = nil
	return err
}

func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess, nil
	}
	o := c.options().Clone()
	o.fill()

	s := &session{opts: o, log: o.logger(), nextID: &c.nextID}
	for _, v := range o.ConnectTo {
		ct, err := parseConnectTo(v)
		if err != nil {
			return nil, err
		}
		s.connectTo = append(s.connectTo, ct)
	}
	r, err := resolver.New(o.Resolver, o.SharedCache)
	if err != nil {
		return nil, err
	}
	if o.SharedCache != nil {
		// a private cache took these from the config already
		for host, addrs := range o.Resolver.StaticHosts {
			ov, err := resolver.ParseOverride(host + ":*:" + addrs)
			if err != nil {
				return nil, err
			}
			r.Cache().Apply(ov)
		}
		for _, v := range o.Resolver.Overrides {
			ov, err := resolver.ParseOverride(v)
			if err != nil {
				return nil, err
			}
			r.Cache().Apply(ov)
		}
	}
	d := c.currentDialer()
	if cd, ok := d.(*dialer.CoreDialer); ok && o.Logger != nil {
		cd.Logger = o.Logger.Named("dialer")
	}

	s.resolver, s.dialer = r, d
	s.pool = netpool.New(o.Pool)
	c.sess = s
	return s, nil
}

// Collectors exposes the connection pool and name cache metrics of the
// current session.
func (c *Client) Collectors() ([]prometheus.Collector, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return append(s.pool.Collectors(), s.resolver.Cache().Collectors()...), nil
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

func (c *Client) CtxDo(ctx context.Context, req *model.Request) (*model.Response, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	pr, err := req.Prepare()
	if err != nil {
		return nil, err
	}
	next := s.do
	for _, mw := range c.middlewares {
		next = mw(next)
	}
	return next(ctx, pr)
}
