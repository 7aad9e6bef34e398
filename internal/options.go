package internal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/frankli0324/go-xfer/internal/dialer"
	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
	"github.com/frankli0324/go-xfer/internal/netpool"
	"github.com/frankli0324/go-xfer/internal/resolver"
	"github.com/frankli0324/go-xfer/internal/transfer"
)

const (
	DefaultMaxRedirects = 30
	// a request whose connection died before answering is sent again at
	// most this many times
	maxRetries = 5
)

type Options struct {
	Resolver *resolver.Config
	// SharedCache lets several clients share resolved names, the client
	// builds its own from Resolver when nil.
	SharedCache *resolver.Cache
	Pool        *netpool.Config
	Transfer    *transfer.Options

	FollowRedirects bool
	MaxRedirects    int // negative is unlimited

	AllowHTTP09             bool
	MaxHeaderBytes          int
	ExpectContinueThreshold int64
	DisableExpectContinue   bool
	// DecodeContent asks for and decodes compressed responses.
	DecodeContent bool
	// PipeWait prefers waiting for a connection being established over
	// opening another one.
	PipeWait bool

	// GetProxy returns the proxy url to use for r, "" for none.
	GetProxy func(ctx context.Context, r *model.Request) (string, error)
	// ProxyTunnel tunnels plain http requests through the proxy as well,
	// https ones always are.
	ProxyTunnel bool
	// ConnectTo redirects connections, entries are "host:port:host2:port2"
	// where empty parts match anything or stay unchanged.
	ConnectTo []string

	LocalDevice string
	LocalPort   int

	Clock  clock.Clock
	Logger *zap.Logger
}

func DefaultOptions() *Options {
	return &Options{
		Resolver:      &resolver.Config{},
		Pool:          netpool.DefaultConfig(),
		Transfer:      &transfer.Options{},
		MaxRedirects:  DefaultMaxRedirects,
		DecodeContent: true,
	}
}

func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	n := *o
	n.Resolver = o.Resolver.Clone()
	n.Pool = o.Pool.Clone()
	n.Transfer = o.Transfer.Clone()
	n.ConnectTo = append([]string(nil), o.ConnectTo...)
	return &n
}

// fill completes the component configs with what is set at the top.
func (o *Options) fill() {
	if o.Resolver == nil {
		o.Resolver = &resolver.Config{}
	}
	if o.Pool == nil {
		o.Pool = netpool.DefaultConfig()
	}
	if o.Transfer == nil {
		o.Transfer = &transfer.Options{}
	}
	if o.Clock != nil {
		o.Resolver.Clock = o.Clock
		o.Pool.Clock = o.Clock
		o.Transfer.Clock = o.Clock
	}
	if o.Logger != nil {
		o.Resolver.Logger = o.Logger.Named("resolver")
		o.Pool.Logger = o.Logger.Named("netpool")
		o.Transfer.Logger = o.Logger.Named("transfer")
	}
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type connectTo struct {
	host   string
	port   int
	toHost string
	toPort int
}

func parseConnectTo(s string) (connectTo, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return connectTo{}, errs.ErrURLMalformat.With("bad connect-to " + strconv.Quote(s))
	}
	var c connectTo
	var err error
	c.host, c.toHost = parts[0], parts[2]
	if c.port, err = optPort(parts[1]); err != nil {
		return connectTo{}, err
	}
	if c.toPort, err = optPort(parts[3]); err != nil {
		return connectTo{}, err
	}
	return c, nil
}

func optPort(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, errs.ErrURLMalformat.With("bad port " + strconv.Quote(s))
	}
	return p, nil
}

func (c connectTo) matches(host string, port int) bool {
	return (c.host == "" || strings.EqualFold(c.host, host)) && (c.port == 0 || c.port == port)
}

// parseProxy reads a proxy url, "host:port" meaning an http proxy.
func parseProxy(raw string) (*netpool.Proxy, string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", errs.ErrURLMalformat.Wrap(err)
	}
	p := &netpool.Proxy{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch p.Scheme {
	case "http":
		p.Port = 1080
	case "https":
		p.Port = 443
	default:
		return nil, "", errs.ErrUnsupportedProtocol.With(fmt.Sprintf("proxy scheme %q", u.Scheme))
	}
	if u.Port() != "" {
		if p.Port, err = optPort(u.Port()); err != nil {
			return nil, "", err
		}
	}
	var password string
	if u.User != nil {
		p.User = u.User.Username()
		password, _ = u.User.Password()
	}
	return p, password, nil
}

// coreDialer finds the default dialer in a chain of wrapping ones.
func coreDialer(d dialer.Dialer) *dialer.CoreDialer {
	for d != nil {
		if cd, ok := d.(*dialer.CoreDialer); ok {
			return cd
		}
		d = d.Unwrap()
	}
	return nil
}

func tlsFingerprint(d dialer.Dialer) string {
	var cfg *tls.Config
	if cd := coreDialer(d); cd != nil {
		cfg = cd.TLSConfig
	}
	return dialer.Fingerprint(cfg)
}
