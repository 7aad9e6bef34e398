// package resolver resolves host names without blocking the caller. Lookups
// run on their own goroutine and are polled, answers are kept in a
// reference counted [Cache] that several clients may share.
package resolver

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

type Resolver struct {
	cache   *Cache
	lookup  LookupFunc
	network string
	clock   clock.Clock
	log     *zap.Logger

	// OnFree observes results nobody collected, freed on cancellation.
	OnFree func(*Result)
}

// New creates a resolver over cache, or over a private cache built from
// cfg when cache is nil.
func New(cfg *Config, cache *Cache) (*Resolver, error) {
	if cache == nil {
		var err error
		if cache, err = NewCache(cfg); err != nil {
			return nil, err
		}
	}
	return &Resolver{
		cache:   cache,
		lookup:  cfg.lookup(),
		network: cfg.network(),
		clock:   cfg.clock(),
		log:     cfg.logger(),
	}, nil
}

func (r *Resolver) Cache() *Cache { return r.cache }

// literal answers the host names that never need a lookup.
func (r *Resolver) literal(host string) ([]netip.Addr, bool) {
	h := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if a, err := netip.ParseAddr(h); err == nil {
		return []netip.Addr{a.Unmap()}, true
	}
	h = strings.ToLower(strings.TrimSuffix(h, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		var out []netip.Addr
		if r.network != "ip6" {
			out = append(out, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
		}
		if r.network != "ip4" {
			out = append(out, netip.IPv6Loopback())
		}
		return out, true
	}
	return nil, false
}

// Start begins resolving host. Literal addresses are answered right away
// with a nil job, anything else gets a job to poll.
func (r *Resolver) Start(ctx context.Context, host string, port int) (*Job, []netip.Addr, error) {
	if addrs, ok := r.literal(host); ok {
		return nil, addrs, nil
	}
	r.log.Debug("starting lookup", zap.String("host", host), zap.Int("port", port))
	return startJob(ctx, host, port, r.lookup, r.clock, r.OnFree), nil, nil
}

// Resolve consults the cache first. Exactly one of the returned handle and
// job is non-nil when err is nil.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (*Handle, *Job, error) {
	if h := r.cache.Lookup(host, port); h != nil {
		return h, nil, nil
	}
	job, addrs, err := r.Start(ctx, host, port)
	if err != nil {
		return nil, nil, err
	}
	if job != nil {
		return nil, job, nil
	}
	return r.cache.Insert(host, port, addrs), nil, nil
}

// Collect polls job. While it is pending Collect returns the time to wait
// before calling again, once done the answer is cached and returned.
func (r *Resolver) Collect(job *Job) (*Handle, time.Duration, error) {
	res, wait := job.Poll()
	if res == nil {
		return nil, wait, nil
	}
	if res.Err != nil {
		r.log.Debug("lookup failed", zap.String("host", job.Host), zap.Error(res.Err))
		return nil, 0, errs.ResolutionFailed(job.Host, false, res.Err)
	}
	return r.cache.Insert(job.Host, job.Port, res.Addrs), 0, nil
}

// Wait polls job until it is done or ctx ends, sleeping for the backoff
// interval in between. The job is cancelled when ctx ends first.
func (r *Resolver) Wait(ctx context.Context, job *Job) (*Handle, error) {
	for {
		h, wait, err := r.Collect(job)
		if h != nil || err != nil {
			return h, err
		}
		t := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			job.Cancel()
			r.log.Debug("lookup cancelled", zap.String("host", job.Host))
			return nil, errs.ResolutionFailed(job.Host, false, ctx.Err())
		case <-job.Done():
			t.Stop()
		case <-t.C:
		}
	}
}
